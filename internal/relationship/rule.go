// Package relationship derives named edges between resources from
// relationship rules.
package relationship

import (
	"github.com/releaseplane/engine/internal/models"
)

// Matches reports whether rule derives an edge from source to target. Every
// declared constraint must hold; unset kind and version are wildcards.
func Matches(rule *models.ResourceRelationshipRule, source, target *models.Resource) bool {
	if source.ID == target.ID {
		return false
	}
	if !wildcard(rule.SourceKind, source.Kind) || !wildcard(rule.SourceVersion, source.Version) {
		return false
	}
	if !wildcard(rule.TargetKind, target.Kind) || !wildcard(rule.TargetVersion, target.Version) {
		return false
	}
	for _, m := range rule.MetadataKeysMatches {
		sv, ok := source.Metadata[m.SourceKey]
		if !ok {
			return false
		}
		tv, ok := target.Metadata[m.TargetKey]
		if !ok || sv != tv {
			return false
		}
	}
	if !equalsAll(rule.SourceMetadataEquals, source.Metadata) {
		return false
	}
	return equalsAll(rule.TargetMetadataEquals, target.Metadata)
}

func wildcard(want, got string) bool {
	return want == "" || want == got
}

func equalsAll(constraints []models.MetadataEquals, md map[string]string) bool {
	for _, c := range constraints {
		v, ok := md[c.Key]
		if !ok || v != c.Value {
			return false
		}
	}
	return true
}
