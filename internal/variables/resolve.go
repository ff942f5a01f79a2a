// Package variables computes the effective variable set of a release target.
package variables

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/relationship"
	"github.com/releaseplane/engine/internal/selector"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

// Relations looks up the resource reached through a named relationship.
// *relationship.Graph satisfies it.
type Relations interface {
	Related(resourceID uuid.UUID, reference string) (*models.Resource, relationship.Direction, bool)
}

type candidate struct {
	priority    int
	isDefault   bool
	hasSelector bool
	direct      *models.DirectValue
	reference   *models.ReferenceValue
}

// Validate rejects definitions that can never resolve deterministically.
func Validate(v *models.DeploymentVariable) error {
	if n := v.DefaultCount(); n > 1 {
		return appErr.Newf(appErr.CodeConflict, "variable %q has %d default values, at most one is allowed", v.Key, n)
	}
	for _, dv := range v.DirectValues {
		if len(dv.Value) > 0 && !json.Valid(dv.Value) {
			return appErr.Newf(appErr.CodeInvalid, "variable %q has a value that is not valid JSON", v.Key)
		}
	}
	return nil
}

// Resolve returns the resolved value of every deployment variable for
// resource. Keys with no applicable candidate and no resource override are
// left out.
func Resolve(resource *models.Resource, defs []models.DeploymentVariable, rel Relations) (map[string]any, error) {
	out := make(map[string]any, len(defs))
	for i := range defs {
		def := &defs[i]
		if err := Validate(def); err != nil {
			return nil, err
		}
		value, ok, err := resolveOne(resource, def, rel)
		if err != nil {
			return nil, fmt.Errorf("resolve variable %q: %w", def.Key, err)
		}
		if ok {
			out[def.Key] = value
		}
	}
	return out, nil
}

func resolveOne(resource *models.Resource, def *models.DeploymentVariable, rel Relations) (any, bool, error) {
	candidates, err := candidates(resource, def)
	if err != nil {
		return nil, false, err
	}
	override, hasOverride := resource.Variables[def.Key]

	if len(candidates) == 0 {
		return override, hasOverride, nil
	}
	best := candidates[0]
	if hasOverride && !best.hasSelector {
		return override, true, nil
	}
	if best.direct != nil {
		v, err := decode(best.direct.Value)
		return v, true, err
	}
	v, err := resolveReference(resource, best.reference, rel)
	return v, true, err
}

// candidates returns the values whose selector matches resource, or which
// have none, ordered by priority, then the default flag, then declaration
// order (direct values before references).
func candidates(resource *models.Resource, def *models.DeploymentVariable) ([]candidate, error) {
	subject := resource.Subject()
	var out []candidate
	for i := range def.DirectValues {
		dv := &def.DirectValues[i]
		ok, err := dv.ResourceSelector.Matches(subject)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, candidate{
			priority:    dv.Priority,
			isDefault:   dv.IsDefault,
			hasSelector: targeted(dv.ResourceSelector),
			direct:      dv,
		})
	}
	for i := range def.ReferenceValues {
		rv := &def.ReferenceValues[i]
		ok, err := rv.ResourceSelector.Matches(subject)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, candidate{
			priority:    rv.Priority,
			hasSelector: targeted(rv.ResourceSelector),
			reference:   rv,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].isDefault && !out[j].isDefault
	})
	return out, nil
}

func targeted(s *selector.Selector) bool {
	return s != nil && s.Root != nil
}

func resolveReference(resource *models.Resource, rv *models.ReferenceValue, rel Relations) (any, error) {
	if rel != nil {
		if related, _, ok := rel.Related(resource.ID, rv.Reference); ok {
			if v, ok := lookup(view(related), rv.Path); ok {
				return v, nil
			}
		}
	}
	if len(rv.DefaultValue) > 0 {
		return decode(rv.DefaultValue)
	}
	return models.NullSentinel, nil
}

// view is the document reference paths walk.
func view(r *models.Resource) map[string]any {
	md := make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		md[k] = v
	}
	return map[string]any{
		"id":         r.ID.String(),
		"identifier": r.Identifier,
		"name":       r.Name,
		"kind":       r.Kind,
		"version":    r.Version,
		"metadata":   md,
		"variables":  map[string]any(r.Variables),
		"config":     map[string]any(r.Config),
	}
}

func lookup(doc any, path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	cur := doc
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func decode(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "decode variable value")
	}
	return v, nil
}
