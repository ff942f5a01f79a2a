package selector

import "fmt"

// SubjectKind names the kind of candidate a selector is evaluated against.
type SubjectKind string

const (
	KindResource    SubjectKind = "resource"
	KindEnvironment SubjectKind = "environment"
	KindDeployment  SubjectKind = "deployment"
	KindVersion     SubjectKind = "version"
)

// Subject is the selector view of a single candidate record. Models build
// subjects; this package never sees them directly.
type Subject struct {
	Kind SubjectKind

	ID         string
	Identifier string
	Name       string
	// ResourceKind is the resource's own kind attribute (e.g. "Kubernetes/Cluster").
	ResourceKind string
	Version      string
	SystemID     string
	Tag          string
	Metadata     map[string]string
}

// UnsupportedError is returned when a leaf does not apply to a subject kind.
type UnsupportedError struct {
	Type Type
	Kind SubjectKind
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("condition type %q is not supported for %s selectors", e.Type, e.Kind)
}

var legal = map[Type]map[SubjectKind]bool{
	TypeIdentifier: {KindResource: true, KindDeployment: true},
	TypeName:       {KindResource: true, KindEnvironment: true, KindDeployment: true, KindVersion: true},
	TypeKind:       {KindResource: true},
	TypeVersion:    {KindResource: true},
	TypeMetadata:   {KindResource: true, KindEnvironment: true, KindDeployment: true, KindVersion: true},
	TypeSystem:     {KindEnvironment: true, KindDeployment: true},
	TypeTag:        {KindVersion: true},
	TypeCEL:        {KindResource: true, KindEnvironment: true, KindDeployment: true, KindVersion: true},
}

func applies(t Type, k SubjectKind) bool {
	return legal[t][k]
}

// celValue is the map exposed to CEL expressions.
func (s Subject) celValue() map[string]any {
	md := make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		md[k] = v
	}
	return map[string]any{
		"id":         s.ID,
		"identifier": s.Identifier,
		"name":       s.Name,
		"kind":       s.ResourceKind,
		"version":    s.Version,
		"systemId":   s.SystemID,
		"tag":        s.Tag,
		"metadata":   md,
	}
}
