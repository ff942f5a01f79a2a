package relationship

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/repository"
)

// Direction tells which end of an edge a resource sits on.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Edge is one derived relationship.
type Edge struct {
	Reference      string    `json:"reference"`
	DependencyType string    `json:"dependencyType"`
	RuleID         uuid.UUID `json:"ruleId"`
	SourceID       uuid.UUID `json:"sourceId"`
	TargetID       uuid.UUID `json:"targetId"`
}

// Graph holds the edges of one focus resource within a workspace snapshot.
// Edges are resolved through ids only; resources never point at each other.
type Graph struct {
	resources map[uuid.UUID]*models.Resource
	out       map[uuid.UUID][]Edge
	in        map[uuid.UUID][]Edge
}

// New indexes the edges the rules derive between focus and the other
// resources, in one pass over the resources per rule. Soft-deleted
// resources are ignored.
func New(rules []models.ResourceRelationshipRule, resources []models.Resource, focus *models.Resource) *Graph {
	g := &Graph{
		resources: map[uuid.UUID]*models.Resource{focus.ID: focus},
		out:       map[uuid.UUID][]Edge{},
		in:        map[uuid.UUID][]Edge{},
	}
	others := make([]*models.Resource, 0, len(resources))
	for i := range resources {
		r := &resources[i]
		if r.Deleted() || r.ID == focus.ID {
			continue
		}
		others = append(others, r)
	}
	sort.SliceStable(others, func(i, j int) bool { return older(others[i], others[j]) })

	for i := range rules {
		rule := &rules[i]
		for _, other := range others {
			if Matches(rule, focus, other) {
				g.link(rule, focus, other)
			}
			if Matches(rule, other, focus) {
				g.link(rule, other, focus)
			}
		}
	}
	return g
}

// For builds the graph of one resource from the store. Workspaces without
// rules skip the resource scan.
func For(ctx context.Context, store repository.Store, resource *models.Resource) (*Graph, error) {
	rules, err := store.RelationshipRules().ListByWorkspace(ctx, resource.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return New(nil, nil, resource), nil
	}
	resources, err := store.Resources().ListByWorkspace(ctx, resource.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return New(rules, resources, resource), nil
}

func (g *Graph) link(rule *models.ResourceRelationshipRule, src, dst *models.Resource) {
	e := Edge{
		Reference:      rule.Reference,
		DependencyType: rule.DependencyType,
		RuleID:         rule.ID,
		SourceID:       src.ID,
		TargetID:       dst.ID,
	}
	g.resources[src.ID] = src
	g.resources[dst.ID] = dst
	g.out[src.ID] = append(g.out[src.ID], e)
	g.in[dst.ID] = append(g.in[dst.ID], e)
}

func older(a, b *models.Resource) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// Related follows the edge named reference from resourceID. Outgoing edges
// win over incoming ones; among several matches the oldest resource wins.
func (g *Graph) Related(resourceID uuid.UUID, reference string) (*models.Resource, Direction, bool) {
	for _, e := range g.out[resourceID] {
		if e.Reference == reference {
			return g.resources[e.TargetID], Outgoing, true
		}
	}
	for _, e := range g.in[resourceID] {
		if e.Reference == reference {
			return g.resources[e.SourceID], Incoming, true
		}
	}
	return nil, "", false
}

// References returns one related resource id per reference name, as exposed
// on Resource.Relationships.
func (g *Graph) References(resourceID uuid.UUID) map[string]uuid.UUID {
	refs := map[string]uuid.UUID{}
	for _, e := range g.in[resourceID] {
		if _, ok := refs[e.Reference]; !ok {
			refs[e.Reference] = e.SourceID
		}
	}
	// outgoing edges overwrite incoming ones
	seen := map[string]bool{}
	for _, e := range g.out[resourceID] {
		if !seen[e.Reference] {
			refs[e.Reference] = e.TargetID
			seen[e.Reference] = true
		}
	}
	return refs
}

// Neighbours returns the ids of resources sharing an edge with resourceID,
// sorted and without duplicates.
func (g *Graph) Neighbours(resourceID uuid.UUID) []uuid.UUID {
	set := map[uuid.UUID]struct{}{}
	for _, e := range g.out[resourceID] {
		set[e.TargetID] = struct{}{}
	}
	for _, e := range g.in[resourceID] {
		set[e.SourceID] = struct{}{}
	}
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
