package services

import (
	"context"
	"maps"
	"reflect"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/models"
	"github.com/releaseplane/engine/internal/relationship"
	"github.com/releaseplane/engine/internal/repository"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

type ResourceService interface {
	// CreateResource creates a resource, or updates (and restores) the one
	// with the same identifier in the workspace.
	CreateResource(ctx context.Context, r *models.Resource) (*models.Resource, bool, error)
	// GetResource returns the resource with its derived relationships.
	GetResource(ctx context.Context, id uuid.UUID) (*models.Resource, error)
	UpdateResource(ctx context.Context, id uuid.UUID, patch *ResourcePatch) (*models.Resource, error)
	DeleteResource(ctx context.Context, id uuid.UUID) error
	ReleaseTargets(ctx context.Context, id uuid.UUID) ([]models.ReleaseTarget, error)

	// SetProviderResources makes resources the complete set owned by the
	// provider: listed resources are upserted, the provider's others are
	// deleted.
	SetProviderResources(ctx context.Context, provider *models.ResourceProvider, resources []models.Resource) (*ProviderSync, error)

	// CreateRelationshipRule creates a rule or replaces the one with the same
	// reference in the workspace.
	CreateRelationshipRule(ctx context.Context, rule *models.ResourceRelationshipRule) (*models.ResourceRelationshipRule, bool, error)
	DeleteRelationshipRule(ctx context.Context, id uuid.UUID) error
}

type ResourcePatch struct {
	Identifier Field[string]            `json:"identifier"`
	Name       Field[string]            `json:"name"`
	Kind       Field[string]            `json:"kind"`
	Version    Field[string]            `json:"version"`
	Config     Field[map[string]any]    `json:"config"`
	Metadata   Field[map[string]string] `json:"metadata"`
	Variables  Field[map[string]any]    `json:"variables"`
}

// ProviderSync is the outcome of a provider set call.
type ProviderSync struct {
	Provider *models.ResourceProvider `json:"provider"`
	Created  []models.Resource        `json:"created"`
	Updated  []models.Resource        `json:"updated"`
	Deleted  []models.Resource        `json:"deleted"`
}

type resourceService struct {
	base
}

func NewResourceService(store repository.Store, pub events.Publisher) ResourceService {
	return &resourceService{base: newBase(store, pub, "resources")}
}

var _ ResourceService = (*resourceService)(nil)

// neighbours returns the resources related to r in either direction.
// Their variables may reference r and resolve differently after a change.
func (s *resourceService) neighbours(ctx context.Context, r *models.Resource) []uuid.UUID {
	if r.Deleted() {
		return nil
	}
	g, err := relationship.For(ctx, s.store, r)
	if err != nil {
		s.log.Warn("load relationship graph", zap.String("resource_id", r.ID.String()), zap.Error(err))
		return nil
	}
	return g.Neighbours(r.ID)
}

func (s *resourceService) CreateResource(ctx context.Context, r *models.Resource) (*models.Resource, bool, error) {
	if err := check(r); err != nil {
		return nil, false, err
	}
	existing, err := s.store.Resources().GetByIdentifier(ctx, r.WorkspaceID, r.Identifier, true)
	switch {
	case appErr.IsCode(err, appErr.CodeNotFound):
	case err != nil:
		return nil, false, err
	default:
		patch := &ResourcePatch{
			Name:      Some(r.Name),
			Kind:      Some(r.Kind),
			Version:   Some(r.Version),
			Config:    Some(r.Config),
			Metadata:  Some(r.Metadata),
			Variables: Some(r.Variables),
		}
		if r.ProviderID != nil {
			existing.ProviderID = r.ProviderID
		}
		updated, err := s.update(ctx, existing, patch)
		return updated, false, err
	}

	if err := s.store.Resources().Create(ctx, r); err != nil {
		return nil, false, err
	}
	s.log.Info("resource created",
		zap.String("resource_id", r.ID.String()),
		zap.String("identifier", r.Identifier),
		zap.String("kind", r.Kind))
	evt := events.New(events.ResourceCreated, r.ID)
	evt.WorkspaceID = r.WorkspaceID
	evt.Related = s.neighbours(ctx, r)
	s.publish(ctx, evt)
	return r, true, nil
}

func (s *resourceService) GetResource(ctx context.Context, id uuid.UUID) (*models.Resource, error) {
	r, err := s.store.Resources().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	g, err := relationship.For(ctx, s.store, r)
	if err != nil {
		return nil, err
	}
	r.Relationships = g.References(r.ID)
	return r, nil
}

func (s *resourceService) UpdateResource(ctx context.Context, id uuid.UUID, patch *ResourcePatch) (*models.Resource, error) {
	r, err := s.store.Resources().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, r, patch)
}

func (s *resourceService) update(ctx context.Context, r *models.Resource, patch *ResourcePatch) (*models.Resource, error) {
	before := *r
	apply(patch.Identifier, &r.Identifier)
	apply(patch.Name, &r.Name)
	apply(patch.Kind, &r.Kind)
	apply(patch.Version, &r.Version)
	if patch.Config.Set {
		r.Config = lo.FromPtr(patch.Config.Value)
	}
	if patch.Metadata.Set {
		r.Metadata = lo.FromPtr(patch.Metadata.Value)
	}
	if patch.Variables.Set {
		r.Variables = lo.FromPtr(patch.Variables.Value)
	}
	if err := check(r); err != nil {
		return nil, err
	}

	var changed []string
	for _, c := range []struct {
		field string
		same  bool
	}{
		{"identifier", before.Identifier == r.Identifier},
		{"name", before.Name == r.Name},
		{"kind", before.Kind == r.Kind},
		{"version", before.Version == r.Version},
		{"config", reflect.DeepEqual(before.Config, r.Config)},
		{"metadata", maps.Equal(before.Metadata, r.Metadata)},
		{"variables", reflect.DeepEqual(before.Variables, r.Variables)},
		{"providerId", lo.FromPtr(before.ProviderID) == lo.FromPtr(r.ProviderID)},
	} {
		if !c.same {
			changed = append(changed, c.field)
		}
	}

	restored := r.Deleted()
	if len(changed) == 0 && !restored {
		return r, nil
	}

	// Edges may disappear with the change; both sides need a new look.
	related := s.neighbours(ctx, &before)
	if restored {
		if err := s.store.Resources().Restore(ctx, r.ID); err != nil {
			return nil, err
		}
		r.DeletedAt.Valid = false
	}
	if err := s.store.Resources().Update(ctx, r); err != nil {
		return nil, err
	}
	related = lo.Union(related, s.neighbours(ctx, r))

	typ := events.ResourceUpdated
	if restored {
		typ = events.ResourceCreated
	}
	s.log.Info("resource updated",
		zap.String("resource_id", r.ID.String()),
		zap.Strings("changed", changed),
		zap.Bool("restored", restored))
	evt := events.New(typ, r.ID)
	evt.WorkspaceID = r.WorkspaceID
	evt.Changed = changed
	evt.Related = related
	s.publish(ctx, evt)
	return r, nil
}

func (s *resourceService) DeleteResource(ctx context.Context, id uuid.UUID) error {
	r, err := s.store.Resources().Get(ctx, id)
	if err != nil {
		return err
	}
	return s.delete(ctx, r)
}

func (s *resourceService) delete(ctx context.Context, r *models.Resource) error {
	related := s.neighbours(ctx, r)
	if err := s.store.Resources().Delete(ctx, r.ID); err != nil {
		return err
	}
	s.log.Info("resource deleted", zap.String("resource_id", r.ID.String()), zap.String("identifier", r.Identifier))
	evt := events.New(events.ResourceDeleted, r.ID)
	evt.WorkspaceID = r.WorkspaceID
	evt.Related = related
	s.publish(ctx, evt)
	return nil
}

func (s *resourceService) ReleaseTargets(ctx context.Context, id uuid.UUID) ([]models.ReleaseTarget, error) {
	if _, err := s.store.Resources().Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ReleaseTargets().ListByResource(ctx, id)
}

func (s *resourceService) SetProviderResources(ctx context.Context, provider *models.ResourceProvider, resources []models.Resource) (*ProviderSync, error) {
	if provider.WorkspaceID == uuid.Nil {
		return nil, appErr.New(appErr.CodeInvalid, "workspaceId is required")
	}
	existing, err := s.store.ResourceProviders().Get(ctx, provider.ID)
	switch {
	case appErr.IsCode(err, appErr.CodeNotFound):
		if provider.Name == "" {
			provider.Name = provider.ID.String()
		}
		if err := s.store.ResourceProviders().Create(ctx, provider); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if existing.WorkspaceID != provider.WorkspaceID {
			return nil, appErr.New(appErr.CodeInvalid, "provider belongs to another workspace")
		}
		if provider.Name != "" && provider.Name != existing.Name {
			existing.Name = provider.Name
			if err := s.store.ResourceProviders().Update(ctx, existing); err != nil {
				return nil, err
			}
		}
		provider = existing
	}

	for i := range resources {
		resources[i].WorkspaceID = provider.WorkspaceID
		resources[i].ProviderID = &provider.ID
		if err := check(&resources[i]); err != nil {
			return nil, err
		}
	}
	if dup := lo.FindDuplicatesBy(resources, func(r models.Resource) string { return r.Identifier }); len(dup) > 0 {
		return nil, appErr.Newf(appErr.CodeInvalid, "identifier %q is listed twice", dup[0].Identifier)
	}

	out := &ProviderSync{Provider: provider}
	for i := range resources {
		r, created, err := s.CreateResource(ctx, &resources[i])
		if err != nil {
			return nil, err
		}
		if created {
			out.Created = append(out.Created, *r)
		} else {
			out.Updated = append(out.Updated, *r)
		}
	}

	owned, err := s.store.Resources().ListByProvider(ctx, provider.ID)
	if err != nil {
		return nil, err
	}
	keep := lo.SliceToMap(resources, func(r models.Resource) (string, struct{}) { return r.Identifier, struct{}{} })
	for i := range owned {
		if _, ok := keep[owned[i].Identifier]; ok {
			continue
		}
		if err := s.delete(ctx, &owned[i]); err != nil {
			return nil, err
		}
		out.Deleted = append(out.Deleted, owned[i])
	}
	s.log.Info("provider resources set",
		zap.String("provider_id", provider.ID.String()),
		zap.Int("created", len(out.Created)),
		zap.Int("updated", len(out.Updated)),
		zap.Int("deleted", len(out.Deleted)))
	return out, nil
}

func (s *resourceService) CreateRelationshipRule(ctx context.Context, rule *models.ResourceRelationshipRule) (*models.ResourceRelationshipRule, bool, error) {
	if err := check(rule); err != nil {
		return nil, false, err
	}
	rules, err := s.store.RelationshipRules().ListByWorkspace(ctx, rule.WorkspaceID)
	if err != nil {
		return nil, false, err
	}
	created := true
	if found, ok := lo.Find(rules, func(r models.ResourceRelationshipRule) bool { return r.Reference == rule.Reference }); ok {
		rule.Base = found.Base
		if err := s.store.RelationshipRules().Update(ctx, rule); err != nil {
			return nil, false, err
		}
		created = false
	} else if err := s.store.RelationshipRules().Create(ctx, rule); err != nil {
		return nil, false, err
	}
	s.log.Info("relationship rule stored",
		zap.String("rule_id", rule.ID.String()),
		zap.String("reference", rule.Reference),
		zap.Bool("created", created))
	evt := events.New(events.RelationshipRuleChanged, rule.ID)
	evt.WorkspaceID = rule.WorkspaceID
	s.publish(ctx, evt)
	return rule, created, nil
}

func (s *resourceService) DeleteRelationshipRule(ctx context.Context, id uuid.UUID) error {
	rule, err := s.store.RelationshipRules().Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.RelationshipRules().Delete(ctx, id); err != nil {
		return err
	}
	evt := events.New(events.RelationshipRuleChanged, id)
	evt.WorkspaceID = rule.WorkspaceID
	s.publish(ctx, evt)
	return nil
}
