// Package app assembles the engine from a store and a publisher.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/releaseplane/engine/internal/api"
	"github.com/releaseplane/engine/internal/api/handlers"
	"github.com/releaseplane/engine/internal/dispatch"
	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/lock"
	"github.com/releaseplane/engine/internal/policy"
	"github.com/releaseplane/engine/internal/reconcile"
	"github.com/releaseplane/engine/internal/registry"
	"github.com/releaseplane/engine/internal/repository"
	"github.com/releaseplane/engine/internal/services"
	"github.com/releaseplane/engine/pkg/config"
)

type Options struct {
	Config *config.Config
	Store  repository.Store
	// Publisher carries change events to the reconciler. When nil an
	// in-process bus feeds the engine's own controller.
	Publisher events.Publisher
	// Mutex serializes reconciliation of one target across processes.
	Mutex lock.Mutex
	// Inline runs reconciliation on the publishing goroutine. Only
	// meaningful with the in-process bus.
	Inline bool
	Clock  func() time.Time
	Checks map[string]handlers.Check
}

// Engine is the assembled write path, reconciler and HTTP surface.
type Engine struct {
	Store      repository.Store
	Publisher  events.Publisher
	Bus        *events.Bus
	Evaluator  *policy.Evaluator
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Controller *reconcile.Controller
	Locks      *lock.Manager

	Systems     services.SystemService
	Deployments services.DeploymentService
	Versions    services.VersionService
	Resources   services.ResourceService
	Policies    services.PolicyService
	Targets     services.TargetService
	Jobs        services.JobService

	Handler http.Handler
}

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	e := &Engine{Store: opts.Store, Publisher: opts.Publisher}
	if e.Publisher == nil {
		e.Bus = events.NewBus()
		e.Publisher = e.Bus
	}

	e.Evaluator = policy.NewEvaluator(e.Store, clock)
	e.Dispatcher = dispatch.New(e.Store, e.Evaluator, e.Publisher, dispatch.Options{
		LeaseTimeout: cfg.JobLeaseTimeout,
		Limit:        cfg.NextJobsLimit,
	}).WithClock(clock)
	e.Registry = registry.New(e.Store, e.Publisher)
	e.Controller = reconcile.New(e.Store, e.Registry, e.Evaluator, e.Dispatcher, opts.Mutex, reconcile.Config{
		Workers:        cfg.ReconcileWorkers,
		MaxRetries:     cfg.ReconcileMaxRetries,
		ResyncInterval: cfg.ResyncInterval,
		Inline:         opts.Inline,
	}).WithClock(clock)
	if e.Bus != nil {
		e.Bus.Subscribe(e.Controller)
	}
	e.Locks = lock.NewManager(e.Store, e.Publisher)

	e.Systems = services.NewSystemService(e.Store, e.Publisher)
	e.Deployments = services.NewDeploymentService(e.Store, e.Publisher)
	e.Versions = services.NewVersionService(e.Store, e.Publisher, e.Evaluator)
	e.Resources = services.NewResourceService(e.Store, e.Publisher)
	e.Policies = services.NewPolicyService(e.Store, e.Publisher)
	e.Targets = services.NewTargetService(e.Store, e.Publisher, e.Locks, e.Dispatcher)
	e.Jobs = services.NewJobService(e.Store, e.Publisher, e.Dispatcher)

	checks := map[string]handlers.Check{"store": e.Store.Ping}
	for name, c := range opts.Checks {
		checks[name] = c
	}
	e.Handler = api.NewRouter(api.Dependencies{
		HMACSecret:     []byte(cfg.JWTSecret),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		CORSOrigins:    cfg.CORSOrigins,
		Health:         handlers.NewHealthHandler(checks),
		Systems:        handlers.NewSystemsHandler(e.Systems),
		Deployments:    handlers.NewDeploymentsHandler(e.Deployments),
		Versions:       handlers.NewVersionsHandler(e.Versions, e.Policies),
		Resources:      handlers.NewResourcesHandler(e.Resources),
		Policies:       handlers.NewPoliciesHandler(e.Policies),
		Targets:        handlers.NewTargetsHandler(e.Targets),
		Jobs:           handlers.NewJobsHandler(e.Jobs),
	})
	return e
}

// Run drives the controller until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.Controller.Start(ctx)
}
