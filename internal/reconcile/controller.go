// Package reconcile turns change events into release target work. Events
// update target membership through the registry, then every affected target
// is queued and evaluated by a pool of workers.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"

	"github.com/releaseplane/engine/internal/dispatch"
	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/lock"
	"github.com/releaseplane/engine/internal/metrics"
	"github.com/releaseplane/engine/internal/policy"
	"github.com/releaseplane/engine/internal/registry"
	"github.com/releaseplane/engine/internal/repository"
	"github.com/releaseplane/engine/pkg/logger"
)

// Config tunes the worker pool and its queue.
type Config struct {
	Workers        int
	MaxRetries     int
	ResyncInterval time.Duration
	MinRetryDelay  time.Duration
	MaxRetryDelay  time.Duration
	RateLimit      float64
	BurstLimit     int
	// Inline evaluates targets on the goroutine handling the event instead
	// of queueing them. Delayed re-evaluation is left to resyncs.
	Inline bool
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MinRetryDelay <= 0 {
		c.MinRetryDelay = 200 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 50
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = 200
	}
}

// Controller consumes events and keeps every release target converged.
type Controller struct {
	store    repository.Store
	registry *registry.Registry
	eval     *policy.Evaluator
	dispatch *dispatch.Dispatcher
	mutex    lock.Mutex
	cfg      Config
	now      func() time.Time
	log      *zap.Logger

	queue workqueue.TypedRateLimitingInterface[uuid.UUID]
}

var _ events.Handler = (*Controller)(nil)

// New returns a controller. A nil mutex serializes targets in process only.
func New(store repository.Store, reg *registry.Registry, eval *policy.Evaluator, disp *dispatch.Dispatcher, mu lock.Mutex, cfg Config) *Controller {
	cfg.defaults()
	if mu == nil {
		mu = lock.NewLocalMutex()
	}
	c := &Controller{
		store:    store,
		registry: reg,
		eval:     eval,
		dispatch: disp,
		mutex:    mu,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.Named("reconcile"),
	}
	c.queue = workqueue.NewTypedRateLimitingQueueWithConfig(workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[uuid.UUID](cfg.MinRetryDelay, cfg.MaxRetryDelay),
		&workqueue.TypedBucketRateLimiter[uuid.UUID]{Limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.BurstLimit)},
	), workqueue.TypedRateLimitingQueueConfig[uuid.UUID]{Name: "release-targets"})
	return c
}

// WithClock replaces the clock used to turn retry times into delays.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Start runs the workers and the periodic resync until ctx is done, then
// drains the queue.
func (c *Controller) Start(ctx context.Context) error {
	c.log.Info("starting reconciler", zap.Int("workers", c.cfg.Workers))
	defer c.log.Info("reconciler stopped")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			wait.UntilWithContext(ctx, c.worker, time.Second)
			return nil
		})
	}
	if c.cfg.ResyncInterval > 0 {
		g.Go(func() error {
			wait.UntilWithContext(ctx, func(ctx context.Context) {
				if err := c.Resync(ctx); err != nil && ctx.Err() == nil {
					c.log.Error("resync failed", zap.Error(err))
				}
			}, c.cfg.ResyncInterval)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		c.queue.ShutDownWithDrain()
		return nil
	})
	return g.Wait()
}

// Len reports the number of queued targets.
func (c *Controller) Len() int {
	return c.queue.Len()
}

// Resync recomputes target membership everywhere, then queues every active
// target. It repairs whatever lost events left behind.
func (c *Controller) Resync(ctx context.Context) error {
	if err := observe("resync", func() error {
		_, err := c.registry.ReconcileAll(ctx)
		return err
	}); err != nil {
		return err
	}
	targets, err := c.store.ReleaseTargets().List(ctx)
	if err != nil {
		return err
	}
	for i := range targets {
		c.enqueue(ctx, targets[i].ID)
	}
	return nil
}

func (c *Controller) worker(ctx context.Context) {
	for c.processNextWorkItem(ctx) {
	}
}

func (c *Controller) processNextWorkItem(ctx context.Context) bool {
	id, shutdown := c.queue.Get()
	if shutdown {
		return false
	}
	defer c.queue.Done(id)

	after, err := c.Sync(ctx, id)
	if err == nil {
		c.queue.Forget(id)
		if after > 0 {
			c.queue.AddAfter(id, after)
		}
		return true
	}

	if c.queue.NumRequeues(id) < c.cfg.MaxRetries {
		c.log.Warn("release target sync failed, requeuing",
			zap.String("release_target_id", id.String()), zap.Error(err))
		c.queue.AddRateLimited(id)
	} else {
		c.log.Error("dropping release target after max retries",
			zap.String("release_target_id", id.String()), zap.Error(err))
		c.queue.Forget(id)
	}
	return true
}

func (c *Controller) enqueue(ctx context.Context, ids ...uuid.UUID) {
	for _, id := range ids {
		if !c.cfg.Inline {
			c.queue.Add(id)
			continue
		}
		if _, err := c.Sync(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("release target sync failed",
				zap.String("release_target_id", id.String()), zap.Error(err))
		}
	}
}

// observe wraps one membership reconciliation with metrics.
func observe(kind string, fn func() error) error {
	started := time.Now()
	err := fn()
	metrics.ObserveReconcile(kind, started, err)
	return err
}

func metricsObserveTarget(started time.Time, err error) {
	metrics.ObserveReconcile("target", started, err)
}
