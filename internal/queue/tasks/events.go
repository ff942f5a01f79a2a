package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/metrics"
	appErr "github.com/releaseplane/engine/pkg/errors"
	"github.com/releaseplane/engine/pkg/logger"
)

// TypeEvent is the asynq task type carrying one change event.
const TypeEvent = "engine:event"

// QueueEvents is the asynq queue events are enqueued on.
const QueueEvents = "events"

// Enqueuer is the part of *asynq.Client the publisher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Publisher publishes change events as asynq tasks so any worker process
// can reconcile them.
type Publisher struct {
	client   Enqueuer
	maxRetry int
}

var _ events.Publisher = (*Publisher)(nil)

func NewPublisher(client Enqueuer) *Publisher {
	return &Publisher{client: client, maxRetry: 5}
}

func (p *Publisher) Publish(ctx context.Context, evt events.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "marshal event")
	}
	task := asynq.NewTask(TypeEvent, payload)
	_, err = p.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueEvents),
		asynq.MaxRetry(p.maxRetry),
		asynq.TaskID(evt.ID.String()),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		logger.L().Error("enqueue event failed", zap.String("type", string(evt.Type)), zap.Error(err))
		return appErr.Wrap(err, appErr.CodeUnavailable, "enqueue event")
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(evt.Type)).Inc()
	return nil
}

// EventTaskHandler decodes event tasks and hands them to the reconciler.
type EventTaskHandler struct {
	handler events.Handler
}

func NewEventTaskHandler(h events.Handler) *EventTaskHandler {
	return &EventTaskHandler{handler: h}
}

func (h *EventTaskHandler) HandleEvent(ctx context.Context, t *asynq.Task) error {
	var evt events.Event
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		logger.L().Error("invalid event task payload", zap.Error(err))
		return fmt.Errorf("decode event: %v: %w", err, asynq.SkipRetry)
	}
	if evt.Type == "" {
		logger.L().Error("event task without type", zap.String("event_id", evt.ID.String()))
		return fmt.Errorf("event %s has no type: %w", evt.ID, asynq.SkipRetry)
	}

	logger.L().Debug("handling event",
		zap.String("type", string(evt.Type)),
		zap.String("entity_id", evt.EntityID.String()))

	if err := h.handler.Handle(ctx, evt); err != nil {
		logger.L().Error("event handling failed",
			zap.String("type", string(evt.Type)),
			zap.String("entity_id", evt.EntityID.String()),
			zap.Error(err))
		return err
	}
	return nil
}

// Register wires the handler into an asynq mux.
func (h *EventTaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeEvent, h.HandleEvent)
}
