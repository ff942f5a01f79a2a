package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/releaseplane/engine/internal/events"
	appErr "github.com/releaseplane/engine/pkg/errors"
	"github.com/releaseplane/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	_, err := logger.Init("info", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task, opts)
	if v := args.Get(0); v != nil {
		return v.(*asynq.TaskInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, evt events.Event) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

func TestPublisher_Publish(t *testing.T) {
	evt := events.New(events.ResourceCreated, uuid.New())

	enq := &mockEnqueuer{}
	enq.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		var got events.Event
		if task.Type() != TypeEvent || json.Unmarshal(task.Payload(), &got) != nil {
			return false
		}
		return got.ID == evt.ID && got.Type == events.ResourceCreated
	}), mock.Anything).Return(&asynq.TaskInfo{ID: evt.ID.String()}, nil).Once()

	require.NoError(t, NewPublisher(enq).Publish(context.Background(), evt))
	enq.AssertExpectations(t)
}

func TestPublisher_DuplicateIsIgnored(t *testing.T) {
	enq := &mockEnqueuer{}
	enq.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).Return(nil, asynq.ErrTaskIDConflict).Once()

	err := NewPublisher(enq).Publish(context.Background(), events.New(events.PolicyChanged, uuid.New()))
	assert.NoError(t, err)
	enq.AssertExpectations(t)
}

func TestPublisher_EnqueueError(t *testing.T) {
	enq := &mockEnqueuer{}
	enq.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("redis down")).Once()

	err := NewPublisher(enq).Publish(context.Background(), events.New(events.PolicyChanged, uuid.New()))
	assert.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
}

func TestEventTaskHandler_HandleEvent(t *testing.T) {
	evt := events.New(events.DeploymentUpdated, uuid.New())
	payload, err := json.Marshal(evt)
	require.NoError(t, err)

	h := &mockHandler{}
	h.On("Handle", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.ID == evt.ID && e.EntityID == evt.EntityID
	})).Return(nil).Once()

	handler := NewEventTaskHandler(h)
	require.NoError(t, handler.HandleEvent(context.Background(), asynq.NewTask(TypeEvent, payload)))
	h.AssertExpectations(t)
}

func TestEventTaskHandler_PropagatesErrors(t *testing.T) {
	evt := events.New(events.DeploymentUpdated, uuid.New())
	payload, _ := json.Marshal(evt)

	h := &mockHandler{}
	h.On("Handle", mock.Anything, mock.Anything).Return(errors.New("store unavailable")).Once()

	err := NewEventTaskHandler(h).HandleEvent(context.Background(), asynq.NewTask(TypeEvent, payload))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry), "transient failures are retried")
}

func TestEventTaskHandler_BadPayloadSkipsRetry(t *testing.T) {
	h := &mockHandler{}
	handler := NewEventTaskHandler(h)

	err := handler.HandleEvent(context.Background(), asynq.NewTask(TypeEvent, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = handler.HandleEvent(context.Background(), asynq.NewTask(TypeEvent, []byte(`{"id":"`+uuid.NewString()+`"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	h.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}
