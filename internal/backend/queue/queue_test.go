package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/verdex-cloud/verdex/internal/backend"
)

type mockPublisher struct {
	published []amqp.Publishing
	err       error
}

func (m *mockPublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, msg)
	return nil
}

type mockDelegate struct {
	mock.Mock
}

func (m *mockDelegate) Trigger(ctx context.Context, req *backend.TriggerRequest) (*backend.JobHandle, error) {
	args := m.Called(req)
	if h := args.Get(0); h != nil {
		return h.(*backend.JobHandle), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDelegate) Status(ctx context.Context, handle *backend.JobHandle) (backend.Status, error) {
	args := m.Called(handle)
	return args.Get(0).(backend.Status), args.Error(1)
}

type mockMarker struct {
	mock.Mock
}

func (m *mockMarker) MarkRunning(_ context.Context, runID uuid.UUID, handle string) (bool, error) {
	args := m.Called(runID, handle)
	return args.Bool(0), args.Error(1)
}

func (m *mockMarker) FailDispatch(_ context.Context, runID uuid.UUID) error {
	return m.Called(runID).Error(0)
}

func testMessage(runID uuid.UUID) *DispatchMessage {
	return &DispatchMessage{
		RunID:            runID,
		InputURI:         "s3://verdex/input.json",
		CallbackURL:      "https://verdex.example.com/v1/callbacks",
		CallbackToken:    "token",
		Image:            "validator:1.0.0",
		TimeoutSeconds:   3600,
		DispatchDeadline: time.Now().UTC().Add(10 * time.Minute),
	}
}

func TestTriggerPublishes(t *testing.T) {
	var (
		pub   = &mockPublisher{}
		runID = uuid.New()
		b     = &queueBackend{channel: pub, queue: "verdex.dispatch", dispatchDeadline: 10 * time.Minute}
	)

	handle, err := b.Trigger(context.Background(), &backend.TriggerRequest{
		RunID:         runID,
		InputURI:      "s3://verdex/input.json",
		CallbackURL:   "https://verdex.example.com/v1/callbacks",
		CallbackToken: "token",
		Image:         "validator:1.0.0",
		Timeout:       time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "queue", handle.Kind)
	assert.Equal(t, runID.String(), handle.ID)

	require.Len(t, pub.published, 1)
	published := pub.published[0]
	assert.Equal(t, uint8(amqp.Persistent), published.DeliveryMode)
	assert.Equal(t, "application/json", published.ContentType)
	assert.Equal(t, runID.String(), published.MessageId)

	var msg DispatchMessage
	require.NoError(t, json.Unmarshal(published.Body, &msg))
	assert.Equal(t, runID, msg.RunID)
	assert.Equal(t, int64(3600), msg.TimeoutSeconds)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), msg.DispatchDeadline, time.Minute)

	status, err := b.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusPending, status)
}

func TestTriggerPublishFailure(t *testing.T) {
	b := &queueBackend{
		channel: &mockPublisher{err: errors.New("broker gone")},
		queue:   "verdex.dispatch",
	}

	_, err := b.Trigger(context.Background(), &backend.TriggerRequest{RunID: uuid.New()})
	assert.Error(t, err)
}

func newTestConsumer(delegate backend.Backend, runs RunMarker) *Consumer {
	return &Consumer{
		queue:       "verdex.dispatch",
		delegate:    delegate,
		runs:        runs,
		maxAttempts: 3,
		baseDelay:   time.Millisecond,
	}
}

func TestConsumerDispatchRetries(t *testing.T) {
	var (
		delegate = new(mockDelegate)
		runs     = new(mockMarker)
		runID    = uuid.New()
		handle   = &backend.JobHandle{Kind: "docker", ID: "abc123"}
	)

	delegate.On("Trigger", mock.Anything).Return(nil, errors.New("daemon busy")).Once()
	delegate.On("Trigger", mock.Anything).Return(handle, nil).Once()
	runs.On("MarkRunning", runID, "docker:abc123").Return(true, nil).Once()

	c := newTestConsumer(delegate, runs)
	err := c.dispatch(context.Background(), testMessage(runID))
	require.NoError(t, err)

	delegate.AssertNumberOfCalls(t, "Trigger", 2)
	runs.AssertExpectations(t)
}

func TestConsumerWaitsForDispatchRecord(t *testing.T) {
	var (
		delegate = new(mockDelegate)
		runs     = new(mockMarker)
		runID    = uuid.New()
		handle   = &backend.JobHandle{Kind: "docker", ID: "abc123"}
	)

	// the trigger can land before the dispatcher records
	// DISPATCHED; the consumer keeps retrying until the
	// record, and its deadline, are in place
	delegate.On("Trigger", mock.Anything).Return(handle, nil).Once()
	runs.On("MarkRunning", runID, "docker:abc123").Return(false, nil).Twice()
	runs.On("MarkRunning", runID, "docker:abc123").Return(true, nil).Once()

	c := newTestConsumer(delegate, runs)
	err := c.dispatch(context.Background(), testMessage(runID))
	require.NoError(t, err)

	runs.AssertNumberOfCalls(t, "MarkRunning", 3)
}

func TestConsumerGivesUpMarkingTerminalRun(t *testing.T) {
	var (
		delegate = new(mockDelegate)
		runs     = new(mockMarker)
		runID    = uuid.New()
		handle   = &backend.JobHandle{Kind: "docker", ID: "abc123"}
	)

	delegate.On("Trigger", mock.Anything).Return(handle, nil).Once()
	runs.On("MarkRunning", runID, "docker:abc123").Return(false, nil)

	// a run the callback already finished is not a dispatch
	// failure
	c := newTestConsumer(delegate, runs)
	err := c.dispatch(context.Background(), testMessage(runID))
	require.NoError(t, err)

	runs.AssertNumberOfCalls(t, "MarkRunning", markAttempts)
	runs.AssertNotCalled(t, "FailDispatch", mock.Anything)
}

func TestConsumerDispatchExhausted(t *testing.T) {
	var (
		delegate = new(mockDelegate)
		runs     = new(mockMarker)
		runID    = uuid.New()
	)

	delegate.On("Trigger", mock.Anything).Return(nil, errors.New("daemon gone"))

	c := newTestConsumer(delegate, runs)
	err := c.dispatch(context.Background(), testMessage(runID))
	assert.Error(t, err)
	delegate.AssertNumberOfCalls(t, "Trigger", 3)
}

func TestConsumerDispatchDeadlineExpired(t *testing.T) {
	var (
		delegate = new(mockDelegate)
		runs     = new(mockMarker)
		msg      = testMessage(uuid.New())
	)

	msg.DispatchDeadline = time.Now().UTC().Add(-time.Minute)

	c := newTestConsumer(delegate, runs)
	err := c.dispatch(context.Background(), msg)
	assert.Error(t, err)
	delegate.AssertNotCalled(t, "Trigger", mock.Anything)
}

func TestConsumerHandleFailureRecordsDispatchFailed(t *testing.T) {
	var (
		delegate = new(mockDelegate)
		runs     = new(mockMarker)
		runID    = uuid.New()
	)

	delegate.On("Trigger", mock.Anything).Return(nil, errors.New("daemon gone"))
	runs.On("FailDispatch", runID).Return(nil).Once()

	body, err := json.Marshal(testMessage(runID))
	require.NoError(t, err)

	c := newTestConsumer(delegate, runs)
	c.handle(context.Background(), amqp.Delivery{Body: body})

	runs.AssertExpectations(t)
}

func TestConsumerHandleMalformed(t *testing.T) {
	var (
		delegate = new(mockDelegate)
		runs     = new(mockMarker)
	)

	c := newTestConsumer(delegate, runs)
	c.handle(context.Background(), amqp.Delivery{Body: []byte("not json")})

	delegate.AssertNotCalled(t, "Trigger", mock.Anything)
	runs.AssertNotCalled(t, "FailDispatch", mock.Anything)
}
