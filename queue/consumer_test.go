package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rail-ingest/ingest"
)

type settled struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu  sync.Mutex
	got []settled
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, settled{tag: tag, ack: true})
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, settled{tag: tag, requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) settled() []settled {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]settled(nil), f.got...)
}

func (f *fakeAcknowledger) byTag(tag uint64) (settled, bool) {
	for _, s := range f.settled() {
		if s.tag == tag {
			return s, true
		}
	}
	return settled{}, false
}

type handlerFunc func(ctx context.Context, msg *ingest.WagonUpdateMessage) ingest.Result

func (f handlerFunc) ProcessUpdate(ctx context.Context, msg *ingest.WagonUpdateMessage) ingest.Result {
	return f(ctx, msg)
}

const validBody = `{"wagon":"52345678","load_flag":1,"weight":100,"train_index_raw":"7478-035-6980","date":"2024-03-01T12:00:00Z","source":"test","eventId":"%s"}`

func delivery(ack amqp.Acknowledger, tag uint64, body string, redelivered bool) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body), Redelivered: redelivered}
}

func TestDecide(t *testing.T) {
	success := ingest.Result{Success: true}
	duplicate := ingest.Result{Success: true, Duplicate: true}
	retryable := ingest.Result{ShouldRetry: true}
	terminal := ingest.Result{}

	tests := []struct {
		name        string
		result      ingest.Result
		redelivered bool
		want        Action
	}{
		{"success", success, false, ActionAck},
		{"success redelivered", success, true, ActionAck},
		{"duplicate", duplicate, true, ActionAck},
		{"terminal", terminal, false, ActionDeadLetter},
		{"terminal redelivered", terminal, true, ActionDeadLetter},
		{"retryable first time", retryable, false, ActionRequeue},
		{"retryable redelivered", retryable, true, ActionDeadLetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.result, tt.redelivered))
		})
	}
}

func newTestConsumer(h Handler, prefetch int) *Consumer {
	return NewConsumer(nil, Topology{Queue: "q"}, h, ConsumerConfig{Prefetch: prefetch}, NewMetrics(nil))
}

func TestHandle(t *testing.T) {
	retry := handlerFunc(func(context.Context, *ingest.WagonUpdateMessage) ingest.Result {
		return ingest.Result{ShouldRetry: true, ErrorMessage: "db down"}
	})
	boom := handlerFunc(func(context.Context, *ingest.WagonUpdateMessage) ingest.Result {
		panic("boom")
	})
	ok := handlerFunc(func(_ context.Context, msg *ingest.WagonUpdateMessage) ingest.Result {
		return ingest.Result{Success: true, EventID: msg.EventID}
	})

	tests := []struct {
		name        string
		handler     Handler
		body        string
		redelivered bool
		want        Action
	}{
		{"ok", ok, `{"eventId":"e1"}`, false, ActionAck},
		{"undecodable", ok, `not json`, false, ActionDeadLetter},
		{"wrong types", ok, `{"load_flag":"x"}`, false, ActionDeadLetter},
		{"retry first", retry, `{"eventId":"e1"}`, false, ActionRequeue},
		{"retry second", retry, `{"eventId":"e1"}`, true, ActionDeadLetter},
		{"panic first", boom, `{"eventId":"e1"}`, false, ActionRequeue},
		{"panic second", boom, `{"eventId":"e1"}`, true, ActionDeadLetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConsumer(tt.handler, 1)
			got := c.handle(context.Background(), delivery(nil, 1, tt.body, tt.redelivered))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServe_SettlesEveryDeliveryUntilChannelCloses(t *testing.T) {
	ack := &fakeAcknowledger{}
	h := handlerFunc(func(_ context.Context, msg *ingest.WagonUpdateMessage) ingest.Result {
		switch msg.EventID {
		case "bad":
			return ingest.Result{ErrorMessage: "invalid train index"}
		case "flaky":
			return ingest.Result{ShouldRetry: true}
		}
		return ingest.Result{Success: true}
	})
	c := newTestConsumer(h, 3)

	deliveries := make(chan amqp.Delivery, 4)
	deliveries <- delivery(ack, 1, `{"eventId":"good"}`, false)
	deliveries <- delivery(ack, 2, `{"eventId":"bad"}`, false)
	deliveries <- delivery(ack, 3, `{"eventId":"flaky"}`, false)
	deliveries <- delivery(ack, 4, `{"eventId":"flaky"}`, true)
	close(deliveries)

	err := c.serve(context.Background(), deliveries, func() error { return nil })
	require.True(t, errors.Is(err, errSessionLost))
	assert.True(t, isRecoverable(err))

	require.Len(t, ack.settled(), 4)
	s, _ := ack.byTag(1)
	assert.Equal(t, settled{tag: 1, ack: true}, s)
	s, _ = ack.byTag(2)
	assert.Equal(t, settled{tag: 2}, s)
	s, _ = ack.byTag(3)
	assert.Equal(t, settled{tag: 3, requeue: true}, s)
	s, _ = ack.byTag(4)
	assert.Equal(t, settled{tag: 4}, s)
}

func TestServe_CancelWaitsForInFlight(t *testing.T) {
	ack := &fakeAcknowledger{}
	started := make(chan struct{})
	release := make(chan struct{})
	h := handlerFunc(func(ctx context.Context, _ *ingest.WagonUpdateMessage) ingest.Result {
		close(started)
		<-release
		// shutdown must not cancel in-flight work
		if ctx.Err() != nil {
			return ingest.Result{ShouldRetry: true}
		}
		return ingest.Result{Success: true}
	})
	c := newTestConsumer(h, 2)

	ctx, cancel := context.WithCancel(context.Background())
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- delivery(ack, 7, `{"eventId":"slow"}`, false)

	var cancelled bool
	done := make(chan error, 1)
	go func() {
		done <- c.serve(ctx, deliveries, func() error {
			cancelled = true
			return nil
		})
	}()

	<-started
	cancel()
	select {
	case <-done:
		t.Fatal("serve returned before the in-flight delivery was settled")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve did not return after the in-flight delivery finished")
	}
	assert.True(t, cancelled)
	assert.Equal(t, []settled{{tag: 7, ack: true}}, ack.settled())
}

func TestServe_PrefetchBoundsConcurrency(t *testing.T) {
	ack := &fakeAcknowledger{}
	var mu sync.Mutex
	var current, peak int
	h := handlerFunc(func(context.Context, *ingest.WagonUpdateMessage) ingest.Result {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return ingest.Result{Success: true}
	})
	c := newTestConsumer(h, 2)

	deliveries := make(chan amqp.Delivery, 10)
	for i := 0; i < 10; i++ {
		deliveries <- delivery(ack, uint64(i+1), `{"eventId":"e"}`, false)
	}
	close(deliveries)
	_ = c.serve(context.Background(), deliveries, func() error { return nil })

	assert.Len(t, ack.settled(), 10)
	assert.LessOrEqual(t, peak, 2)
}

func TestIsRecoverable(t *testing.T) {
	assert.False(t, isRecoverable(nil))
	assert.True(t, isRecoverable(errors.Wrap(amqp.ErrClosed, "open channel")))
	assert.True(t, isRecoverable(&amqp.Error{Code: amqp.ConnectionForced, Recover: true}))
	assert.False(t, isRecoverable(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg"}))
	assert.False(t, isRecoverable(errors.New("boom")))
	assert.False(t, isRecoverable(ErrConnectionClosed))
}

func TestRun_ReturnsWhenConnectionClosed(t *testing.T) {
	conn := NewConnection("amqp://unused", 1, 0)
	require.NoError(t, conn.Close())
	c := NewConsumer(conn, Topology{Queue: "q"}, nil, ConsumerConfig{ReconnectBackoff: time.Millisecond}, nil)
	err := c.Run(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}
