package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	closed atomic.Bool
}

func (f *fakeConn) Channel() (*amqp.Channel, error) { return nil, amqp.ErrClosed }
func (f *fakeConn) IsClosed() bool                  { return f.closed.Load() }
func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

type countingDialer struct {
	calls atomic.Int32
	fail  int32
	delay time.Duration
}

func (d *countingDialer) dial(string) (Conn, error) {
	n := d.calls.Add(1)
	time.Sleep(d.delay)
	if n <= d.fail {
		return nil, errors.New("connection refused")
	}
	return &fakeConn{}, nil
}

func TestConnection_SingleFlightDial(t *testing.T) {
	d := &countingDialer{delay: 20 * time.Millisecond}
	c := NewConnection("amqp://test", 1, 0, WithDialer(d.dial))

	var wg sync.WaitGroup
	conns := make([]Conn, 10)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := c.Get(context.Background())
			assert.NoError(t, err)
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, d.calls.Load())
	for _, conn := range conns {
		assert.Same(t, conns[0], conn)
	}
}

func TestConnection_RedialsAfterClose(t *testing.T) {
	d := &countingDialer{}
	c := NewConnection("amqp://test", 1, 0, WithDialer(d.dial))

	first, err := c.Get(context.Background())
	require.NoError(t, err)
	again, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, first.Close())
	second, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestConnection_RetriesDial(t *testing.T) {
	d := &countingDialer{fail: 2}
	c := NewConnection("amqp://test", 3, time.Millisecond, WithDialer(d.dial), WithMetrics(NewMetrics(nil)))

	conn, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.EqualValues(t, 3, d.calls.Load())
}

func TestConnection_GivesUpAfterAttempts(t *testing.T) {
	d := &countingDialer{fail: 10}
	c := NewConnection("amqp://test", 2, time.Millisecond, WithDialer(d.dial))

	_, err := c.Get(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestConnection_Close(t *testing.T) {
	d := &countingDialer{}
	c := NewConnection("amqp://test", 1, 0, WithDialer(d.dial))
	conn, err := c.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.True(t, conn.IsClosed())
	_, err = c.Get(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}
