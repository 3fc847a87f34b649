// Package queue consumes wagon updates from RabbitMQ and publishes them.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Conn is the part of *amqp.Connection the consumer and publisher use.
type Conn interface {
	Channel() (*amqp.Channel, error)
	IsClosed() bool
	Close() error
}

type DialFunc func(url string) (Conn, error)

func dialAMQP(url string) (Conn, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "rail-ingest",
		},
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connection owns the process's broker connection. It dials lazily, at most
// once at a time, and redials after the connection drops.
type Connection struct {
	url      string
	attempts uint
	backoff  time.Duration
	dial     DialFunc
	metrics  *Metrics

	group singleflight.Group

	mu     sync.Mutex
	conn   Conn
	closed bool
}

type ConnectionOption func(*Connection)

// WithDialer replaces the network dialer.
func WithDialer(dial DialFunc) ConnectionOption {
	return func(c *Connection) { c.dial = dial }
}

func WithMetrics(m *Metrics) ConnectionOption {
	return func(c *Connection) { c.metrics = m }
}

func NewConnection(url string, attempts uint, backoff time.Duration, opts ...ConnectionOption) *Connection {
	if attempts == 0 {
		attempts = 1
	}
	c := &Connection{url: url, attempts: attempts, backoff: backoff, dial: dialAMQP}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var ErrConnectionClosed = errors.New("rabbitmq connection closed")

func (c *Connection) current() (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	return nil, nil
}

// Get returns an open connection, dialing if there is none. Concurrent
// callers share a single dial.
func (c *Connection) Get(ctx context.Context) (Conn, error) {
	if conn, err := c.current(); conn != nil || err != nil {
		return conn, err
	}
	v, err, _ := c.group.Do("dial", func() (any, error) {
		if conn, err := c.current(); conn != nil || err != nil {
			return conn, err
		}
		conn, err := c.connect(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			_ = conn.Close()
			return nil, ErrConnectionClosed
		}
		c.conn = conn
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

func (c *Connection) connect(ctx context.Context) (Conn, error) {
	var conn Conn
	err := retry.Do(
		func() error {
			var err error
			conn, err = c.dial(c.url)
			return err
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.metrics.RecordConnectionError()
			log.WithError(err).Warnf("rabbitmq dial attempt %d failed", n+1)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}
	log.Info("connected to rabbitmq")
	return conn, nil
}

// Close closes the current connection; later Get calls fail.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
