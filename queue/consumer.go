package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"rail-ingest/ingest"
)

// Action is how a delivery is settled.
type Action int

const (
	ActionAck Action = iota
	ActionRequeue
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRequeue:
		return "requeue"
	case ActionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Decide maps a pipeline result onto a settle action. A retryable failure
// gets exactly one requeue; on redelivery it is dead-lettered.
func Decide(r ingest.Result, redelivered bool) Action {
	switch {
	case r.Success:
		return ActionAck
	case r.ShouldRetry:
		return retryOnce(redelivered)
	}
	return ActionDeadLetter
}

func retryOnce(redelivered bool) Action {
	if redelivered {
		return ActionDeadLetter
	}
	return ActionRequeue
}

// Handler applies one decoded message.
type Handler interface {
	ProcessUpdate(ctx context.Context, msg *ingest.WagonUpdateMessage) ingest.Result
}

// errSessionLost means the broker went away and the session can be retried
// on a fresh connection.
var errSessionLost = errors.New("rabbitmq session lost")

type ConsumerConfig struct {
	Queue            string
	ConsumerTag      string
	Prefetch         int
	ReconnectBackoff time.Duration
}

// Consumer feeds deliveries from the work queue through a Handler, with at
// most Prefetch messages unacknowledged at any time.
type Consumer struct {
	conn     *Connection
	topology Topology
	handler  Handler
	cfg      ConsumerConfig
	metrics  *Metrics
}

func NewConsumer(conn *Connection, topology Topology, handler Handler, cfg ConsumerConfig, metrics *Metrics) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.Queue == "" {
		cfg.Queue = topology.Queue
	}
	return &Consumer{conn: conn, topology: topology, handler: handler, cfg: cfg, metrics: metrics}
}

// Run consumes until ctx is cancelled, reconnecting whenever the broker
// connection or channel drops. Any other failure is returned.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !isRecoverable(err) {
			return err
		}
		c.metrics.RecordReconnect()
		log.WithError(err).Warnf("rabbitmq consumer session ended; reconnecting in %s", c.cfg.ReconnectBackoff)
		if err := sleepWithContext(ctx, c.cfg.ReconnectBackoff); err != nil {
			return nil
		}
	}
}

func isRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errSessionLost) || errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover
	}
	return false
}

func (c *Consumer) session(ctx context.Context) error {
	conn, err := c.conn.Get(ctx)
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return err
		}
		return errors.Wrap(errSessionLost, err.Error())
	}
	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer func() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.WithError(err).Warn("failed to close rabbitmq channel")
		}
	}()

	if err := c.topology.Declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return errors.Wrap(err, "set prefetch")
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume %s", c.cfg.Queue)
	}
	log.WithFields(log.Fields{"queue": c.cfg.Queue, "prefetch": c.cfg.Prefetch}).Info("consuming wagon updates")

	return c.serve(ctx, deliveries, func() error {
		return ch.Cancel(c.cfg.ConsumerTag, false)
	})
}

// serve dispatches deliveries to Prefetch workers until ctx is cancelled or
// the delivery channel closes. On cancellation it stops the broker feed and
// waits for in-flight messages to be settled before returning.
func (c *Consumer) serve(ctx context.Context, deliveries <-chan amqp.Delivery, cancel func() error) error {
	// in-flight work must finish even after shutdown starts
	workCtx := context.WithoutCancel(ctx)
	work := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range work {
				c.metrics.InFlight(1)
				c.settle(d, c.handle(workCtx, d))
				c.metrics.InFlight(-1)
			}
		}()
	}
	defer func() {
		close(work)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := cancel(); err != nil {
				log.WithError(err).Warn("failed to cancel rabbitmq consumer")
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errSessionLost
			}
			select {
			case work <- d:
			case <-ctx.Done():
				// never reached a worker; hand it back
				c.settle(d, ActionRequeue)
			}
		}
	}
}

// handle never panics; a panicking handler is treated like a retryable failure.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) (action Action) {
	logger := log.WithFields(log.Fields{"deliveryTag": d.DeliveryTag, "redelivered": d.Redelivered})
	defer func() {
		if p := recover(); p != nil {
			action = retryOnce(d.Redelivered)
			logger.WithError(fmt.Errorf("panic: %v", p)).Errorf("unexpected failure processing delivery; %s", action)
		}
	}()

	msg, err := ingest.DecodeMessage(d.Body)
	if err != nil {
		logger.WithError(err).Error("undecodable message; dead-lettering")
		return ActionDeadLetter
	}
	logger = logger.WithField("eventId", msg.EventID)

	r := c.handler.ProcessUpdate(ctx, msg)
	action = Decide(r, d.Redelivered)
	switch action {
	case ActionAck:
		logger.Debug("wagon update acknowledged")
	case ActionRequeue:
		logger.Warnf("wagon update failed, requeueing: %s", r.ErrorMessage)
	case ActionDeadLetter:
		logger.Errorf("wagon update dead-lettered: %s", r.ErrorMessage)
	}
	return action
}

func (c *Consumer) settle(d amqp.Delivery, a Action) {
	var err error
	switch a {
	case ActionAck:
		err = d.Ack(false)
	case ActionRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	c.metrics.RecordDelivery(a)
	if err != nil {
		c.metrics.RecordSettleError()
		log.WithError(err).WithField("deliveryTag", d.DeliveryTag).Warnf("failed to %s delivery", a)
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
