package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"rail-ingest/ingest"
)

// Publisher sends wagon updates to the work exchange with publisher
// confirms. Safe for concurrent use.
type Publisher struct {
	conn     *Connection
	topology Topology
	metrics  *Metrics

	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(conn *Connection, topology Topology, metrics *Metrics) *Publisher {
	return &Publisher{conn: conn, topology: topology, metrics: metrics}
}

func newPublishing(msg *ingest.WagonUpdateMessage, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, errors.Wrap(err, "encode wagon update")
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now.UTC(),
		Body:         body,
	}, nil
}

func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	conn, err := p.conn.Get(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := p.topology.Declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "enable publisher confirms")
	}
	p.ch = ch
	return ch, nil
}

// Publish sends msg and waits for the broker to confirm it.
func (p *Publisher) Publish(ctx context.Context, msg *ingest.WagonUpdateMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	pub, err := newPublishing(msg, time.Now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.topology.Exchange, p.topology.Queue, false, false, pub)
	if err != nil {
		return errors.Wrap(err, "publish wagon update")
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return errors.Wrap(err, "wait for publish confirm")
	}
	if !acked {
		return errors.Errorf("broker rejected message %s", pub.MessageId)
	}
	p.metrics.RecordPublished()
	log.WithFields(log.Fields{"eventId": msg.EventID, "messageId": pub.MessageId}).Debug("published wagon update")
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}
