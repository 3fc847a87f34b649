package queue

import (
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"rail-ingest/config"
)

// Declarer is the subset of *amqp.Channel needed to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology is a direct exchange feeding the work queue, plus a dead-letter
// exchange and queue that receive whatever the work queue rejects. Queues
// are bound with their own name as routing key.
type Topology struct {
	Exchange           string
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
	Durable            bool
}

func TopologyFromConfig(c config.RabbitMQConfig) Topology {
	return Topology{
		Exchange:           c.Exchange,
		Queue:              c.Queue,
		DeadLetterExchange: c.DeadLetterExchange,
		DeadLetterQueue:    c.DeadLetterQueue,
		Durable:            c.IsDurable(),
	}
}

// Declare is idempotent as long as the broker-side definitions match.
func (t Topology) Declare(ch Declarer) error {
	for _, ex := range []string{t.Exchange, t.DeadLetterExchange} {
		if err := ch.ExchangeDeclare(ex, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "declare exchange %s", ex)
		}
	}

	_, err := ch.QueueDeclare(t.Queue, t.Durable, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.DeadLetterQueue,
	})
	if err != nil {
		return errors.Wrapf(err, "declare queue %s", t.Queue)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, t.Durable, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare queue %s", t.DeadLetterQueue)
	}

	if err := ch.QueueBind(t.Queue, t.Queue, t.Exchange, false, nil); err != nil {
		return errors.Wrapf(err, "bind queue %s", t.Queue)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, t.DeadLetterQueue, t.DeadLetterExchange, false, nil); err != nil {
		return errors.Wrapf(err, "bind queue %s", t.DeadLetterQueue)
	}
	return nil
}
