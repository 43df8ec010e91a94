package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/streadway/amqp"

	"github.com/rendis/wajourney/pkg/schema"
)

// Notifier shortens the polling latency of the worker. Notify is a hint:
// the store stays the source of truth and a lost notification only costs
// one poll interval.
type Notifier interface {
	Notify(ctx context.Context, jobType schema.JobType)
	Wake() <-chan struct{}
	Close() error
}

// NopNotifier never wakes the worker; polling alone drives it.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, schema.JobType) {}
func (NopNotifier) Wake() <-chan struct{}                  { return nil }
func (NopNotifier) Close() error                           { return nil }

// ChanNotifier wakes an in-process worker. Notifications coalesce.
type ChanNotifier struct {
	ch chan struct{}
}

func NewChanNotifier() *ChanNotifier {
	return &ChanNotifier{ch: make(chan struct{}, 1)}
}

func (n *ChanNotifier) Notify(context.Context, schema.JobType) {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *ChanNotifier) Wake() <-chan struct{} { return n.ch }
func (n *ChanNotifier) Close() error          { return nil }

type wakeMessage struct {
	Type schema.JobType `json:"type"`
}

// AMQPNotifier fans enqueue notifications out to every worker process
// through a fanout exchange. Each process binds its own exclusive queue.
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	wake     chan struct{}
	logger   *slog.Logger

	pubMu sync.Mutex
	once  sync.Once
}

// NewAMQPNotifier dials url and starts consuming wake-ups from exchange.
func NewAMQPNotifier(url, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open amqp channel")
	}

	n := &AMQPNotifier{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		wake:     make(chan struct{}, 1),
		logger:   logger,
	}
	deliveries, err := n.setup()
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	go n.consume(deliveries)
	return n, nil
}

func (n *AMQPNotifier) setup() (<-chan amqp.Delivery, error) {
	if err := n.ch.ExchangeDeclare(n.exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare exchange %s", n.exchange)
	}
	q, err := n.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, errors.Wrap(err, "declare wake queue")
	}
	if err := n.ch.QueueBind(q.Name, "", n.exchange, false, nil); err != nil {
		return nil, errors.Wrapf(err, "bind %s to %s", q.Name, n.exchange)
	}
	deliveries, err := n.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, errors.Wrap(err, "consume wake queue")
	}
	return deliveries, nil
}

func (n *AMQPNotifier) consume(deliveries <-chan amqp.Delivery) {
	for range deliveries {
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}
	n.logger.Debug("amqp wake consumer stopped")
}

func (n *AMQPNotifier) Notify(_ context.Context, jobType schema.JobType) {
	body, _ := json.Marshal(wakeMessage{Type: jobType})

	n.pubMu.Lock()
	err := n.ch.Publish(n.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	n.pubMu.Unlock()

	if err != nil {
		n.logger.Warn("amqp notify failed",
			slog.String("job_type", string(jobType)),
			slog.String("error", err.Error()),
		)
	}
}

func (n *AMQPNotifier) Wake() <-chan struct{} { return n.wake }

func (n *AMQPNotifier) Close() error {
	var err error
	n.once.Do(func() {
		if cerr := n.ch.Close(); cerr != nil {
			err = cerr
		}
		if cerr := n.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
