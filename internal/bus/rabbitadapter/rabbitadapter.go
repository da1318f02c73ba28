// Package rabbitadapter implements the bus.Adapter contract on top of
// RabbitMQ, grounded on asya-gateway's internal/queue/rabbitmq.go: a single
// durable topic exchange, per-(group,agent) durable queues bound by routing
// key, manual ack.
//
// RabbitMQ has no native FIFO-session primitive (spec.md §4.1's "ordered
// within sessionKey" requirement), so session ordering here is enforced the
// way a single-consumer-per-queue topology naturally gives it: publishes to
// the same routing key land in the same queue, and Subscribe uses exactly
// one consumer goroutine per queue, so deliveries for a given (group,
// toAgent) pair — and therefore for a given correlation id, since all of a
// correlation id's envelopes share group+toAgent in one direction — come out
// in publish order.
package rabbitadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/asya/a2a-proxy/internal/bus"
)

// Config holds RabbitMQ connection settings (see internal/config).
type Config struct {
	URL      string
	Exchange string
}

// Adapter is the RabbitMQ-backed bus.Adapter.
type Adapter struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	dlx      string
	mu       sync.Mutex
}

// New dials RabbitMQ and declares the shared topic exchange plus its
// companion dead-letter exchange (spec.md §4.1/§6/§7: DeadLetter must
// actually move the envelope somewhere inspectable, not just discard it).
func New(cfg Config) (*Adapter, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitadapter: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitadapter: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitadapter: declare exchange: %w", err)
	}

	dlx := cfg.Exchange + ".deadletter"
	if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitadapter: declare deadletter exchange: %w", err)
	}

	return &Adapter{conn: conn, ch: ch, exchange: cfg.Exchange, dlx: dlx}, nil
}

func queueName(group, agent string) string {
	return fmt.Sprintf("a2a.%s.%s", group, agent)
}

// deadletterQueueName is the per-group queue every primary queue in that
// group dead-letters into, bound to the adapter's dead-letter exchange by
// group name as routing key.
func deadletterQueueName(group string) string {
	return fmt.Sprintf("a2a.%s.deadletter", group)
}

// EnsureTopology declares (or verifies) the per-group dead-letter queue and
// one durable probe queue per group; the probe queue is not bound to the
// exchange. RabbitMQ's QueueDeclare is idempotent and returns a
// PRECONDITION_FAILED error on property mismatch, which this adapter
// reports as AlreadyExistsDivergent (with the error attached); any other
// declare failure is reported as Failed.
func (a *Adapter) EnsureTopology(ctx context.Context, groups []string) ([]bus.Topology, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	reports := make([]bus.Topology, 0, len(groups))
	for _, g := range groups {
		if err := a.ensureDeadletterQueue(g); err != nil {
			reports = append(reports, bus.Topology{Group: g, Status: bus.Failed, Err: wrapTopologyErr(err)})
			if rerr := a.recoverChannel(); rerr != nil {
				return reports, rerr
			}
			continue
		}

		_, err := a.ch.QueueDeclare(queueName(g, "_topology_probe"), true, false, false, false, nil)
		if err != nil {
			var amqpErr *amqp.Error
			if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
				reports = append(reports, bus.Topology{Group: g, Status: bus.AlreadyExistsDivergent, Err: fmt.Errorf("rabbitadapter: probe queue for group %q exists with different properties: %w", g, err)})
			} else {
				reports = append(reports, bus.Topology{Group: g, Status: bus.Failed, Err: wrapTopologyErr(fmt.Errorf("rabbitadapter: declare probe queue for group %q: %w", g, err))})
			}
			// A failed declare can leave the channel in an error state;
			// recover a fresh channel before continuing.
			if rerr := a.recoverChannel(); rerr != nil {
				return reports, rerr
			}
			continue
		}
		reports = append(reports, bus.Topology{Group: g, Status: bus.Created})
	}
	return reports, nil
}

// ensureDeadletterQueue declares the per-group dead-letter queue and binds
// it to the adapter's dead-letter exchange under the group's routing key,
// so any primary queue in that group can dead-letter into it by setting
// x-dead-letter-exchange/x-dead-letter-routing-key at declare time.
func (a *Adapter) ensureDeadletterQueue(group string) error {
	dlq := deadletterQueueName(group)
	if _, err := a.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitadapter: declare deadletter queue for group %q: %w", group, err)
	}
	if err := a.ch.QueueBind(dlq, group, a.dlx, false, nil); err != nil {
		return fmt.Errorf("rabbitadapter: bind deadletter queue for group %q: %w", group, err)
	}
	return nil
}

// recoverChannel opens a fresh channel after a failed declare/bind leaves
// the current one in an error state.
func (a *Adapter) recoverChannel() error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitadapter: recover channel after declare failure: %w", err)
	}
	a.ch = ch
	return nil
}

// wrapTopologyErr tags err with bus.ErrPermissionDenied when RabbitMQ
// refused the declare/bind for lack of rights on the vhost, so the CLI can
// map it onto spec.md §6's exit code 2 (coordinator role only) instead of a
// generic fatal start-up error. amqp091-go surfaces this as an
// ACCESS_REFUSED channel/connection exception (AMQP reply code 403).
func wrapTopologyErr(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
		return fmt.Errorf("%w: %w", bus.ErrPermissionDenied, err)
	}
	return err
}

// Publish publishes body to the exchange routed to the (group, toAgent)
// queue. Session ordering (spec.md §4.1) falls out of the single-consumer-
// per-queue topology documented above: the session key itself does not
// need to appear in the routing key, since all envelopes for one
// correlation id already share a (group, toAgent) destination in a given
// direction.
func (a *Adapter) Publish(ctx context.Context, group, toAgent, sessionKey string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.ch.PublishWithContext(ctx, a.exchange, routingKey(group, toAgent), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	})
	if err != nil {
		return bus.PublishFailed(group, fmt.Errorf("rabbitadapter: publish: %w", err))
	}
	return nil
}

// routingKey addresses exactly the queue Subscribe binds for (group,
// toAgent), so each agent's queue receives only traffic addressed to it.
func routingKey(group, toAgent string) string {
	return queueName(group, toAgent)
}

// Subscribe starts a single consumer goroutine against the per-(group,
// toAgent) queue and streams deliveries to the returned channel until ctx
// is cancelled.
func (a *Adapter) Subscribe(ctx context.Context, group, toAgent string) (<-chan bus.Message, error) {
	qn := queueName(group, toAgent)
	args := amqp.Table{
		"x-dead-letter-exchange":    a.dlx,
		"x-dead-letter-routing-key": group,
	}

	a.mu.Lock()
	if err := a.ensureDeadletterQueue(group); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	_, err := a.ch.QueueDeclare(qn, true, false, false, false, args)
	if err == nil {
		err = a.ch.QueueBind(qn, routingKey(group, toAgent), a.exchange, false, nil)
	}
	a.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("rabbitadapter: prepare queue %q: %w", qn, err)
	}

	deliveries, err := a.ch.Consume(qn, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rabbitadapter: consume %q: %w", qn, err)
	}

	out := make(chan bus.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- &message{delivery: d}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close tears down the channel and connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			slog.Warn("rabbitadapter: close channel", "error", err)
		}
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

type message struct {
	delivery amqp.Delivery
}

func (m *message) Body() []byte { return m.delivery.Body }

func (m *message) Settle(ctx context.Context, outcome bus.Outcome) error {
	switch outcome {
	case bus.Ack:
		return m.delivery.Ack(false)
	case bus.Abandon:
		return m.delivery.Nack(false, true)
	case bus.DeadLetter:
		// requeue=false with x-dead-letter-exchange set on the queue routes
		// this into the group's deadletter queue instead of discarding it.
		return m.delivery.Nack(false, false)
	default:
		return fmt.Errorf("rabbitadapter: unknown outcome %d", outcome)
	}
}
