package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrNotConfirmed is returned when the broker nacks a publish.
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// AMQPPublisher publishes notifications to a durable queue on the default
// exchange and waits for a publisher confirm.
type AMQPPublisher struct {
	conn   *amqp.Connection
	queue  string
	logger *zap.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// DialAMQP connects to the broker and declares queue.
func DialAMQP(url, queue string, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	p := &AMQPPublisher{conn: conn, queue: queue, logger: logger}
	if err := p.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("connected to rabbitmq", zap.String("queue", queue))
	return p, nil
}

func (p *AMQPPublisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare queue %s: %w", p.queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to enable confirms: %w", err)
	}
	p.ch = ch
	return nil
}

// Destination names the queue for circuit breaking.
func (p *AMQPPublisher) Destination() string {
	return p.queue
}

// Publish sends n as a persistent JSON message. A closed channel is reopened
// once before giving up.
func (p *AMQPPublisher) Publish(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.EventID,
		Timestamp:    n.OccurredAt,
		Type:         string(n.Kind),
		Headers: amqp.Table{
			"claim_id":  n.ClaimID,
			"tenant_id": n.TenantID,
		},
		Body: body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		if err := p.openChannel(); err != nil {
			return err
		}
	}

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", p.queue, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("%w: event %s", ErrNotConfirmed, n.EventID)
	}

	p.logger.Debug("notification published",
		zap.String("event_id", n.EventID),
		zap.String("claim_id", n.ClaimID),
		zap.String("kind", string(n.Kind)))
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	return p.conn.Close()
}
