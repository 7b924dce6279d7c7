package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claims/pkg/circuitbreaker"
	"github.com/drfirst/go-claims/pkg/idempotency"
	"github.com/drfirst/go-claims/pkg/workerpool"
)

// HandlerName scopes inbox keys for this consumer.
const HandlerName = "claim-notifier"

// Outcomes reported to the Observer.
const (
	OutcomeDelivered = "delivered"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
)

// Publisher delivers a notification to the broker.
type Publisher interface {
	Publish(ctx context.Context, n *Notification) error
	Destination() string
}

// Inbox records processed events. *idempotency.Inbox satisfies it.
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Observer counts delivery outcomes. metrics.Metrics satisfies it.
type Observer interface {
	NotificationOutcome(outcome string)
}

type nopObserver struct{}

func (nopObserver) NotificationOutcome(string) {}

// Config tunes delivery.
type Config struct {
	Pool    workerpool.Config
	Breaker func(name string) circuitbreaker.Config
}

// DefaultConfig returns delivery defaults.
func DefaultConfig() Config {
	return Config{Pool: workerpool.DefaultConfig(), Breaker: circuitbreaker.DefaultConfig}
}

type delivery struct {
	n         *Notification
	body      json.RawMessage
	duplicate bool
}

// Service consumes claim events and delivers notifications.
type Service struct {
	publisher Publisher
	inbox     Inbox
	breakers  *circuitbreaker.Manager
	pool      *workerpool.Pool
	observer  Observer
	logger    *zap.Logger
}

// NewService builds the delivery pipeline. breakerObserver and observer may be nil.
func NewService(cfg Config, publisher Publisher, inbox Inbox, observer Observer, breakerObserver circuitbreaker.StateObserver, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.DefaultConfig
	}

	s := &Service{
		publisher: publisher,
		inbox:     inbox,
		observer:  observer,
		logger:    logger,
	}
	s.breakers = circuitbreaker.NewManager(func(name string) circuitbreaker.Config {
		bc := cfg.Breaker(name)
		// Malformed notifications say nothing about the broker's health.
		bc.IsSuccessful = func(err error) bool { return err == nil || idempotency.IsTerminal(err) }
		return bc
	}, breakerObserver, logger)

	pool, err := workerpool.New(cfg.Pool, s.deliver, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Start launches the delivery workers.
func (s *Service) Start() { s.pool.Start() }

// Stop drains queued deliveries.
func (s *Service) Stop() { s.pool.Stop() }

// Breakers returns the health of every destination's breaker.
func (s *Service) Breakers() []circuitbreaker.HealthStatus {
	return s.breakers.GetHealthStatus()
}

// HandleMessage is the redpanda.MessageHandler for claim events. It returns
// once the notification is delivered, found to be a duplicate, or given up on.
func (s *Service) HandleMessage(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	event, err := claim.Decode(msg.Value)
	if err != nil {
		s.observer.NotificationOutcome(OutcomeMalformed)
		s.logger.Warn("skipping undecodable event",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	return s.Handle(ctx, event)
}

// Handle delivers the notification for one claim event.
func (s *Service) Handle(ctx context.Context, event *claim.Event) error {
	n, err := FromEvent(event)
	if err != nil {
		s.observer.NotificationOutcome(OutcomeMalformed)
		s.logger.Warn("skipping malformed event", zap.String("event_id", event.ID), zap.Error(err))
		return nil
	}
	if n == nil {
		s.observer.NotificationOutcome(OutcomeIgnored)
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	d := &delivery{n: n, body: body}

	res, err := s.pool.SubmitWait(ctx, &workerpool.Task{ID: n.EventID, Payload: d})
	if err != nil {
		s.observer.NotificationOutcome(OutcomeFailed)
		return fmt.Errorf("queue notification %s: %w", n.EventID, err)
	}
	if !res.Success() {
		s.observer.NotificationOutcome(OutcomeFailed)
		return res.Error
	}

	if d.duplicate {
		s.observer.NotificationOutcome(OutcomeDuplicate)
		s.logger.Debug("duplicate event skipped", zap.String("event_id", n.EventID))
		return nil
	}
	s.observer.NotificationOutcome(OutcomeDelivered)
	s.logger.Info("claim notification delivered",
		zap.String("event_id", n.EventID),
		zap.String("claim_id", n.ClaimID),
		zap.String("kind", string(n.Kind)),
		zap.String("to_status", n.ToStatus),
		zap.Int("attempts", res.Attempts))
	return nil
}

// deliver is the worker function: inbox, then breaker, then broker.
func (s *Service) deliver(ctx context.Context, task *workerpool.Task) error {
	d := task.Payload.(*delivery)

	breaker, err := s.breakers.GetOrCreate(s.publisher.Destination())
	if err != nil {
		return backoff.Permanent(err)
	}

	key := idempotency.Key(HandlerName, d.n.EventID)
	res, err := s.inbox.Process(ctx, key, HandlerName, d.body, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := breaker.Execute(ctx, func(ctx context.Context) error {
			return s.publisher.Publish(ctx, d.n)
		}); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"delivered":true}`), nil
	})

	switch {
	case err == nil:
		d.duplicate = !res.IsNew && !res.WasRecovered
		return nil
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		d.duplicate = true
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed), idempotency.IsTerminal(err):
		return backoff.Permanent(err)
	default:
		// Broker errors, open breakers and in-progress keys are retried.
		return err
	}
}
