// Package events fans out domain events to downstream consumers after the
// state change that produced them has committed.
//
// Publishing is best effort: sinks report errors, which are logged and
// counted, but a failed publish never undoes a committed trade.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/outcome-exchange/internal/metrics"
	"github.com/atmx/outcome-exchange/internal/model"
)

// Event types.
const (
	TradeExecuted       = "trade.executed"
	FundRequestCreated  = "fund_request.created"
	FundRequestApproved = "fund_request.approved"
	FundRequestDenied   = "fund_request.denied"
)

// Event is the envelope shared by every sink.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	Key        string    `json:"key"` // partition key: market id for trades, user id otherwise
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// New stamps an event with an id and the current time.
func New(typ, key string, data any) Event {
	return Event{ID: uuid.New(), Type: typ, Key: key, OccurredAt: time.Now().UTC(), Data: data}
}

// TradeExecutedData is the payload of a trade.executed event.
type TradeExecutedData struct {
	Trade  model.Trade      `json:"trade"`
	Prices map[string]int64 `json:"prices"` // outcome id -> spot price cents after the trade
}

// Publisher is a sink for events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Named is implemented by sinks that label their failures.
type Named interface {
	Name() string
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Name() string                         { return "noop" }

// DefaultPublishTimeout bounds one fan-out across all sinks.
const DefaultPublishTimeout = 2 * time.Second

// Multi publishes to every sink and joins their errors. Failures are logged
// and counted per sink.
//
// Publishing happens after a commit, so it is detached from the caller's
// cancellation and bounded by its own timeout instead.
type Multi struct {
	sinks   []Publisher
	timeout time.Duration
	log     *zap.Logger
}

// NewMulti returns a fan-out over sinks. Nil sinks are skipped.
func NewMulti(log *zap.Logger, sinks ...Publisher) *Multi {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Multi{timeout: DefaultPublishTimeout, log: log}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// WithTimeout sets the fan-out bound. d <= 0 keeps the current value.
func (m *Multi) WithTimeout(d time.Duration) *Multi {
	if d > 0 {
		m.timeout = d
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Publish(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, e); err != nil {
			name := sinkName(s)
			metrics.EventPublishFailures.WithLabelValues(name).Inc()
			m.log.Warn("event publish failed",
				zap.String("sink", name),
				zap.String("type", e.Type),
				zap.String("event_id", e.ID.String()),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Name() string { return "multi" }

func sinkName(p Publisher) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
