package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// StreamName is the JetStream stream holding exchange events.
const StreamName = "EXCHANGE_EVENTS"

// streamPublisher is the part of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes events to JetStream on <prefix>.<type>.
type NATSPublisher struct {
	js     streamPublisher
	prefix string
	log    *zap.Logger
}

// ConnectNATS dials url with reconnects, ensures the events stream
// exists and returns a publisher plus the connection to close on shutdown.
func ConnectNATS(ctx context.Context, url, prefix string, log *zap.Logger) (*NATSPublisher, *nats.Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	prefix = subjectPrefix(prefix)
	nc, err := nats.Connect(url,
		nats.Name("outcome-exchange"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureStream(ctx, js, prefix); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return NewNATSPublisher(js, prefix, log), nc, nil
}

// EnsureStream creates or updates the events stream for prefix.
func EnsureStream(ctx context.Context, js jetstream.JetStream, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, streamConfig(prefix))
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

func streamConfig(prefix string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix(prefix) + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
}

// subjectPrefix drops a trailing "." so "exchange." and "exchange" name the
// same subjects.
func subjectPrefix(prefix string) string {
	return strings.TrimSuffix(prefix, ".")
}

// NewNATSPublisher wraps an existing JetStream context.
func NewNATSPublisher(js streamPublisher, prefix string, log *zap.Logger) *NATSPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSPublisher{js: js, prefix: subjectPrefix(prefix), log: log}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Publish serializes e and publishes it, deduplicated by event id.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.js.Publish(ctx, p.Subject(e.Type), data, jetstream.WithMsgID(e.ID.String())); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	p.log.Debug("published event", zap.String("sink", "nats"), zap.String("type", e.Type))
	return nil
}

func (p *NATSPublisher) Name() string { return "nats" }
