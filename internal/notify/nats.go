// ABOUTME: NATS publisher delivering notifier events to external subscribers
// ABOUTME: Subjects are <prefix>.<workspace>.<event type> with JSON payloads

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn used by NATSPublisher.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher implements Notifier over NATS core publish.
type NATSPublisher struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher wraps an existing connection (or any Publisher).
func NewNATSPublisher(pub Publisher, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "concierge.events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With("component", "nats_publisher"),
	}
}

// ConnectNATS dials the NATS server with reconnect handlers that log.
func ConnectNATS(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "nats")
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	log.Info("connected to NATS", "url", url)
	return conn, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev *Event) string {
	return p.prefix + "." + subjectToken(ev.WorkspaceID) + "." + string(ev.Type)
}

// Notify implements Notifier.
func (p *NATSPublisher) Notify(_ context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	subject := p.Subject(ev)
	if err := p.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	p.logger.Debug("published event", "subject", subject, "event_id", ev.ID)
	return nil
}

// subjectToken keeps workspace ids from introducing extra subject levels
// or wildcards.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
