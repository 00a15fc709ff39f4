// Package notify delivers operator notifications for conditions that need a
// human, such as settlement batch failures.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Severity levels for operator notifications.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Notification is one operator-facing message.
type Notification struct {
	Severity   string         `json:"severity"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Notifier delivers notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Publisher pushes serialized notifications to a message broker.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Sink logs every notification and, when a publisher is configured, pushes it
// to the ops subject for downstream paging.
type Sink struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewSink creates a notifier. publisher may be nil.
func NewSink(publisher Publisher, logger *slog.Logger) *Sink {
	return &Sink{publisher: publisher, logger: logger}
}

// Notify implements Notifier.
func (s *Sink) Notify(ctx context.Context, n Notification) {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}

	attrs := []any{"subject", n.Subject, "severity", n.Severity}
	for k, v := range n.Fields {
		attrs = append(attrs, k, v)
	}
	switch n.Severity {
	case SeverityCritical:
		s.logger.Error(n.Body, attrs...)
	case SeverityWarning:
		s.logger.Warn(n.Body, attrs...)
	default:
		s.logger.Info(n.Body, attrs...)
	}

	if s.publisher == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, "notify.ops."+n.Severity, data); err != nil {
		s.logger.Error("failed to publish notification", "subject", n.Subject, "error", err)
	}
}

// Nop discards notifications. Used in tests.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) {}
