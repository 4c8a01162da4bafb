// Package alerts raises operational signals for failures that need a human:
// exhausted jobs, dead-lettered deliveries, failed webhook handlers.
package alerts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/angelmondragon/commerce-core/pkg/enums"
	"github.com/angelmondragon/commerce-core/pkg/instance"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

type Options struct {
	Level enums.AlertLevel
	// Scope groups related alerts (a job name, a provider, a subscription).
	Scope string
}

// Alerter is fire-and-forget: Raise never blocks the caller on a sink and
// never returns an error.
type Alerter interface {
	Raise(ctx context.Context, title string, fields map[string]any, opts Options)
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Raise(context.Context, string, map[string]any, Options) {}

// LogAlerter writes alerts as structured log lines.
type LogAlerter struct {
	logger *logger.Logger
}

func NewLogAlerter(logg *logger.Logger) *LogAlerter {
	return &LogAlerter{logger: logg}
}

func (a *LogAlerter) Raise(ctx context.Context, title string, fields map[string]any, opts Options) {
	if a == nil || a.logger == nil {
		return
	}
	level := normalizeLevel(opts.Level)
	all := map[string]any{"alert": title, "alert_level": string(level)}
	if opts.Scope != "" {
		all["alert_scope"] = opts.Scope
	}
	for k, v := range fields {
		all[k] = v
	}
	logCtx := a.logger.WithFields(ctx, all)
	switch level {
	case enums.AlertCritical:
		a.logger.Error(logCtx, "alert.raised", nil)
	case enums.AlertWarning:
		a.logger.Warn(logCtx, "alert.raised")
	default:
		a.logger.Info(logCtx, "alert.raised")
	}
}

type publisher interface {
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
}

// Message is the JSON body published to the alerts topic.
type Message struct {
	Title    string         `json:"title"`
	Level    string         `json:"level"`
	Scope    string         `json:"scope,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Instance string         `json:"instance"`
	RaisedAt time.Time      `json:"raised_at"`
}

// PubSubAlerter publishes alerts to a topic in the background.
type PubSubAlerter struct {
	pub     publisher
	topic   string
	timeout time.Duration
	logger  *logger.Logger
	now     func() time.Time
}

func NewPubSubAlerter(pub publisher, topic string, timeout time.Duration, logg *logger.Logger) *PubSubAlerter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PubSubAlerter{pub: pub, topic: topic, timeout: timeout, logger: logg, now: time.Now}
}

func (a *PubSubAlerter) Raise(ctx context.Context, title string, fields map[string]any, opts Options) {
	if a == nil || a.pub == nil || a.topic == "" {
		return
	}
	level := normalizeLevel(opts.Level)
	payload, err := json.Marshal(Message{
		Title:    title,
		Level:    string(level),
		Scope:    opts.Scope,
		Fields:   fields,
		Instance: instance.ID(),
		RaisedAt: a.now().UTC(),
	})
	if err != nil {
		a.logFailure(ctx, "alert.encode_failed", err)
		return
	}
	attrs := map[string]string{"level": string(level)}
	if opts.Scope != "" {
		attrs["scope"] = opts.Scope
	}

	// Detached from the caller so a request or job finishing does not cancel the publish.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	go func() {
		defer cancel()
		if _, err := a.pub.Publish(pubCtx, a.topic, payload, attrs); err != nil {
			a.logFailure(pubCtx, "alert.publish_failed", err)
		}
	}()
}

func (a *PubSubAlerter) logFailure(ctx context.Context, msg string, err error) {
	if a.logger != nil {
		a.logger.Error(ctx, msg, err)
	}
}

// Multi fans an alert out to every sink.
type Multi []Alerter

func (m Multi) Raise(ctx context.Context, title string, fields map[string]any, opts Options) {
	for _, a := range m {
		if a != nil {
			a.Raise(ctx, title, fields, opts)
		}
	}
}

func normalizeLevel(level enums.AlertLevel) enums.AlertLevel {
	if level.IsValid() {
		return level
	}
	return enums.AlertWarning
}
