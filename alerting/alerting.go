// Package alerting fans severity-tagged notifications out to registered
// handlers: a structured log line by default, plus the websocket stream for
// live operator dashboards.
package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/thornvale/worldscheduler/observability"
)

// Severity ranks an alert.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Alert is one dispatched notification.
type Alert struct {
	ID        string                 `json:"id"`
	Severity  Severity               `json:"-"`
	Level     string                 `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler receives dispatched alerts. Handlers must be safe for concurrent
// use; a failing or panicking handler never affects the others.
type Handler interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// Manager dispatches alerts to all registered handlers in parallel.
type Manager struct {
	logger hclog.Logger

	mu       sync.RWMutex
	handlers []Handler
}

func NewManager(logger hclog.Logger) *Manager {
	m := &Manager{logger: logger}
	m.AddHandler(&logHandler{logger: logger.Named("alert")})
	return m
}

// AddHandler registers an additional alert sink.
func (m *Manager) AddHandler(h Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Send dispatches one alert to every handler concurrently and waits for all
// of them.
func (m *Manager) Send(ctx context.Context, severity Severity, title, message string, metadata map[string]interface{}) {
	a := Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Level:     severity.String(),
		Title:     title,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
	observability.AlertsSent.WithLabelValues(a.Level).Inc()

	m.mu.RLock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("alert handler panicked", "handler", h.Name(), "panic", r)
				}
			}()
			if err := h.Notify(ctx, a); err != nil {
				m.logger.Error("alert handler failed", "handler", h.Name(), "error", err)
			}
		}(h)
	}
	wg.Wait()
}

// Info sends an informational alert.
func (m *Manager) Info(ctx context.Context, title, message string, metadata map[string]interface{}) {
	m.Send(ctx, SeverityInfo, title, message, metadata)
}

// Warning sends a warning alert.
func (m *Manager) Warning(ctx context.Context, title, message string, metadata map[string]interface{}) {
	m.Send(ctx, SeverityWarning, title, message, metadata)
}

// Critical sends a critical alert. This method satisfies the AlertSink
// interfaces declared by the queue, client, cron and pubsub packages.
func (m *Manager) Critical(ctx context.Context, title, message string, metadata map[string]interface{}) {
	m.Send(ctx, SeverityCritical, title, message, metadata)
}

// logHandler is the default sink: one structured log line per alert.
type logHandler struct {
	logger hclog.Logger
}

func (h *logHandler) Name() string { return "log" }

func (h *logHandler) Notify(_ context.Context, a Alert) error {
	args := []interface{}{"id", a.ID, "title", a.Title, "message", a.Message}
	for k, v := range a.Metadata {
		args = append(args, k, v)
	}
	switch a.Severity {
	case SeverityCritical:
		h.logger.Error("alert", args...)
	case SeverityWarning:
		h.logger.Warn("alert", args...)
	default:
		h.logger.Info("alert", args...)
	}
	return nil
}
