// Package cron runs the named periodic tasks. It wraps robfig/cron with a
// registry that supports per-task enable/disable, overlap suppression and
// failure alerting.
package cron

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	cronlib "github.com/robfig/cron/v3"

	"github.com/thornvale/worldscheduler/observability"
)

// ErrNoSuchTask is returned for operations on an unregistered task name.
var ErrNoSuchTask = errors.New("no such cron task")

// AlertSink receives critical alerts for production task failures.
type AlertSink interface {
	Critical(ctx context.Context, title, message string, metadata map[string]interface{})
}

// TaskStatus is a point-in-time snapshot of one registered task.
type TaskStatus struct {
	Name         string    `json:"name"`
	Expression   string    `json:"expression"`
	Enabled      bool      `json:"enabled"`
	Running      bool      `json:"running"`
	Runs         int64     `json:"runs"`
	Failures     int64     `json:"failures"`
	LastRun      time.Time `json:"lastRun,omitzero"`
	LastDuration string    `json:"lastDuration,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	NextRun      time.Time `json:"nextRun,omitzero"`
}

type task struct {
	name       string
	expression string
	run        func(ctx context.Context) error
	entryID    cronlib.EntryID

	enabled      bool
	running      bool
	runs         int64
	failures     int64
	lastRun      time.Time
	lastDuration time.Duration
	lastError    string
}

// Scheduler owns the task registry and the underlying cron runner.
type Scheduler struct {
	cron       *cronlib.Cron
	logger     hclog.Logger
	alerts     AlertSink
	production bool

	mu    sync.Mutex
	tasks map[string]*task
}

func New(alerts AlertSink, production bool, logger hclog.Logger) *Scheduler {
	return &Scheduler{
		cron:       cronlib.New(),
		logger:     logger,
		alerts:     alerts,
		production: production,
		tasks:      make(map[string]*task),
	}
}

// Register adds a named task. Tasks start enabled unless disabled explicitly.
// The expression uses standard five-field cron syntax.
func (s *Scheduler) Register(name, expression string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("cron task %q already registered", name)
	}

	t := &task{name: name, expression: expression, run: fn, enabled: true}
	entryID, err := s.cron.AddFunc(expression, func() { s.fire(t) })
	if err != nil {
		return fmt.Errorf("cron task %q: %w", name, err)
	}
	t.entryID = entryID
	s.tasks[name] = t
	s.logger.Info("cron task registered", "task", name, "expression", expression)
	return nil
}

// Start begins firing tasks on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cron scheduler started", "tasks", len(s.tasks))
}

// Stop halts scheduling and waits for in-flight firings, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.logger.Info("cron scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron drain: %w", ctx.Err())
	}
}

// Enable turns a task back on.
func (s *Scheduler) Enable(name string) error {
	return s.setEnabled(name, true)
}

// Disable keeps a task registered but skips its firings.
func (s *Scheduler) Disable(name string) error {
	return s.setEnabled(name, false)
}

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchTask, name)
	}
	t.enabled = enabled
	s.logger.Info("cron task toggled", "task", name, "enabled", enabled)
	return nil
}

// Status reports every registered task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		st := TaskStatus{
			Name:       t.name,
			Expression: t.expression,
			Enabled:    t.enabled,
			Running:    t.running,
			Runs:       t.runs,
			Failures:   t.failures,
			LastRun:    t.lastRun,
			LastError:  t.lastError,
			NextRun:    s.cron.Entry(t.entryID).Next,
		}
		if t.lastDuration > 0 {
			st.LastDuration = t.lastDuration.String()
		}
		out = append(out, st)
	}
	return out
}

// fire runs one task firing: disabled tasks are skipped, overlapping firings
// of the same task are suppressed, panics are contained.
func (s *Scheduler) fire(t *task) {
	s.mu.Lock()
	if !t.enabled {
		s.mu.Unlock()
		s.logger.Debug("cron task disabled, skipping", "task", t.name)
		observability.CronFirings.WithLabelValues(t.name, "skipped").Inc()
		return
	}
	if t.running {
		s.mu.Unlock()
		s.logger.Warn("cron task still running, skipping firing", "task", t.name)
		observability.CronFirings.WithLabelValues(t.name, "overlap").Inc()
		return
	}
	t.running = true
	t.lastRun = time.Now()
	s.mu.Unlock()

	start := time.Now()
	err := s.runGuarded(t)
	duration := time.Since(start)
	observability.CronDuration.WithLabelValues(t.name).Observe(duration.Seconds())

	s.mu.Lock()
	t.running = false
	t.runs++
	t.lastDuration = duration
	if err != nil {
		t.failures++
		t.lastError = err.Error()
	} else {
		t.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		observability.CronFirings.WithLabelValues(t.name, "error").Inc()
		s.logger.Error("cron task failed", "task", t.name, "duration", duration, "error", err)
		if s.production && s.alerts != nil {
			s.alerts.Critical(context.Background(), "Cron task failed",
				fmt.Sprintf("periodic task %s failed: %v", t.name, err),
				map[string]interface{}{"task": t.name, "duration": duration.String()})
		}
		return
	}
	observability.CronFirings.WithLabelValues(t.name, "ok").Inc()
	s.logger.Debug("cron task finished", "task", t.name, "duration", duration)
}

func (s *Scheduler) runGuarded(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron task panicked", "task", t.name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return t.run(context.Background())
}
