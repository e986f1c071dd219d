// Package health probes the scheduler's components and serves the HTTP
// surface: readiness, structured metrics, Prometheus exposition, dead-letter
// inspection and the live alert stream.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

// Component states and roll-up states.
const (
	StatusUp       = "up"
	StatusDegraded = "degraded"
	StatusDown     = "down"

	OverallHealthy   = "healthy"
	OverallDegraded  = "degraded"
	OverallUnhealthy = "unhealthy"
)

// degradedFailureRatio is the failed-share of queue jobs above which the
// queue component reports degraded.
const degradedFailureRatio = 0.10

// QueueStats is the slice of the queue the checker needs.
type QueueStats interface {
	Ping(ctx context.Context) error
	Counts(ctx context.Context) (map[string]int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

// Pinger is a component with a connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Component is one probe result.
type Component struct {
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"lastChecked"`
}

// Report is the full health roll-up.
type Report struct {
	Status        string               `json:"status"`
	Timestamp     time.Time            `json:"timestamp"`
	Version       string               `json:"version"`
	UptimeSeconds float64              `json:"uptimeSeconds"`
	Components    map[string]Component `json:"components"`
}

// Checker runs the component probes.
type Checker struct {
	queue      QueueStats
	subscriber Pinger
	api        Pinger
	version    string
	started    time.Time
	logger     hclog.Logger
}

func NewChecker(queue QueueStats, subscriber, api Pinger, version string, logger hclog.Logger) *Checker {
	return &Checker{
		queue:      queue,
		subscriber: subscriber,
		api:        api,
		version:    version,
		started:    time.Now(),
		logger:     logger,
	}
}

// Uptime reports time since the checker was constructed at startup.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.started)
}

// Check probes every component concurrently and rolls the results up. A probe
// that panics is reported as down, never taking the checker with it.
func (c *Checker) Check(ctx context.Context) Report {
	components := make(map[string]Component, 4)
	var g errgroup.Group
	results := make(chan struct {
		name string
		comp Component
	}, 4)

	probe := func(name string, fn func(ctx context.Context) Component) {
		g.Go(func() error {
			comp := runProbe(ctx, fn)
			results <- struct {
				name string
				comp Component
			}{name, comp}
			return nil
		})
	}

	probe("redis", c.probeRedis)
	probe("redisSubscriber", c.probeSubscriber)
	probe("bullQueue", c.probeQueue)
	probe("api", c.probeAPI)

	g.Wait()
	close(results)
	for r := range results {
		components[r.name] = r.comp
	}

	report := Report{
		Status:        rollUp(components),
		Timestamp:     time.Now(),
		Version:       c.version,
		UptimeSeconds: c.Uptime().Seconds(),
		Components:    components,
	}
	if report.Status != OverallHealthy {
		c.logger.Warn("health degraded", "status", report.Status)
	}
	return report
}

func runProbe(ctx context.Context, fn func(ctx context.Context) Component) (comp Component) {
	defer func() {
		if r := recover(); r != nil {
			comp = Component{
				Status:      StatusDown,
				Message:     fmt.Sprintf("probe panicked: %v", r),
				LastChecked: time.Now(),
			}
		}
	}()
	return fn(ctx)
}

func rollUp(components map[string]Component) string {
	overall := OverallHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusDown:
			return OverallUnhealthy
		case StatusDegraded:
			overall = OverallDegraded
		}
	}
	return overall
}

func (c *Checker) probeRedis(ctx context.Context) Component {
	now := time.Now()
	if err := c.queue.Ping(ctx); err != nil {
		return Component{Status: StatusDown, Message: err.Error(), LastChecked: now}
	}
	return Component{Status: StatusUp, LastChecked: now}
}

func (c *Checker) probeSubscriber(ctx context.Context) Component {
	now := time.Now()
	if err := c.subscriber.Ping(ctx); err != nil {
		return Component{Status: StatusDown, Message: err.Error(), LastChecked: now}
	}
	return Component{Status: StatusUp, LastChecked: now}
}

func (c *Checker) probeAPI(ctx context.Context) Component {
	now := time.Now()
	if err := c.api.Ping(ctx); err != nil {
		return Component{Status: StatusDown, Message: err.Error(), LastChecked: now}
	}
	return Component{Status: StatusUp, LastChecked: now}
}

// probeQueue inspects queue depths: unreadable counts mean down, a high
// failed share means degraded.
func (c *Checker) probeQueue(ctx context.Context) Component {
	now := time.Now()
	counts, err := c.queue.Counts(ctx)
	if err != nil {
		return Component{Status: StatusDown, Message: err.Error(), LastChecked: now}
	}

	total := counts["active"] + counts["waiting"] + counts["delayed"] + counts["failed"]
	if total > 0 {
		ratio := float64(counts["failed"]) / float64(total)
		if ratio > degradedFailureRatio {
			return Component{
				Status:      StatusDegraded,
				Message:     fmt.Sprintf("%.0f%% of recent jobs failed", ratio*100),
				LastChecked: now,
			}
		}
	}
	return Component{Status: StatusUp, LastChecked: now}
}

// StatusValue maps a roll-up status onto the numeric gauge scale.
func StatusValue(status string) float64 {
	switch status {
	case OverallHealthy, StatusUp:
		return 0
	case OverallDegraded:
		return 1
	default:
		return 2
	}
}
