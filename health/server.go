package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thornvale/worldscheduler/cron"
	"github.com/thornvale/worldscheduler/job"
	"github.com/thornvale/worldscheduler/observability"
)

const (
	refreshInterval  = 15 * time.Second
	defaultDLQLimit  = 100
	shutdownDeadline = 5 * time.Second
)

// CronStatus reports the periodic task registry.
type CronStatus interface {
	Status() []cron.TaskStatus
}

// DeadLetterStore lists DLQ entries for the inspection endpoint.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, limit int64) ([]job.DeadLetter, error)
}

// Server is the HTTP surface: health, metrics, DLQ inspection and the live
// alert stream.
type Server struct {
	checker *Checker
	queue   QueueStats
	crons   CronStatus
	dlq     DeadLetterStore
	stream  http.Handler
	logger  hclog.Logger

	http *http.Server
	stop chan struct{}

	mu         sync.RWMutex
	lastReport Report
}

func NewServer(port int, checker *Checker, queue QueueStats, crons CronStatus, dlq DeadLetterStore, stream http.Handler, logger hclog.Logger) *Server {
	s := &Server{
		checker: checker,
		queue:   queue,
		crons:   crons,
		dlq:     dlq,
		stream:  stream,
		logger:  logger,
		stop:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.Handle("GET /metrics/prometheus", promhttp.HandlerFor(observability.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /queue/dead-letters", s.handleDeadLetters)
	if stream != nil {
		mux.Handle("GET /alerts/stream", stream)
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start registers the resource collector, primes the health cache and begins
// serving. Serve errors other than a clean shutdown are reported on the
// returned channel.
func (s *Server) Start() <-chan error {
	observability.Registry.MustRegister(NewCollector(s.queue, s.CachedReport, s.checker.Uptime))

	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	s.setReport(s.checker.Check(ctx))
	cancel()
	go s.refreshLoop()

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
		close(errs)
	}()
	return errs
}

// Shutdown stops the HTTP server and the background refresh.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownDeadline)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// refreshLoop keeps the cached report current for metric scrapes between
// explicit /health requests.
func (s *Server) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
			s.setReport(s.checker.Check(ctx))
			cancel()
		}
	}
}

func (s *Server) setReport(r Report) {
	s.mu.Lock()
	s.lastReport = r
	s.mu.Unlock()
}

// CachedReport returns the most recent probe round.
func (s *Server) CachedReport() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

// handleHealth always answers 200; the status lives in the body. Callers
// that need a binary signal read report.status, not the HTTP code.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Check(r.Context())
	s.setReport(report)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.queue.Counts(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue counts unavailable"})
		s.logger.Error("metrics: queue counts failed", "error", err)
		return
	}
	dlqCount, err := s.queue.DeadLetterCount(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dead-letter count unavailable"})
		s.logger.Error("metrics: dead-letter count failed", "error", err)
		return
	}

	payload := map[string]interface{}{
		"timestamp":       time.Now(),
		"uptimeSeconds":   s.checker.Uptime().Seconds(),
		"queue":           counts,
		"deadLetterCount": dlqCount,
	}
	if s.crons != nil {
		payload["cronTasks"] = s.crons.Status()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultDLQLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := s.dlq.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dead-letter listing unavailable"})
		s.logger.Error("dead-letter listing failed", "error", err)
		return
	}
	if entries == nil {
		entries = []job.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }
