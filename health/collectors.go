package health

import (
	"context"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const collectTimeout = 5 * time.Second

var (
	queueStates = []string{"active", "waiting", "completed", "failed", "delayed"}

	descQueueState = func() map[string]*prometheus.Desc {
		descs := make(map[string]*prometheus.Desc, len(queueStates))
		for _, state := range queueStates {
			descs[state] = prometheus.NewDesc("scheduler_queue_"+state,
				"Jobs currently "+state, nil, nil)
		}
		return descs
	}()
	descDeadLetters = prometheus.NewDesc("scheduler_dead_letter_count",
		"Entries in the dead-letter queue", nil, nil)
	descHealthStatus = prometheus.NewDesc("scheduler_health_status",
		"Overall health (0=healthy, 1=degraded, 2=unhealthy)", nil, nil)
	descComponentStatus = prometheus.NewDesc("scheduler_component_status",
		"Component health (0=up, 1=degraded, 2=down)", []string{"component"}, nil)
	descUptime = prometheus.NewDesc("scheduler_uptime_seconds",
		"Seconds since process start", nil, nil)
	descCPU = prometheus.NewDesc("process_cpu_usage_percent",
		"Process CPU usage since the previous scrape", nil, nil)
	descMemory = prometheus.NewDesc("process_memory_usage_bytes",
		"Process memory usage", []string{"type"}, nil)
)

// Collector exposes queue depths, health states and process resource usage
// on each scrape. Health states come from the checker's cached report so a
// scrape never triggers a full probe round.
type Collector struct {
	queue   QueueStats
	report  func() Report
	uptime  func() time.Duration
	cpuMu   sync.Mutex
	lastCPU time.Duration
	lastAt  time.Time
}

func NewCollector(queue QueueStats, report func() Report, uptime func() time.Duration) *Collector {
	return &Collector{queue: queue, report: report, uptime: uptime, lastAt: time.Now()}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range descQueueState {
		ch <- desc
	}
	ch <- descDeadLetters
	ch <- descHealthStatus
	ch <- descComponentStatus
	ch <- descUptime
	ch <- descCPU
	ch <- descMemory
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	if counts, err := c.queue.Counts(ctx); err == nil {
		for _, state := range queueStates {
			ch <- prometheus.MustNewConstMetric(descQueueState[state], prometheus.GaugeValue,
				float64(counts[state]))
		}
	}
	if dlq, err := c.queue.DeadLetterCount(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(descDeadLetters, prometheus.GaugeValue, float64(dlq))
	}

	report := c.report()
	ch <- prometheus.MustNewConstMetric(descHealthStatus, prometheus.GaugeValue, StatusValue(report.Status))
	for name, comp := range report.Components {
		ch <- prometheus.MustNewConstMetric(descComponentStatus, prometheus.GaugeValue,
			StatusValue(comp.Status), name)
	}

	ch <- prometheus.MustNewConstMetric(descUptime, prometheus.CounterValue, c.uptime().Seconds())
	ch <- prometheus.MustNewConstMetric(descCPU, prometheus.GaugeValue, c.cpuPercent())
	for memType, bytes := range memoryUsage() {
		ch <- prometheus.MustNewConstMetric(descMemory, prometheus.GaugeValue, bytes, memType)
	}
}

// cpuPercent measures CPU time consumed since the previous scrape as a share
// of wall time.
func (c *Collector) cpuPercent() float64 {
	var usage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &usage); err != nil {
		return 0
	}
	total := time.Duration(usage.Utime.Nano() + usage.Stime.Nano())

	c.cpuMu.Lock()
	defer c.cpuMu.Unlock()
	now := time.Now()
	wall := now.Sub(c.lastAt)
	delta := total - c.lastCPU
	c.lastCPU = total
	c.lastAt = now

	if wall <= 0 {
		return 0
	}
	return float64(delta) / float64(wall) * 100
}

func memoryUsage() map[string]float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	rss := float64(m.Sys)
	var usage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &usage); err == nil {
		// Maxrss is reported in kilobytes on Linux.
		rss = float64(usage.Maxrss) * 1024
	}

	return map[string]float64{
		"rss":        rss,
		"heap_used":  float64(m.HeapAlloc),
		"heap_total": float64(m.HeapSys),
		"external":   float64(m.Sys - m.HeapSys),
	}
}
