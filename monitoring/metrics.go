package monitoring

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"clinic-queue/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_queue_length_total",
			Help: "Current number of jobs per queue",
		},
		[]string{"queue_type"},
	)

	sessionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clinic_sessions_total",
			Help: "Current number of sessions per status",
		},
		[]string{"status"},
	)

	tokenTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_transitions_total",
			Help: "Total token state transitions",
		},
		[]string{"from", "to"},
	)

	jobExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_executions_total",
			Help: "Total job executions by outcome",
		},
		[]string{"job", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of job executions",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"job"},
	)

	etaRecalculations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eta_recalculations_total",
			Help: "Total per-session ETA recalculations",
		},
		[]string{"outcome"},
	)

	distributionDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distribution_degraded_total",
			Help: "Snapshots delivered locally only because the fan-out bus failed",
		},
		[]string{"bus"},
	)

	realtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_total",
			Help: "Current number of open realtime connections",
		},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)
)

// QueueSampler reports the length of each job queue.
type QueueSampler interface {
	Lengths(ctx context.Context) (map[string]int64, error)
}

// SessionLister is the slice of the session store the monitor samples.
type SessionLister interface {
	ListSessionIDs(ctx context.Context, status models.SessionStatus) ([]string, error)
}

type Monitor struct {
	queue    QueueSampler
	sessions SessionLister
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewMonitor(queue QueueSampler, sessions SessionLister, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		queue:    queue,
		sessions: sessions,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins periodic metrics collection.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.collectMetrics()
}

func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *Monitor) collectMetrics() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.Collect(ctx)
			cancel()
		case <-m.stopChan:
			return
		}
	}
}

// Collect samples queue lengths, session counts and goroutines once.
func (m *Monitor) Collect(ctx context.Context) {
	if m.queue != nil {
		lengths, err := m.queue.Lengths(ctx)
		if err != nil {
			slog.Warn("Failed to sample job queues", "error", err)
		}
		for queueType, length := range lengths {
			jobQueueLength.WithLabelValues(queueType).Set(float64(length))
		}
	}

	if m.sessions != nil {
		for _, st := range []models.SessionStatus{models.SessionScheduled, models.SessionActive, models.SessionClosed} {
			ids, err := m.sessions.ListSessionIDs(ctx, st)
			if err != nil {
				slog.Warn("Failed to sample sessions", "status", st, "error", err)
				continue
			}
			sessionsByStatus.WithLabelValues(string(st)).Set(float64(len(ids)))
		}
	}

	goroutineCount.Set(float64(runtime.NumGoroutine()))
}

func TrackTransition(from, to models.TokenStatus) {
	tokenTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// TrackJob records one job execution; outcome is success, retry,
// dead_letter or unknown.
func TrackJob(job models.JobName, outcome string, duration time.Duration) {
	jobExecutions.WithLabelValues(string(job), outcome).Inc()
	jobDuration.WithLabelValues(string(job)).Observe(duration.Seconds())
}

func TrackRecalculation(outcome string) {
	etaRecalculations.WithLabelValues(outcome).Inc()
}

func TrackDistributionDegraded(bus string) {
	distributionDegraded.WithLabelValues(bus).Inc()
}

func ConnectionOpened() {
	realtimeConnections.Inc()
}

func ConnectionClosed() {
	realtimeConnections.Dec()
}
