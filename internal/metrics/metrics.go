package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is the JSON form of the tracked counters
type Snapshot struct {
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time,omitempty"`
	TerminationReason string    `json:"termination_reason,omitempty"`
	CyclesRun         int       `json:"cycles_run"`
	ProfilesQueued    int       `json:"profiles_queued"`
	HighPriority      int       `json:"high_priority_queued"`
	Regular           int       `json:"regular_queued"`
	Skipped           int       `json:"skipped"`
	Executions        int       `json:"executions"`
	Completed         int       `json:"completed"`
	Failed            int       `json:"failed"`
	Retried           int       `json:"retried"`
	PermanentFailures int       `json:"permanent_failures"`
	RateLimited       int       `json:"rate_limited"`
	TotalFetchTimeMs  int64     `json:"total_fetch_time_ms"`
	AvgFetchTimeMs    int64     `json:"avg_fetch_time_ms"`
}

// Tracker holds and manages refresh metrics. A nil *Tracker is valid and records nothing.
type Tracker struct {
	mu               sync.Mutex
	data             Snapshot
	totalFetchTimeMs int64
	fetchCount       int

	registry      *prometheus.Registry
	queued        *prometheus.CounterVec
	skipped       prometheus.Counter
	cycles        prometheus.Counter
	executions    *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	rateLimited   *prometheus.CounterVec
}

// NewTracker creates a new metrics tracker with its own Prometheus registry
func NewTracker() *Tracker {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Tracker{
		data: Snapshot{
			StartTime: time.Now(),
		},
		registry: reg,
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "refresh_cycles_total",
			Help: "Total number of refresh cycles run",
		}),
		queued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "refresh_profiles_queued_total",
			Help: "Profiles submitted for scraping",
		}, []string{"tier"}),
		skipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "refresh_profiles_skipped_total",
			Help: "Submissions skipped because an attempt was already in flight",
		}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "refresh_task_executions_total",
			Help: "Scrape task executions by outcome",
		}, []string{"outcome"}),
		fetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "refresh_fetch_duration_seconds",
			Help:    "Duration of upstream fetches",
			Buckets: prometheus.DefBuckets,
		}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "refresh_rate_limited_total",
			Help: "Requests denied by the rate limiter",
		}, []string{"category"}),
	}
}

// Handler serves the Prometheus exposition of this tracker
func (t *Tracker) Handler() http.Handler {
	if t == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// RecordCycle adds the totals of one refresh cycle
func (t *Tracker) RecordCycle(high, regular, skipped int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.CyclesRun++
	t.data.HighPriority += high
	t.data.Regular += regular
	t.data.ProfilesQueued += high + regular
	t.data.Skipped += skipped

	t.cycles.Inc()
	t.queued.WithLabelValues("high").Add(float64(high))
	t.queued.WithLabelValues("standard").Add(float64(regular))
	t.skipped.Add(float64(skipped))
}

// IncrementCompleted counts a successful execution
func (t *Tracker) IncrementCompleted() {
	t.incrementExecution("completed", func(s *Snapshot) { s.Completed++ })
}

// IncrementRetried counts a failed execution that will be retried
func (t *Tracker) IncrementRetried() {
	t.incrementExecution("retried", func(s *Snapshot) {
		s.Failed++
		s.Retried++
	})
}

// IncrementPermanentFailures counts a task that gave up
func (t *Tracker) IncrementPermanentFailures() {
	t.incrementExecution("permanent_failure", func(s *Snapshot) {
		s.Failed++
		s.PermanentFailures++
	})
}

func (t *Tracker) incrementExecution(outcome string, fn func(s *Snapshot)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Executions++
	fn(&t.data)
	t.executions.WithLabelValues(outcome).Inc()
}

// IncrementRateLimited counts a denied API request
func (t *Tracker) IncrementRateLimited(category string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.RateLimited++
	t.rateLimited.WithLabelValues(category).Inc()
}

// RecordFetchTime records an upstream fetch duration
func (t *Tracker) RecordFetchTime(duration time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalFetchTimeMs += duration.Milliseconds()
	t.fetchCount++
	t.fetchDuration.Observe(duration.Seconds())
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.data
	snapshot.TotalFetchTimeMs = t.totalFetchTimeMs

	// Calculate average fetch time
	if t.fetchCount > 0 {
		snapshot.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}

	return snapshot
}

// WriteToFile exports metrics to a JSON file. A nil tracker writes nothing.
func (t *Tracker) WriteToFile(path, reason string) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	t.mu.Unlock()

	jsonData, err := json.MarshalIndent(t.GetSnapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress formats current metrics for periodic log lines
func (t *Tracker) LogProgress() string {
	if t == nil {
		return "metrics disabled"
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Cycles: %d | Queued: %d (%d high, %d regular), %d skipped | Executions: %d completed, %d retried, %d permanent | Rate limited: %d",
		t.data.CyclesRun,
		t.data.ProfilesQueued,
		t.data.HighPriority,
		t.data.Regular,
		t.data.Skipped,
		t.data.Completed,
		t.data.Retried,
		t.data.PermanentFailures,
		t.data.RateLimited,
	)
}
