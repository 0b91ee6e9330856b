package logx

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PerformanceLogger tracks timings of named operations and logs slow or failed ones
type PerformanceLogger struct {
	logger        *Logger
	slowThreshold time.Duration
	metrics       map[string]*OperationMetric
	mu            sync.RWMutex
}

// OperationMetric is the aggregate timing of one operation name
type OperationMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	ErrorCount    int64         `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	SuccessRate   float64       `json:"success_rate"`
	InFlight      int64         `json:"in_flight"`
	MaxInFlight   int64         `json:"max_in_flight"`
	LastExecuted  time.Time     `json:"last_executed"`
}

// Operation is a started measurement; call Complete exactly once
type Operation struct {
	name  string
	start time.Time
	pl    *PerformanceLogger
	done  sync.Once
}

// NewPerformanceLogger creates a performance logger; operations slower than slow are logged
func NewPerformanceLogger(logger *Logger, slow time.Duration) *PerformanceLogger {
	if slow <= 0 {
		slow = 2 * time.Second
	}
	return &PerformanceLogger{
		logger:        logger,
		slowThreshold: slow,
		metrics:       make(map[string]*OperationMetric),
	}
}

// Start begins timing an operation
func (pl *PerformanceLogger) Start(name string) *Operation {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	m, ok := pl.metrics[name]
	if !ok {
		m = &OperationMetric{Name: name}
		pl.metrics[name] = m
	}
	m.InFlight++
	if m.InFlight > m.MaxInFlight {
		m.MaxInFlight = m.InFlight
	}

	return &Operation{name: name, start: time.Now(), pl: pl}
}

// Complete records the outcome and returns the elapsed time
func (op *Operation) Complete(err error) time.Duration {
	elapsed := time.Since(op.start)
	op.done.Do(func() {
		op.pl.record(op.name, elapsed, err)
	})
	return elapsed
}

func (pl *PerformanceLogger) record(name string, elapsed time.Duration, err error) {
	pl.mu.Lock()
	m := pl.metrics[name]
	m.Count++
	m.InFlight--
	m.TotalDuration += elapsed
	m.LastExecuted = time.Now()
	if m.Count == 1 || elapsed < m.MinDuration {
		m.MinDuration = elapsed
	}
	if elapsed > m.MaxDuration {
		m.MaxDuration = elapsed
	}
	m.AvgDuration = m.TotalDuration / time.Duration(m.Count)
	if err != nil {
		m.ErrorCount++
	}
	m.SuccessRate = float64(m.Count-m.ErrorCount) / float64(m.Count) * 100
	rate := m.SuccessRate
	pl.mu.Unlock()

	if err != nil {
		pl.logger.Warn("operation failed",
			"operation", name,
			"duration", elapsed.String(),
			"error", err,
			"success_rate", fmt.Sprintf("%.2f%%", rate),
		)
		return
	}
	if elapsed > pl.slowThreshold {
		pl.logger.Info("slow operation",
			"operation", name,
			"duration", elapsed.String(),
			"threshold", pl.slowThreshold.String(),
		)
	}
}

// Metric returns a copy of one operation's metric
func (pl *PerformanceLogger) Metric(name string) (OperationMetric, bool) {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	m, ok := pl.metrics[name]
	if !ok {
		return OperationMetric{}, false
	}
	return *m, true
}

// Snapshot returns copies of all metrics sorted by name
func (pl *PerformanceLogger) Snapshot() []OperationMetric {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	out := make([]OperationMetric, 0, len(pl.metrics))
	for _, m := range pl.metrics {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LogSummary writes one line per tracked operation
func (pl *PerformanceLogger) LogSummary() {
	for _, m := range pl.Snapshot() {
		pl.logger.Info("operation summary",
			"operation", m.Name,
			"count", m.Count,
			"avg_duration", m.AvgDuration.String(),
			"min_duration", m.MinDuration.String(),
			"max_duration", m.MaxDuration.String(),
			"success_rate", fmt.Sprintf("%.2f%%", m.SuccessRate),
			"max_in_flight", m.MaxInFlight,
		)
	}
}

// Reset clears all tracked metrics
func (pl *PerformanceLogger) Reset() {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.metrics = make(map[string]*OperationMetric)
}
