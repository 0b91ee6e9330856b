package ecosystem

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/strategy"
)

// Response time buckets
const (
	BucketUnder500ms = "<500ms"
	Bucket500msTo1s  = "500ms-1s"
	Bucket1sTo2s     = "1s-2s"
	Bucket2sTo5s     = "2s-5s"
	BucketOver5s     = ">5s"
)

// Buckets lists the response time buckets in ascending order
var Buckets = []string{BucketUnder500ms, Bucket500msTo1s, Bucket1sTo2s, Bucket2sTo5s, BucketOver5s}

func bucketFor(d time.Duration) string {
	switch {
	case d < 500*time.Millisecond:
		return BucketUnder500ms
	case d < time.Second:
		return Bucket500msTo1s
	case d < 2*time.Second:
		return Bucket1sTo2s
	case d < 5*time.Second:
		return Bucket2sTo5s
	default:
		return BucketOver5s
	}
}

// ErrorRecord is one failed request
type ErrorRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Type      pkg.ErrorType `json:"type"`
	Message   string        `json:"message"`
	Strategy  strategy.Name `json:"strategy,omitempty"`
}

// RequestCounters are the process-wide request totals
type RequestCounters struct {
	Total             int64            `json:"totalRequests"`
	Successful        int64            `json:"successfulRequests"`
	Failed            int64            `json:"failedRequests"`
	SuccessRate       float64          `json:"successRate"`
	AverageResponseMs float64          `json:"averageResponseMs"`
	ResponseTimes     map[string]int64 `json:"responseTimes"`
}

// Usage counts requests per strategy and per accessor
type Usage struct {
	ByStrategy map[strategy.Name]int64 `json:"byStrategy"`
	ByAccessor map[string]int64        `json:"byAccessor"`
}

// counters holds request bookkeeping with a ring of recent errors
type counters struct {
	mu sync.Mutex

	total, successful, failed int64
	totalDuration             time.Duration
	buckets                   map[string]int64

	byType map[pkg.ErrorType]int64
	recent []ErrorRecord
	next   int
	size   int

	byStrategy map[strategy.Name]int64
	byAccessor map[string]int64
}

func newCounters(recentCapacity int) *counters {
	c := &counters{recent: make([]ErrorRecord, recentCapacity)}
	c.reset()
	return c
}

func (c *counters) reset() {
	c.total, c.successful, c.failed = 0, 0, 0
	c.totalDuration = 0
	c.buckets = make(map[string]int64, len(Buckets))
	for _, b := range Buckets {
		c.buckets[b] = 0
	}
	c.byType = make(map[pkg.ErrorType]int64, len(pkg.AllErrorTypes))
	for _, t := range pkg.AllErrorTypes {
		c.byType[t] = 0
	}
	c.recent = make([]ErrorRecord, len(c.recent))
	c.next, c.size = 0, 0
	c.byStrategy = make(map[strategy.Name]int64)
	c.byAccessor = make(map[string]int64)
}

// Reset zeroes every counter
func (c *counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *counters) recordRequest(elapsed time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	c.totalDuration += elapsed
	c.buckets[bucketFor(elapsed)]++
	if err != nil {
		c.failed++
	} else {
		c.successful++
	}
}

func (c *counters) recordError(rec ErrorRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byType[rec.Type]++
	if len(c.recent) == 0 {
		return
	}
	c.recent[c.next] = rec
	c.next = (c.next + 1) % len(c.recent)
	if c.size < len(c.recent) {
		c.size++
	}
}

func (c *counters) recordUsage(name strategy.Name, accessor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byStrategy[name]++
	c.byAccessor[accessor]++
}

func (c *counters) requests() RequestCounters {
	c.mu.Lock()
	defer c.mu.Unlock()

	rc := RequestCounters{
		Total:         c.total,
		Successful:    c.successful,
		Failed:        c.failed,
		ResponseTimes: make(map[string]int64, len(c.buckets)),
	}
	for k, v := range c.buckets {
		rc.ResponseTimes[k] = v
	}
	if c.total > 0 {
		rc.SuccessRate = float64(c.successful) / float64(c.total)
		rc.AverageResponseMs = float64(c.totalDuration.Milliseconds()) / float64(c.total)
	}
	return rc
}

func (c *counters) errorsByType() map[pkg.ErrorType]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[pkg.ErrorType]int64, len(c.byType))
	for k, v := range c.byType {
		out[k] = v
	}
	return out
}

// recentErrors returns the retained errors, newest first
func (c *counters) recentErrors() []ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ErrorRecord, 0, c.size)
	for i := 0; i < c.size; i++ {
		idx := (c.next - 1 - i + len(c.recent)) % len(c.recent)
		out = append(out, c.recent[idx])
	}
	return out
}

func (c *counters) usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := Usage{
		ByStrategy: make(map[strategy.Name]int64, len(c.byStrategy)),
		ByAccessor: make(map[string]int64, len(c.byAccessor)),
	}
	for k, v := range c.byStrategy {
		u.ByStrategy[k] = v
	}
	for k, v := range c.byAccessor {
		u.ByAccessor[k] = v
	}
	return u
}
