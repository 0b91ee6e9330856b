package audit

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/markus-lassfolk/locator/pkg/logx"
)

// PatternType is the kind of access pattern detected
type PatternType string

const (
	PatternDenialBurst PatternType = "denial_burst"
	PatternSpike       PatternType = "spike"
	PatternSlowAccess  PatternType = "slow_access"
)

// Pattern is a notable run of audit entries
type Pattern struct {
	Type        PatternType            `json:"type"`
	Accessor    string                 `json:"accessor,omitempty"`
	Confidence  float64                `json:"confidence"` // 0..1
	Severity    string                 `json:"severity"`
	StartTime   time.Time              `json:"startTime"`
	EndTime     time.Time              `json:"endTime"`
	Count       int                    `json:"count"`
	Description string                 `json:"description"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
}

// PatternConfig tunes detection thresholds
type PatternConfig struct {
	Window          time.Duration `json:"window"`           // bucket size for bursts and spikes
	DenialThreshold int           `json:"denial_threshold"` // failures per accessor per window
	SpikeFactor     float64       `json:"spike_factor"`     // multiple of the mean bucket count
	SlowZScore      float64       `json:"slow_z_score"`
}

// DefaultPatternConfig returns the default thresholds
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		Window:          time.Minute,
		DenialThreshold: 5,
		SpikeFactor:     3,
		SlowZScore:      3,
	}
}

// PatternAnalyzer scans audit entries for suspicious access
type PatternAnalyzer struct {
	logger *logx.Logger
	config PatternConfig
}

// NewPatternAnalyzer creates an analyzer; zero config fields take defaults
func NewPatternAnalyzer(logger *logx.Logger, cfg PatternConfig) *PatternAnalyzer {
	def := DefaultPatternConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.DenialThreshold <= 0 {
		cfg.DenialThreshold = def.DenialThreshold
	}
	if cfg.SpikeFactor <= 1 {
		cfg.SpikeFactor = def.SpikeFactor
	}
	if cfg.SlowZScore <= 0 {
		cfg.SlowZScore = def.SlowZScore
	}
	return &PatternAnalyzer{logger: logger, config: cfg}
}

// Analyze returns detected patterns, most confident first
func (pa *PatternAnalyzer) Analyze(entries []*Entry) []Pattern {
	if len(entries) == 0 {
		return nil
	}
	sorted := make([]*Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var patterns []Pattern
	patterns = append(patterns, pa.detectDenialBursts(sorted)...)
	patterns = append(patterns, pa.detectSpikes(sorted)...)
	patterns = append(patterns, pa.detectSlowAccess(sorted)...)

	sort.SliceStable(patterns, func(i, j int) bool { return patterns[i].Confidence > patterns[j].Confidence })
	if len(patterns) > 0 {
		pa.logger.Debug("audit patterns detected", "count", len(patterns))
	}
	return patterns
}

// detectDenialBursts flags accessors with many failures inside one window
func (pa *PatternAnalyzer) detectDenialBursts(entries []*Entry) []Pattern {
	type bucket struct {
		accessor string
		start    time.Time
	}
	counts := make(map[bucket][]*Entry)
	for _, e := range entries {
		if e.Result != ResultFailure {
			continue
		}
		b := bucket{e.Accessor, e.Timestamp.Truncate(pa.config.Window)}
		counts[b] = append(counts[b], e)
	}

	var patterns []Pattern
	for b, es := range counts {
		if len(es) < pa.config.DenialThreshold {
			continue
		}
		confidence := math.Min(float64(len(es))/float64(2*pa.config.DenialThreshold), 1)
		patterns = append(patterns, Pattern{
			Type:        PatternDenialBurst,
			Accessor:    b.accessor,
			Confidence:  confidence,
			Severity:    severity(confidence),
			StartTime:   es[0].Timestamp,
			EndTime:     es[len(es)-1].Timestamp,
			Count:       len(es),
			Description: fmt.Sprintf("%d failed accesses by %s within %s", len(es), b.accessor, pa.config.Window),
		})
	}
	return patterns
}

// detectSpikes flags windows with far more accesses than the average window
func (pa *PatternAnalyzer) detectSpikes(entries []*Entry) []Pattern {
	windows := make(map[time.Time]int)
	for _, e := range entries {
		windows[e.Timestamp.Truncate(pa.config.Window)]++
	}
	if len(windows) < 3 {
		return nil
	}

	var patterns []Pattern
	for start, count := range windows {
		// compare against the other windows so the spike does not raise its own baseline
		avg := float64(len(entries)-count) / float64(len(windows)-1)
		if avg == 0 || float64(count) < avg*pa.config.SpikeFactor {
			continue
		}
		ratio := float64(count) / avg
		confidence := math.Min(ratio/(2*pa.config.SpikeFactor), 1)
		patterns = append(patterns, Pattern{
			Type:        PatternSpike,
			Confidence:  confidence,
			Severity:    severity(confidence),
			StartTime:   start,
			EndTime:     start.Add(pa.config.Window),
			Count:       count,
			Description: fmt.Sprintf("%d accesses in %s window (avg %.1f)", count, pa.config.Window, avg),
			Metrics:     map[string]interface{}{"average_per_window": avg, "spike_ratio": ratio},
		})
	}
	return patterns
}

// detectSlowAccess flags entries whose duration is an outlier
func (pa *PatternAnalyzer) detectSlowAccess(entries []*Entry) []Pattern {
	if len(entries) < 5 {
		return nil
	}
	values := make([]float64, len(entries))
	for i, e := range entries {
		values[i] = float64(e.Duration)
	}
	mean, std := meanStd(values)
	if std == 0 {
		return nil
	}

	var patterns []Pattern
	for i, e := range entries {
		z := (values[i] - mean) / std
		if z < pa.config.SlowZScore {
			continue
		}
		confidence := math.Min(z/(2*pa.config.SlowZScore), 1)
		patterns = append(patterns, Pattern{
			Type:        PatternSlowAccess,
			Accessor:    e.Accessor,
			Confidence:  confidence,
			Severity:    severity(confidence),
			StartTime:   e.Timestamp,
			EndTime:     e.Timestamp,
			Count:       1,
			Description: fmt.Sprintf("%s access took %s (z-score %.1f)", e.Type, e.Duration, z),
			Metrics:     map[string]interface{}{"entry_id": e.ID, "z_score": z},
		})
	}
	return patterns
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func severity(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return "critical"
	case confidence >= 0.6:
		return "high"
	case confidence >= 0.4:
		return "medium"
	default:
		return "low"
	}
}
