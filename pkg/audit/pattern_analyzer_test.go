package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locator/pkg/logx"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func entry(offset time.Duration, accessor string, result Result, d time.Duration) *Entry {
	return &Entry{Timestamp: t0.Add(offset), Type: AccessRead, Accessor: accessor, Result: result, Duration: d}
}

func TestDenialBurst(t *testing.T) {
	pa := NewPatternAnalyzer(logx.NewNopLogger(), PatternConfig{DenialThreshold: 3})

	var entries []*Entry
	for i := 0; i < 4; i++ {
		entries = append(entries, entry(time.Duration(i)*time.Second, "scraper", ResultFailure, time.Millisecond))
	}
	entries = append(entries, entry(5*time.Second, "dashboard", ResultFailure, time.Millisecond))

	patterns := pa.Analyze(entries)
	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, PatternDenialBurst, p.Type)
	assert.Equal(t, "scraper", p.Accessor)
	assert.Equal(t, 4, p.Count)
	assert.InDelta(t, 4.0/6.0, p.Confidence, 1e-9)
	assert.Equal(t, "high", p.Severity)
}

func TestSpike(t *testing.T) {
	pa := NewPatternAnalyzer(logx.NewNopLogger(), PatternConfig{})

	var entries []*Entry
	for m := 0; m < 4; m++ {
		entries = append(entries, entry(time.Duration(m)*time.Minute, "app", ResultSuccess, time.Millisecond))
	}
	for i := 0; i < 6; i++ {
		entries = append(entries, entry(4*time.Minute+time.Duration(i)*time.Second, "app", ResultSuccess, time.Millisecond))
	}

	patterns := pa.Analyze(entries)
	require.Len(t, patterns, 1)
	assert.Equal(t, PatternSpike, patterns[0].Type)
	assert.Equal(t, 6, patterns[0].Count)
	assert.Equal(t, t0.Add(4*time.Minute), patterns[0].StartTime)
}

func TestSlowAccess(t *testing.T) {
	pa := NewPatternAnalyzer(logx.NewNopLogger(), PatternConfig{SlowZScore: 2})

	var entries []*Entry
	for i := 0; i < 9; i++ {
		entries = append(entries, entry(time.Duration(i)*time.Minute, "app", ResultSuccess, 10*time.Millisecond))
	}
	slow := entry(9*time.Minute, "app", ResultSuccess, 5*time.Second)
	slow.ID = "slow-one"
	entries = append(entries, slow)

	patterns := pa.Analyze(entries)
	require.Len(t, patterns, 1)
	assert.Equal(t, PatternSlowAccess, patterns[0].Type)
	assert.Equal(t, "slow-one", patterns[0].Metrics["entry_id"])
}

func TestAnalyzeQuiet(t *testing.T) {
	pa := NewPatternAnalyzer(logx.NewNopLogger(), PatternConfig{})
	assert.Empty(t, pa.Analyze(nil))
	assert.Empty(t, pa.Analyze([]*Entry{entry(0, "app", ResultSuccess, time.Millisecond)}))
}
