package strategy

import (
	"math"

	"github.com/sajari/regression"
)

const trendWindow = 20

// Metric is the rolling record of one strategy
type Metric struct {
	UsageCount      int64   `json:"usageCount"`
	ErrorCount      int64   `json:"errorCount"`
	AvgResponseTime float64 `json:"avgResponseTime"` // milliseconds
	AvgAccuracy     float64 `json:"avgAccuracy"`     // meters
	PowerEfficiency float64 `json:"powerEfficiency"`
	SuccessRate     float64 `json:"successRate"`

	// ResponseTimeTrend is the least-squares slope of recent response
	// times in ms per execution; positive means getting slower
	ResponseTimeTrend float64 `json:"responseTimeTrend"`
}

type metricState struct {
	Metric
	rtInitialized  bool
	accInitialized bool
	samples        []float64
}

func newMetricState(power float64) *metricState {
	return &metricState{Metric: Metric{PowerEfficiency: power, SuccessRate: 1}}
}

// blend folds a sample into a running average with weight alpha
func blend(old, sample, alpha float64, initialized bool) float64 {
	if !initialized {
		return sample
	}
	return old*(1-alpha) + sample*alpha
}

func (s *metricState) record(responseMs float64, accuracy *float64, failed bool, alpha float64) {
	s.UsageCount++
	if failed {
		s.ErrorCount++
	}
	s.SuccessRate = float64(s.UsageCount-s.ErrorCount) / float64(s.UsageCount)

	s.AvgResponseTime = blend(s.AvgResponseTime, responseMs, alpha, s.rtInitialized)
	s.rtInitialized = true

	if accuracy != nil {
		s.AvgAccuracy = blend(s.AvgAccuracy, *accuracy, alpha, s.accInitialized)
		s.accInitialized = true
	}

	s.samples = append(s.samples, responseMs)
	if len(s.samples) > trendWindow {
		s.samples = s.samples[len(s.samples)-trendWindow:]
	}
}

func (s *metricState) snapshot() Metric {
	m := s.Metric
	m.ResponseTimeTrend = trend(s.samples)
	return m
}

// trend fits response time against sample index; fewer than three samples
// or a degenerate fit yield zero
func trend(samples []float64) float64 {
	if len(samples) < 3 {
		return 0
	}

	r := new(regression.Regression)
	r.SetObserved("response_ms")
	r.SetVar(0, "sample")
	for i, y := range samples {
		r.Train(regression.DataPoint(y, []float64{float64(i)}))
	}
	if err := r.Run(); err != nil {
		return 0
	}
	slope := r.Coeff(1)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0
	}
	return slope
}
