package health

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/ahenk-go/syncd/internal/metrics"
)

// MetricsWindow is a fixed-size circular buffer of float64 samples, used to
// smooth noisy per-peer measurements (RTT, clock drift, error rate) before
// they feed into a health score.
type MetricsWindow struct {
	samples []float64
	size    int
	index   int
	count   int
	mu      sync.RWMutex
}

// NewMetricsWindow creates a window holding up to size samples.
func NewMetricsWindow(size int) *MetricsWindow {
	return &MetricsWindow{samples: make([]float64, size), size: size}
}

// Add inserts a new sample, overwriting the oldest once the window is full.
func (mw *MetricsWindow) Add(value float64) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.samples[mw.index] = value
	mw.index = (mw.index + 1) % mw.size
	if mw.count < mw.size {
		mw.count++
	}
}

// GetAverage returns the mean of the samples currently in the window.
func (mw *MetricsWindow) GetAverage() float64 {
	mw.mu.RLock()
	defer mw.mu.RUnlock()
	if mw.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < mw.count; i++ {
		sum += mw.samples[i]
	}
	return sum / float64(mw.count)
}

// GetVariance returns the population variance of the samples in the window.
func (mw *MetricsWindow) GetVariance() float64 {
	mw.mu.RLock()
	defer mw.mu.RUnlock()
	if mw.count == 0 {
		return 0
	}
	mean := 0.0
	for i := 0; i < mw.count; i++ {
		mean += mw.samples[i]
	}
	mean /= float64(mw.count)

	variance := 0.0
	for i := 0; i < mw.count; i++ {
		diff := mw.samples[i] - mean
		variance += diff * diff
	}
	return variance / float64(mw.count)
}

// ScoreComponents breaks a peer's sync-health score into its inputs, useful
// for diagnostics and for the metrics gauges.
type ScoreComponents struct {
	RTTHealth   float64
	AvailHealth float64
	VarHealth   float64
	ErrorHealth float64
	ClockHealth float64
}

// Scorer computes one smoothed sync-health score from sliding windows of
// RTT, heartbeat success rate, RTT variance, send-error rate, and HLC clock
// drift; the sync manager feeds it samples aggregated across its whole peer
// table. Unlike the teacher's CCSComputer this never feeds a quorum
// adjuster — there is no quorum in an LWW CRDT design — and nothing ranks
// or reorders peers by it; the score is exposed through gauges for
// operational visibility.
type Scorer struct {
	mu sync.RWMutex

	rtt      *MetricsWindow
	success  *MetricsWindow
	variance *MetricsWindow
	errors   *MetricsWindow
	clock    *MetricsWindow
	history  *MetricsWindow

	alphaRTT   float64
	betaAvail  float64
	gammaVar   float64
	deltaError float64
	epsClock   float64

	rttBadThreshold   float64
	varBadThreshold   float64
	clockBadThreshold float64

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewScorer builds a Scorer. m may be nil (gauges are then skipped).
func NewScorer(logger *zap.Logger, m *metrics.Metrics) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		rtt:               NewMetricsWindow(10),
		success:           NewMetricsWindow(10),
		variance:          NewMetricsWindow(10),
		errors:            NewMetricsWindow(10),
		clock:             NewMetricsWindow(10),
		history:           NewMetricsWindow(10),
		alphaRTT:          0.20,
		betaAvail:         0.40,
		gammaVar:          0.15,
		deltaError:        0.15,
		epsClock:          0.10,
		rttBadThreshold:   0.2,
		varBadThreshold:   0.0025,
		clockBadThreshold: 0.1,
		logger:            logger,
		metrics:           m,
	}
}

// RecordSample folds in one measurement round (the sync manager aggregates
// each round across its peer table): average RTT in
// seconds, heartbeat success rate in [0,1], RTT variance, send-error rate in
// [0,1], and HLC clock drift in seconds.
func (s *Scorer) RecordSample(avgRTT, successRate, variance, errorRate, clockDrift float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtt.Add(avgRTT)
	s.success.Add(successRate)
	s.variance.Add(variance)
	s.errors.Add(errorRate)
	s.clock.Add(clockDrift)
}

// Score computes the current (unsmoothed) sync-health score in [0,1] along
// with its component breakdown, and appends it to the smoothing history.
func (s *Scorer) Score() (float64, ScoreComponents) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	avgRTT := s.rtt.GetAverage()
	successRate := s.success.GetAverage()
	variance := s.variance.GetAverage()
	errorRate := s.errors.GetAverage()
	clockDrift := s.clock.GetAverage()

	rttHealth := 1.0 - math.Min(avgRTT/s.rttBadThreshold, 1.0)
	availHealth := successRate
	varHealth := 1.0 - math.Min(variance/s.varBadThreshold, 1.0)
	errorHealth := 1.0 - errorRate
	clockHealth := 1.0 - math.Min(clockDrift/s.clockBadThreshold, 1.0)

	score := s.alphaRTT*rttHealth + s.betaAvail*availHealth + s.gammaVar*varHealth +
		s.deltaError*errorHealth + s.epsClock*clockHealth

	components := ScoreComponents{
		RTTHealth:   rttHealth,
		AvailHealth: availHealth,
		VarHealth:   varHealth,
		ErrorHealth: errorHealth,
		ClockHealth: clockHealth,
	}

	s.history.Add(score)
	if s.metrics != nil {
		s.metrics.SetSyncHealth(score, s.history.GetAverage(), metrics.SyncHealthComponents{
			RTT:   rttHealth,
			Avail: availHealth,
			Var:   varHealth,
			Error: errorHealth,
			Clock: clockHealth,
		})
	}
	return score, components
}

// Smoothed returns the moving average of recent Score() calls.
func (s *Scorer) Smoothed() float64 {
	return s.history.GetAverage()
}
