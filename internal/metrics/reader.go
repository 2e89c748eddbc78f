package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MetricsReader provides in-process access to metric values by reading
// directly off the registered collectors, with no network round trip.
type MetricsReader struct {
	metrics *Metrics
}

// HistogramStats summarizes a histogram snapshot.
type HistogramStats struct {
	Count uint64
	Sum   float64
	Avg   float64
	P95   float64
}

// NewMetricsReader builds a reader over m.
func NewMetricsReader(m *Metrics) *MetricsReader {
	return &MetricsReader{metrics: m}
}

// GetCounterValue reads the current value of a counter.
func (r *MetricsReader) GetCounterValue(counter prometheus.Counter) (float64, error) {
	var d dto.Metric
	if err := counter.(prometheus.Metric).Write(&d); err != nil {
		return 0, err
	}
	return d.GetCounter().GetValue(), nil
}

// GetGaugeValue reads the current value of a gauge.
func (r *MetricsReader) GetGaugeValue(gauge prometheus.Gauge) (float64, error) {
	var d dto.Metric
	if err := gauge.(prometheus.Metric).Write(&d); err != nil {
		return 0, err
	}
	return d.GetGauge().GetValue(), nil
}

// GetHistogramStats extracts count/sum/avg/p95 from a histogram observer.
func (r *MetricsReader) GetHistogramStats(hist prometheus.Observer) (*HistogramStats, error) {
	var d dto.Metric
	if err := hist.(prometheus.Metric).Write(&d); err != nil {
		return nil, err
	}
	h := d.GetHistogram()
	stats := &HistogramStats{Count: h.GetSampleCount(), Sum: h.GetSampleSum()}
	if stats.Count > 0 {
		stats.Avg = stats.Sum / float64(stats.Count)
	}
	stats.P95 = r.estimatePercentile(h, 0.95)
	return stats, nil
}

func (r *MetricsReader) estimatePercentile(hist *dto.Histogram, percentile float64) float64 {
	total := hist.GetSampleCount()
	if total == 0 {
		return 0
	}
	target := float64(total) * percentile
	for _, bucket := range hist.GetBucket() {
		if float64(bucket.GetCumulativeCount()) >= target {
			return bucket.GetUpperBound()
		}
	}
	return 0
}

// GetHeartbeatRTT reads the last observed heartbeat RTT for peer.
func (r *MetricsReader) GetHeartbeatRTT(peer string) (float64, error) {
	gauge, err := r.metrics.HeartbeatRTT.GetMetricWithLabelValues(peer)
	if err != nil {
		return 0, fmt.Errorf("heartbeat rtt for peer %s: %w", peer, err)
	}
	return r.GetGaugeValue(gauge)
}

// GetAverageHeartbeatRTT averages heartbeat RTT across peers, skipping
// peers with no recorded sample.
func (r *MetricsReader) GetAverageHeartbeatRTT(peers []string) float64 {
	var total float64
	var n int
	for _, p := range peers {
		rtt, err := r.GetHeartbeatRTT(p)
		if err != nil || rtt <= 0 {
			continue
		}
		total += rtt
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// GetClockDrift reads the observed HLC drift against peer, in seconds.
func (r *MetricsReader) GetClockDrift(peer string) (float64, error) {
	gauge, err := r.metrics.ClockDrift.GetMetricWithLabelValues(peer)
	if err != nil {
		return 0, fmt.Errorf("clock drift for peer %s: %w", peer, err)
	}
	return r.GetGaugeValue(gauge)
}

// GetClockDriftStats averages clock drift across peers, skipping peers
// with no recorded sample (a zero reading counts as no sample).
func (r *MetricsReader) GetClockDriftStats(peers []string) float64 {
	var total float64
	var n int
	for _, p := range peers {
		drift, err := r.GetClockDrift(p)
		if err != nil || drift == 0 {
			continue
		}
		total += drift
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// GetMergeConflictRate returns resolved/(detected), or 1.0 (fully resolved)
// when nothing has been detected yet.
func (r *MetricsReader) GetMergeConflictRate() float64 {
	detected, err := r.GetCounterValue(r.metrics.MergeConflictsDetected)
	if err != nil || detected == 0 {
		return 1.0
	}
	resolved, err := r.GetCounterValue(r.metrics.MergeConflictsResolved)
	if err != nil {
		return 0
	}
	return resolved / detected
}
