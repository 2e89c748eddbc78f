package health

import "testing"

func TestMetricsWindow_AverageAndVariance(t *testing.T) {
	w := NewMetricsWindow(3)
	w.Add(1)
	w.Add(2)
	w.Add(3)

	if avg := w.GetAverage(); avg != 2 {
		t.Fatalf("GetAverage() = %v, want 2", avg)
	}

	w.Add(10) // overwrites the oldest sample (1)
	if avg := w.GetAverage(); avg != 5 {
		t.Fatalf("GetAverage() after overwrite = %v, want 5 (2,3,10)/3", avg)
	}
}

func TestMetricsWindow_EmptyWindow(t *testing.T) {
	w := NewMetricsWindow(5)
	if avg := w.GetAverage(); avg != 0 {
		t.Fatalf("GetAverage() on empty window = %v, want 0", avg)
	}
	if v := w.GetVariance(); v != 0 {
		t.Fatalf("GetVariance() on empty window = %v, want 0", v)
	}
}

func TestScorer_PerfectHealthScoresOne(t *testing.T) {
	s := NewScorer(nil, nil)
	s.RecordSample(0, 1.0, 0, 0, 0)

	score, components := s.Score()
	if score < 0.999 {
		t.Fatalf("expected a near-perfect score for ideal metrics, got %v", score)
	}
	if components.AvailHealth != 1.0 {
		t.Fatalf("expected AvailHealth 1.0, got %v", components.AvailHealth)
	}
}

func TestScorer_DegradedHealthScoresLower(t *testing.T) {
	s := NewScorer(nil, nil)
	s.RecordSample(0, 1.0, 0, 0, 0)
	good, _ := s.Score()

	bad := NewScorer(nil, nil)
	bad.RecordSample(0.5, 0.2, 0.01, 0.5, 0.5) // high rtt, low availability, etc.
	degraded, _ := bad.Score()

	if degraded >= good {
		t.Fatalf("expected degraded metrics to score lower: degraded=%v good=%v", degraded, good)
	}
}

func TestScorer_SmoothedIsMovingAverage(t *testing.T) {
	s := NewScorer(nil, nil)
	s.RecordSample(0, 1.0, 0, 0, 0)
	s.Score()
	s.RecordSample(0, 0.0, 0, 0, 0)
	s.Score()

	smoothed := s.Smoothed()
	if smoothed <= 0 || smoothed >= 1 {
		t.Fatalf("expected smoothed score strictly between the two extremes, got %v", smoothed)
	}
}
