package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memReader struct {
	samples []Sample
}

func (m *memReader) Samples(_ context.Context, from, to time.Time) ([]Sample, error) {
	var out []Sample
	for _, s := range m.samples {
		if s.Timestamp.Before(from) || s.Timestamp.After(to) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memReader) LatestSample(_ context.Context) (Sample, bool, error) {
	if len(m.samples) == 0 {
		return Sample{}, false, nil
	}
	latest := m.samples[0]
	for _, s := range m.samples[1:] {
		if s.Timestamp.After(latest.Timestamp) {
			latest = s
		}
	}
	return latest, true, nil
}

func TestEstimateMeasuredMeanOfActiveSamples(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &memReader{samples: []Sample{
		{Timestamp: now.Add(-4 * time.Minute), DownloadBps: 8e6, UploadBps: 2e6},
		{Timestamp: now.Add(-3 * time.Minute), DownloadBps: 4e6, UploadBps: 1.5e6},
		{Timestamp: now.Add(-2 * time.Minute), DownloadBps: 0.2e6, UploadBps: 0.1e6}, // idle
		{Timestamp: now.Add(-1 * time.Minute), DownloadBps: 0, UploadBps: 0},         // idle
	}}

	c := NewClassifier(ClassifierConfig{}, reader)
	est, err := c.Estimate(context.Background(), now)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.Basis != BasisMeasured {
		t.Fatalf("Basis = %q, want %q", est.Basis, BasisMeasured)
	}
	if est.SampleCount != 2 {
		t.Fatalf("SampleCount = %d, want 2", est.SampleCount)
	}
	if est.DownloadBps != 6e6 {
		t.Fatalf("DownloadBps = %v, want 6e6", est.DownloadBps)
	}
	if est.UploadBps != 1.75e6 {
		t.Fatalf("UploadBps = %v, want 1.75e6", est.UploadBps)
	}
	if est.PeakDownloadBps != 8e6 || est.PeakUploadBps != 2e6 {
		t.Fatalf("peaks = %v/%v, want 8e6/2e6", est.PeakDownloadBps, est.PeakUploadBps)
	}
}

// Peaks are taken over the whole window. An inactive sample may still hold
// the window's highest rate in one direction.
func TestEstimatePeaksCoverInactiveSamples(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &memReader{samples: []Sample{
		{Timestamp: now.Add(-2 * time.Minute), DownloadBps: 2e6, UploadBps: 0.5e6},    // active via download
		{Timestamp: now.Add(-1 * time.Minute), DownloadBps: 0.9e6, UploadBps: 0.95e6}, // inactive
	}}

	c := NewClassifier(ClassifierConfig{}, reader)
	est, err := c.Estimate(context.Background(), now)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.Basis != BasisMeasured || est.SampleCount != 1 {
		t.Fatalf("basis/count = %q/%d, want measured/1", est.Basis, est.SampleCount)
	}
	if est.PeakDownloadBps != 2e6 {
		t.Fatalf("PeakDownloadBps = %v, want 2e6", est.PeakDownloadBps)
	}
	if est.PeakUploadBps != 0.95e6 {
		t.Fatalf("PeakUploadBps = %v, want 0.95e6", est.PeakUploadBps)
	}
}

func TestEstimateIdleFallbackUsesLatestSample(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &memReader{samples: []Sample{
		{Timestamp: now.Add(-3 * time.Minute), DownloadBps: 0.4e6, UploadBps: 0.2e6},
		{Timestamp: now.Add(-30 * time.Second), DownloadBps: 0.9e6, UploadBps: 0.3e6},
	}}

	c := NewClassifier(ClassifierConfig{}, reader)
	est, err := c.Estimate(context.Background(), now)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.Basis != BasisIdleFallback {
		t.Fatalf("Basis = %q, want %q", est.Basis, BasisIdleFallback)
	}
	if est.DownloadBps != 0.9e6 || est.UploadBps != 0.3e6 {
		t.Fatalf("rates = %v/%v, want latest sample's", est.DownloadBps, est.UploadBps)
	}
	if est.PeakDownloadBps != est.DownloadBps || est.PeakUploadBps != est.UploadBps {
		t.Fatal("idle-fallback peaks must equal current values")
	}
}

// Minute 1 carries 5 Mbps, minutes 2-6 are silent. At minute 6 the window
// no longer covers minute 1, so the estimate must fall back to idle.
func TestEstimateWindowBoundaryExcludesOldActivity(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &memReader{}
	for i := 0; i < 6*60; i++ {
		ts := start.Add(time.Duration(i) * time.Second)
		var down float64
		if i < 60 {
			down = 5e6
		}
		reader.samples = append(reader.samples, Sample{Timestamp: ts, DownloadBps: down})
	}

	now := start.Add(6 * time.Minute)
	c := NewClassifier(ClassifierConfig{}, reader)
	est, err := c.Estimate(context.Background(), now)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.Basis != BasisIdleFallback {
		t.Fatalf("Basis = %q, want %q", est.Basis, BasisIdleFallback)
	}
	if est.DownloadBps != 0 {
		t.Fatalf("DownloadBps = %v, want 0", est.DownloadBps)
	}
}

func TestEstimateNoData(t *testing.T) {
	t.Parallel()
	c := NewClassifier(ClassifierConfig{}, &memReader{})
	_, err := c.Estimate(context.Background(), time.Now())
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}

func TestQualityScoreBounds(t *testing.T) {
	t.Parallel()
	if got := QualityScore(20, 100e6, 20e6, 0, true); got != 100 {
		t.Fatalf("pristine link score = %d, want 100", got)
	}
	if got := QualityScore(500, 0.1e6, 0.05e6, 50, false); got != 0 {
		t.Fatalf("dead link score = %d, want 0", got)
	}
	if got := QualityScore(80, 30e6, 10e6, 2, true); got != 100-20-5-5-10 {
		t.Fatalf("mid link score = %d", got)
	}
}
