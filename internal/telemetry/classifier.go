package telemetry

import (
	"context"
	"fmt"
	"time"
)

// Basis values for a SpeedEstimate.
const (
	BasisMeasured     = "measured"
	BasisIdleFallback = "idle-fallback"
)

// SpeedEstimate is the classifier's view of current throughput.
// Derived and ephemeral; recomputed per request, never stored.
type SpeedEstimate struct {
	DownloadBps     float64   `json:"download_bps"`
	UploadBps       float64   `json:"upload_bps"`
	PeakDownloadBps float64   `json:"peak_download_bps"`
	PeakUploadBps   float64   `json:"peak_upload_bps"`
	Basis           string    `json:"basis"`
	SampleCount     int       `json:"sample_count"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
}

// SampleReader is the read slice of the history store the classifier needs.
type SampleReader interface {
	Samples(ctx context.Context, from, to time.Time) ([]Sample, error)
	LatestSample(ctx context.Context) (Sample, bool, error)
}

// ClassifierConfig carries the usage-detection policy knobs.
// The defaults mirror the dish's reporting behavior: a satellite link's
// instantaneous bitrate reflects offered load, not capacity, so only
// traffic above the threshold counts as evidence of real usage.
type ClassifierConfig struct {
	// Window is how far back to look for active samples.
	Window time.Duration
	// ActiveThresholdBps marks a sample as active when either direction
	// exceeds it.
	ActiveThresholdBps float64
}

func (c ClassifierConfig) withDefaults() ClassifierConfig {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.ActiveThresholdBps <= 0 {
		c.ActiveThresholdBps = 1e6
	}
	return c
}

// Classifier computes speed estimates from recent history.
type Classifier struct {
	cfg    ClassifierConfig
	reader SampleReader
}

func NewClassifier(cfg ClassifierConfig, reader SampleReader) *Classifier {
	return &Classifier{cfg: cfg.withDefaults(), reader: reader}
}

// Apply swaps the policy knobs (hot config reload).
func (c *Classifier) Apply(cfg ClassifierConfig) { c.cfg = cfg.withDefaults() }

// Estimate scans samples in [now-Window, now].
//
// If any sample in the window is active, the estimate is the mean of exactly
// the active samples with basis "measured". Otherwise it falls back to the
// most recent sample's instantaneous rates with basis "idle-fallback".
// With no samples at all it returns ErrNoData.
func (c *Classifier) Estimate(ctx context.Context, now time.Time) (SpeedEstimate, error) {
	cfg := c.cfg
	from := now.Add(-cfg.Window)

	window, err := c.reader.Samples(ctx, from, now)
	if err != nil {
		return SpeedEstimate{}, fmt.Errorf("read sample window: %w", err)
	}

	est := SpeedEstimate{WindowStart: from, WindowEnd: now}

	var (
		active           int
		sumDown, sumUp   float64
		peakDown, peakUp float64
	)
	for _, s := range window {
		// Peaks cover every sample in the window, not just the active ones;
		// one direction crossing the threshold must not hide a higher rate
		// elsewhere.
		if s.DownloadBps > peakDown {
			peakDown = s.DownloadBps
		}
		if s.UploadBps > peakUp {
			peakUp = s.UploadBps
		}
		if s.DownloadBps <= cfg.ActiveThresholdBps && s.UploadBps <= cfg.ActiveThresholdBps {
			continue
		}
		active++
		sumDown += s.DownloadBps
		sumUp += s.UploadBps
	}

	if active > 0 {
		est.Basis = BasisMeasured
		est.SampleCount = active
		est.DownloadBps = sumDown / float64(active)
		est.UploadBps = sumUp / float64(active)
		est.PeakDownloadBps = peakDown
		est.PeakUploadBps = peakUp
		return est, nil
	}

	// No usage evidence in the window: report the latest instantaneous
	// rates instead of claiming the link is slow.
	latest, ok, err := c.reader.LatestSample(ctx)
	if err != nil {
		return SpeedEstimate{}, fmt.Errorf("read latest sample: %w", err)
	}
	if !ok {
		return SpeedEstimate{}, ErrNoData
	}

	est.Basis = BasisIdleFallback
	est.SampleCount = 1
	est.DownloadBps = latest.DownloadBps
	est.UploadBps = latest.UploadBps
	est.PeakDownloadBps = latest.DownloadBps
	est.PeakUploadBps = latest.UploadBps
	return est, nil
}
