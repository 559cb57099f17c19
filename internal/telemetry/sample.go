// Package telemetry defines the terminal sample model and the active-usage
// classifier that turns a window of raw samples into a current-speed estimate.
package telemetry

import (
	"context"
	"errors"
	"time"
)

// ErrTransientUnavailable marks a sample-source hiccup. The collector retries
// it with backoff; it only counts toward an outage when sustained.
var ErrTransientUnavailable = errors.New("sample source transiently unavailable")

// ErrNoData means there is nothing to estimate from (cold start, or the
// source has never produced a sample).
var ErrNoData = errors.New("no telemetry data available")

// Sample is one bulk-history telemetry reading. Immutable once recorded.
type Sample struct {
	Timestamp      time.Time `json:"timestamp"`
	DownloadBps    float64   `json:"download_bps"`
	UploadBps      float64   `json:"upload_bps"`
	LatencyMs      float64   `json:"latency_ms"`
	ObstructionPct float64   `json:"obstruction_pct"`
	SNRAboveNoise  bool      `json:"snr_above_noise"`
	GPSValid       bool      `json:"gps_valid"`
	GPSSats        int       `json:"gps_sats"`
	UptimeS        int64     `json:"uptime_s"`
	QualityScore   int       `json:"quality_score"`
	HWVersion      string    `json:"hw_version,omitempty"`
	SWVersion      string    `json:"sw_version,omitempty"`
}

// Healthy reports whether the sample shows a reachable link.
// Zero latency means the dish did not answer; anything past 2s is treated
// as unreachable rather than merely slow.
func (s Sample) Healthy() bool {
	return s.LatencyMs > 0 && s.LatencyMs < 2000
}

// Source yields telemetry samples at the dish's cadence.
//
// Next blocks until a sample is available, the context ends, or the source
// fails. Transient failures are reported as ErrTransientUnavailable (possibly
// wrapped); the source must be restartable after them with no carried state.
type Source interface {
	Next(ctx context.Context) (Sample, error)
}
