package storage

import (
	"errors"
	"time"
)

// ErrUnavailable marks a write path that cannot persist right now. Callers
// on the ingestion hot path buffer briefly and retry; sustained failure is
// reported upward, never fatal to the process.
var ErrUnavailable = errors.New("storage unavailable")

// Config configures the history store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Granularity selects a rollup bucket size.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

// Coarsest is the granularity pruning is gated on: raw samples may only be
// deleted once their day bucket has been rolled up.
const Coarsest = GranularityDay

func (g Granularity) Valid() bool {
	switch g {
	case GranularityMinute, GranularityHour, GranularityDay:
		return true
	}
	return false
}

// BucketMs returns the bucket width in milliseconds.
func (g Granularity) BucketMs() int64 {
	switch g {
	case GranularityMinute:
		return 60_000
	case GranularityHour:
		return 3_600_000
	case GranularityDay:
		return 86_400_000
	}
	return 0
}

// Truncate aligns t down to the bucket boundary (UTC).
func (g Granularity) Truncate(t time.Time) time.Time {
	w := g.BucketMs()
	if w <= 0 {
		return t
	}
	ms := t.UnixMilli()
	return time.UnixMilli(ms - ms%w).UTC()
}

// Rollup is a time-bucketed aggregate replacing raw samples for long-term
// retention. Keyed by (BucketStart, Granularity); rewriting it from the same
// raw samples yields the identical row.
type Rollup struct {
	BucketStart time.Time   `json:"bucket_start"`
	Granularity Granularity `json:"granularity"`
	SampleCount int         `json:"sample_count"`

	AvgDownloadBps float64 `json:"avg_download_bps"`
	MinDownloadBps float64 `json:"min_download_bps"`
	MaxDownloadBps float64 `json:"max_download_bps"`
	AvgUploadBps   float64 `json:"avg_upload_bps"`
	MinUploadBps   float64 `json:"min_upload_bps"`
	MaxUploadBps   float64 `json:"max_upload_bps"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	AvgObstruction float64 `json:"avg_obstruction_pct"`
}

// OutageEvent is a contiguous disconnected interval. EndTime is zero while
// the outage is ongoing; at most one open event exists at a time.
type OutageEvent struct {
	ID        int64     `json:"id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitzero"`
	CauseHint string    `json:"cause_hint,omitempty"`
}

func (o OutageEvent) Open() bool { return o.EndTime.IsZero() }

// SpeedTestResult records one scheduler-driven test run. Immutable.
type SpeedTestResult struct {
	ID             int64         `json:"id"`
	RunTime        time.Time     `json:"run_time"`
	Method         string        `json:"method_used"`
	DownloadBps    float64       `json:"download_bps"`
	UploadBps      float64       `json:"upload_bps"`
	LatencyMs      float64       `json:"latency_ms"`
	JitterMs       float64       `json:"jitter_ms,omitempty"`
	PacketLossPct  float64       `json:"packet_loss_pct,omitempty"`
	ServerLocation string        `json:"server_location,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
	Success        bool          `json:"success"`
	ErrorKind      string        `json:"error_kind,omitempty"`
}

// ScheduleConfig is the single persisted speed-test schedule record.
// The scheduler advances NextDue after each run; persisting it before the
// cooldown ends is what makes restarts resume without a retry storm.
type ScheduleConfig struct {
	Rule    string    `json:"recurrence_rule"`
	Enabled bool      `json:"enabled"`
	NextDue time.Time `json:"next_due_time,omitzero"`
	LastRun time.Time `json:"last_run,omitzero"`
}
