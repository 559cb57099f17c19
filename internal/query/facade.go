// Package query is the read-only composition layer: it joins the usage
// classifier, the history store and the speed-test scheduler into the
// response objects the presentation layer consumes. Nothing here mutates
// state except the explicit trigger/schedule passthroughs.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dishmon/internal/clock"
	"dishmon/internal/speedtest"
	"dishmon/internal/storage"
	"dishmon/internal/telemetry"
)

// BasisUnknown is reported when the classifier has no data at all (cold
// start before the first sample lands).
const BasisUnknown = "unknown"

// SpeedTestControl is the slice of the scheduler the facade passes through.
type SpeedTestControl interface {
	Trigger() error
	SetSchedule(ctx context.Context, rule string, enabled bool) (storage.ScheduleConfig, error)
	Schedule() storage.ScheduleConfig
	State() speedtest.State
}

// Status is the current-state snapshot served to dashboards.
type Status struct {
	Time      time.Time `json:"time"`
	Connected bool      `json:"connected"`
	Basis     string    `json:"basis"`

	Estimate   *telemetry.SpeedEstimate `json:"estimate,omitempty"`
	Latest     *telemetry.Sample        `json:"latest_sample,omitempty"`
	OpenOutage *storage.OutageEvent     `json:"open_outage,omitempty"`

	SpeedTestState string                 `json:"speedtest_state"`
	Schedule       storage.ScheduleConfig `json:"schedule"`
}

// HistorySeries is one history query's result: rollups at the requested
// granularity, or raw samples when no granularity was asked for.
type HistorySeries struct {
	From        time.Time           `json:"from"`
	To          time.Time           `json:"to"`
	Granularity storage.Granularity `json:"granularity,omitempty"`
	Rollups     []storage.Rollup    `json:"rollups,omitempty"`
	Samples     []telemetry.Sample  `json:"samples,omitempty"`
}

type Facade struct {
	classifier *telemetry.Classifier
	store      storage.Store
	control    SpeedTestControl
	clk        clock.Clock
}

func NewFacade(classifier *telemetry.Classifier, store storage.Store, control SpeedTestControl, clk clock.Clock) *Facade {
	if clk == nil {
		clk = clock.System{}
	}
	return &Facade{classifier: classifier, store: store, control: control, clk: clk}
}

// CurrentStatus composes the classifier estimate, the latest raw sample, any
// open outage and the scheduler state. A cold store yields basis "unknown"
// rather than an error.
func (f *Facade) CurrentStatus(ctx context.Context) (Status, error) {
	now := f.clk.Now()
	st := Status{
		Time:           now,
		Basis:          BasisUnknown,
		SpeedTestState: f.control.State().String(),
		Schedule:       f.control.Schedule(),
	}

	est, err := f.classifier.Estimate(ctx, now)
	switch {
	case err == nil:
		st.Basis = est.Basis
		st.Estimate = &est
	case errors.Is(err, telemetry.ErrNoData):
		// cold start, report unknown
	default:
		return Status{}, fmt.Errorf("estimate: %w", err)
	}

	latest, ok, err := f.store.LatestSample(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("latest sample: %w", err)
	}
	if ok {
		st.Latest = &latest
	}

	open, ok, err := f.store.OpenOutageEvent(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("open outage: %w", err)
	}
	if ok {
		st.OpenOutage = &open
	}

	st.Connected = st.Latest != nil && st.Latest.Healthy() && st.OpenOutage == nil
	return st, nil
}

// History returns rollups for a named granularity, or raw samples when g is
// empty. The range is half-open from the caller's point of view but bounds
// are passed through to the store unchanged. An empty or inverted range
// yields an empty series, not an error.
func (f *Facade) History(ctx context.Context, from, to time.Time, g storage.Granularity) (HistorySeries, error) {
	series := HistorySeries{From: from, To: to, Granularity: g}
	if !to.After(from) {
		if g != "" && !g.Valid() {
			return HistorySeries{}, fmt.Errorf("unknown granularity %q", g)
		}
		return series, nil
	}

	if g == "" {
		samples, err := f.store.Samples(ctx, from, to)
		if err != nil {
			return HistorySeries{}, fmt.Errorf("samples: %w", err)
		}
		series.Samples = samples
		return series, nil
	}

	if !g.Valid() {
		return HistorySeries{}, fmt.Errorf("unknown granularity %q", g)
	}
	rollups, err := f.store.Rollups(ctx, from, to, g)
	if err != nil {
		return HistorySeries{}, fmt.Errorf("rollups: %w", err)
	}
	series.Rollups = rollups
	return series, nil
}

func (f *Facade) Outages(ctx context.Context, from, to time.Time) ([]storage.OutageEvent, error) {
	return f.store.Outages(ctx, from, to)
}

// SpeedTestHistory returns the most recent results, newest first. limit <= 0
// means a sane default; the cap keeps a bad caller from dumping the table.
func (f *Facade) SpeedTestHistory(ctx context.Context, limit int) ([]storage.SpeedTestResult, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}
	return f.store.SpeedTests(ctx, limit)
}

// TriggerSpeedTest requests a manual run. Returns
// speedtest.ErrTestInProgress when the scheduler is not idle.
func (f *Facade) TriggerSpeedTest() error { return f.control.Trigger() }

func (f *Facade) Schedule() storage.ScheduleConfig { return f.control.Schedule() }

func (f *Facade) SetSchedule(ctx context.Context, rule string, enabled bool) (storage.ScheduleConfig, error) {
	return f.control.SetSchedule(ctx, rule, enabled)
}
