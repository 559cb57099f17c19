// Package outage turns the sample stream into discrete connectivity-loss
// events: a two-state machine that opens an event after a run of unhealthy
// samples and closes it on the first healthy one.
package outage

import (
	"context"
	"fmt"
	"time"

	"dishmon/internal/storage"
	"dishmon/internal/telemetry"
	logx "dishmon/pkg/logx"
)

// Severity buckets for a completed outage, by duration.
const (
	severityMajorAfter    = 5 * time.Minute
	severityCriticalAfter = 30 * time.Minute
)

// Config carries the detection policy.
type Config struct {
	// FailThreshold is how many consecutive unhealthy samples open an
	// outage. Guards against single-sample flapping.
	FailThreshold int
}

func (c Config) withDefaults() Config {
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	return c
}

// Recorder is the slice of the history store the detector writes through.
type Recorder interface {
	OpenOutage(ctx context.Context, start time.Time, causeHint string) (storage.OutageEvent, error)
	CloseOutage(ctx context.Context, id int64, end time.Time, causeHint string) error
	OpenOutageEvent(ctx context.Context) (storage.OutageEvent, bool, error)
}

type state int

const (
	stateUnknown state = iota // before the first sample after (re)start
	stateConnected
	stateDisconnected
)

// Detector consumes appended samples in order. Not safe for concurrent use;
// the collector owns it and feeds it from a single goroutine.
type Detector struct {
	cfg Config
	rec Recorder
	log logx.Logger

	st           state
	failRun      int
	firstFailAt  time.Time
	firstFailWhy string
	open         *storage.OutageEvent
}

func NewDetector(cfg Config, rec Recorder, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{cfg: cfg.withDefaults(), rec: rec, log: log}
}

// Apply swaps the policy knobs (hot config reload). A lowered threshold
// takes effect on the next sample.
func (d *Detector) Apply(cfg Config) { d.cfg = cfg.withDefaults() }

// Resume re-adopts an outage left open by a previous process, so a crash
// during an outage does not orphan the event or double-open a new one.
func (d *Detector) Resume(ctx context.Context) error {
	ev, ok, err := d.rec.OpenOutageEvent(ctx)
	if err != nil {
		return fmt.Errorf("resume open outage: %w", err)
	}
	if ok {
		d.st = stateDisconnected
		d.open = &ev
		d.log.Info("resumed ongoing outage", logx.Time("start", ev.StartTime))
	}
	return nil
}

// Disconnected reports whether the detector currently considers the link down.
func (d *Detector) Disconnected() bool { return d.st == stateDisconnected }

// Observe feeds one sample through the state machine.
//
// connected -> disconnected fires after FailThreshold consecutive unhealthy
// samples, with the event's start time at the first sample of that run.
// disconnected -> connected fires on the first healthy sample.
func (d *Detector) Observe(ctx context.Context, s telemetry.Sample) error {
	if s.Healthy() {
		return d.observeHealthy(ctx, s.Timestamp)
	}
	return d.observeUnhealthy(ctx, s.Timestamp, failureHint(s))
}

// ObserveGap feeds a sustained source failure as an unhealthy mark. A
// transient hiccup never reaches here; the collector calls this only after
// its per-read retries are exhausted.
func (d *Detector) ObserveGap(ctx context.Context, at time.Time) error {
	return d.observeUnhealthy(ctx, at, "no telemetry")
}

func (d *Detector) observeHealthy(ctx context.Context, at time.Time) error {
	d.failRun = 0
	d.firstFailAt = time.Time{}

	switch d.st {
	case stateUnknown:
		d.st = stateConnected
		return nil
	case stateDisconnected:
		ev := d.open
		if ev == nil {
			d.st = stateConnected
			return nil
		}
		hint := fmt.Sprintf("restored (%s)", severity(at.Sub(ev.StartTime)))
		if err := d.rec.CloseOutage(ctx, ev.ID, at, hint); err != nil {
			// Stay disconnected with the event held; the next healthy
			// sample retries the close. Flipping state first would orphan
			// the open row and block every later open on it.
			return err
		}
		d.st = stateConnected
		d.open = nil
		d.log.Info("connection restored",
			logx.Time("start", ev.StartTime),
			logx.Duration("duration", at.Sub(ev.StartTime)))
		return nil
	default:
		return nil
	}
}

func (d *Detector) observeUnhealthy(ctx context.Context, at time.Time, why string) error {
	if d.st == stateDisconnected {
		return nil
	}

	if d.failRun == 0 {
		d.firstFailAt = at
		d.firstFailWhy = why
	}
	d.failRun++
	if d.st == stateUnknown && d.failRun == 1 {
		// First sample after (re)start decides the initial state.
		d.st = stateConnected
	}
	if d.failRun < d.cfg.FailThreshold {
		return nil
	}

	ev, err := d.rec.OpenOutage(ctx, d.firstFailAt, d.firstFailWhy)
	if err != nil {
		// Keep counting; the next unhealthy sample retries the open.
		d.failRun--
		return err
	}
	d.st = stateDisconnected
	d.open = &ev
	d.failRun = 0
	d.log.Warn("connection outage detected", logx.Time("start", ev.StartTime), logx.String("hint", ev.CauseHint))
	return nil
}

func failureHint(s telemetry.Sample) string {
	switch {
	case s.LatencyMs <= 0:
		return "unreachable"
	default:
		return "latency spike"
	}
}

func severity(d time.Duration) string {
	switch {
	case d >= severityCriticalAfter:
		return "critical"
	case d >= severityMajorAfter:
		return "major"
	default:
		return "minor"
	}
}
