package outage

import (
	"context"
	"errors"
	"testing"
	"time"

	"dishmon/internal/storage"
	"dishmon/internal/telemetry"
	logx "dishmon/pkg/logx"
)

func discardLog() logx.Logger { return logx.Nop() }

type memRecorder struct {
	events    []storage.OutageEvent
	nextID    int64
	fail      bool
	failClose int // fail this many CloseOutage calls
}

func (m *memRecorder) OpenOutage(_ context.Context, start time.Time, hint string) (storage.OutageEvent, error) {
	if m.fail {
		return storage.OutageEvent{}, errors.New("store down")
	}
	for _, ev := range m.events {
		if ev.Open() {
			return storage.OutageEvent{}, errors.New("open outage already exists")
		}
	}
	m.nextID++
	ev := storage.OutageEvent{ID: m.nextID, StartTime: start, CauseHint: hint}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memRecorder) CloseOutage(_ context.Context, id int64, end time.Time, hint string) error {
	if m.failClose > 0 {
		m.failClose--
		return errors.New("store down")
	}
	for i := range m.events {
		if m.events[i].ID == id && m.events[i].Open() {
			m.events[i].EndTime = end
			if hint != "" {
				m.events[i].CauseHint = hint
			}
			return nil
		}
	}
	return errors.New("no open event")
}

func (m *memRecorder) OpenOutageEvent(_ context.Context) (storage.OutageEvent, bool, error) {
	for _, ev := range m.events {
		if ev.Open() {
			return ev, true, nil
		}
	}
	return storage.OutageEvent{}, false, nil
}

func unhealthyAt(t time.Time) telemetry.Sample { return telemetry.Sample{Timestamp: t} }
func healthyAt(t time.Time) telemetry.Sample {
	return telemetry.Sample{Timestamp: t, LatencyMs: 40}
}

func TestThreeFailuresOpenOneEvent(t *testing.T) {
	t.Parallel()
	rec := &memRecorder{}
	d := NewDetector(Config{}, rec, discardLog())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := d.Observe(ctx, unhealthyAt(base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	if !d.Disconnected() {
		t.Fatal("expected disconnected after threshold")
	}

	recover := base.Add(10 * time.Second)
	if err := d.Observe(ctx, healthyAt(recover)); err != nil {
		t.Fatalf("Observe healthy: %v", err)
	}

	if len(rec.events) != 1 {
		t.Fatalf("events = %d, want 1", len(rec.events))
	}
	ev := rec.events[0]
	if !ev.StartTime.Equal(base) {
		t.Fatalf("StartTime = %v, want first failing sample %v", ev.StartTime, base)
	}
	if !ev.EndTime.Equal(recover) {
		t.Fatalf("EndTime = %v, want %v", ev.EndTime, recover)
	}
}

func TestBelowThresholdNeverOpens(t *testing.T) {
	t.Parallel()
	rec := &memRecorder{}
	d := NewDetector(Config{}, rec, discardLog())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Flapping: two failures, recovery, two failures, recovery.
	seq := []telemetry.Sample{
		unhealthyAt(base), unhealthyAt(base.Add(time.Second)), healthyAt(base.Add(2 * time.Second)),
		unhealthyAt(base.Add(3 * time.Second)), unhealthyAt(base.Add(4 * time.Second)), healthyAt(base.Add(5 * time.Second)),
	}
	for _, s := range seq {
		if err := d.Observe(ctx, s); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	if len(rec.events) != 0 {
		t.Fatalf("events = %d, want 0", len(rec.events))
	}
}

func TestEventsNeverOverlap(t *testing.T) {
	t.Parallel()
	rec := &memRecorder{}
	d := NewDetector(Config{FailThreshold: 2}, rec, discardLog())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Alternating runs of failures and recoveries.
	ts := base
	step := func(s telemetry.Sample) {
		if err := d.Observe(ctx, s); err != nil {
			t.Fatalf("Observe: %v", err)
		}
		ts = ts.Add(time.Second)
	}
	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < 4; i++ {
			step(unhealthyAt(ts))
		}
		for i := 0; i < 2; i++ {
			step(healthyAt(ts))
		}
	}

	if len(rec.events) != 3 {
		t.Fatalf("events = %d, want 3", len(rec.events))
	}
	for i, ev := range rec.events {
		if ev.Open() {
			t.Fatalf("event %d still open", i)
		}
		if i > 0 && ev.StartTime.Before(rec.events[i-1].EndTime) {
			t.Fatalf("events overlap: %+v / %+v", rec.events[i-1], ev)
		}
	}
}

func TestSourceGapCountsTowardThreshold(t *testing.T) {
	t.Parallel()
	rec := &memRecorder{}
	d := NewDetector(Config{}, rec, discardLog())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := d.ObserveGap(ctx, base.Add(time.Duration(i)*30*time.Second)); err != nil {
			t.Fatalf("ObserveGap: %v", err)
		}
	}
	if !d.Disconnected() {
		t.Fatal("expected disconnected after sustained gaps")
	}
	if rec.events[0].CauseHint != "no telemetry" {
		t.Fatalf("CauseHint = %q", rec.events[0].CauseHint)
	}
}

func TestRecorderFailureRetriesOpen(t *testing.T) {
	t.Parallel()
	rec := &memRecorder{fail: true}
	d := NewDetector(Config{}, rec, discardLog())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = d.Observe(ctx, unhealthyAt(base.Add(time.Duration(i)*time.Second)))
	}
	if lastErr == nil {
		t.Fatal("expected open failure to surface")
	}
	if d.Disconnected() {
		t.Fatal("must not claim disconnected while the event is unrecorded")
	}

	rec.fail = false
	if err := d.Observe(ctx, unhealthyAt(base.Add(3*time.Second))); err != nil {
		t.Fatalf("Observe after recovery: %v", err)
	}
	if !d.Disconnected() || len(rec.events) != 1 {
		t.Fatalf("expected one event after store recovery, got %d", len(rec.events))
	}
	if !rec.events[0].StartTime.Equal(base) {
		t.Fatalf("StartTime = %v, want %v", rec.events[0].StartTime, base)
	}
}

func TestRecorderFailureRetriesClose(t *testing.T) {
	t.Parallel()
	rec := &memRecorder{}
	d := NewDetector(Config{}, rec, discardLog())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := d.Observe(ctx, unhealthyAt(base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	rec.failClose = 1
	if err := d.Observe(ctx, healthyAt(base.Add(10*time.Second))); err == nil {
		t.Fatal("expected close failure to surface")
	}
	if !d.Disconnected() {
		t.Fatal("must stay disconnected while the close is unrecorded")
	}

	// Next healthy sample retries the close with its own timestamp.
	end := base.Add(11 * time.Second)
	if err := d.Observe(ctx, healthyAt(end)); err != nil {
		t.Fatalf("Observe after store recovery: %v", err)
	}
	if d.Disconnected() {
		t.Fatal("expected connected after successful close")
	}
	if rec.events[0].Open() || !rec.events[0].EndTime.Equal(end) {
		t.Fatalf("event = %+v, want closed at %v", rec.events[0], end)
	}

	// A later outage must still be recordable.
	for i := 0; i < 3; i++ {
		if err := d.Observe(ctx, unhealthyAt(end.Add(time.Duration(i+1)*time.Second))); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	if len(rec.events) != 2 {
		t.Fatalf("events = %d, want 2", len(rec.events))
	}
}

func TestResumeAdoptsOpenEvent(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := &memRecorder{}
	if _, err := rec.OpenOutage(context.Background(), start, "unreachable"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := NewDetector(Config{}, rec, discardLog())
	if err := d.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !d.Disconnected() {
		t.Fatal("expected disconnected after resume")
	}

	end := start.Add(40 * time.Minute)
	if err := d.Observe(context.Background(), healthyAt(end)); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if rec.events[0].Open() {
		t.Fatal("resumed event not closed")
	}
	if rec.events[0].CauseHint != "restored (critical)" {
		t.Fatalf("CauseHint = %q, want critical severity", rec.events[0].CauseHint)
	}
}
