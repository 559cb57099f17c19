package storage

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"dishmon/internal/telemetry"
	logx "dishmon/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "history.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAppendAndQuerySamples(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		s := telemetry.Sample{
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			DownloadBps: float64(i) * 1e6,
			UploadBps:   float64(i) * 1e5,
			LatencyMs:   30 + float64(i),
		}
		if err := st.AppendSample(ctx, s); err != nil {
			t.Fatalf("AppendSample: %v", err)
		}
	}

	got, err := st.Samples(ctx, base, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if !got[0].Timestamp.Equal(base) || got[0].DownloadBps != 0 {
		t.Fatalf("unexpected first sample: %+v", got[0])
	}

	latest, ok, err := st.LatestSample(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestSample: ok=%v err=%v", ok, err)
	}
	if latest.DownloadBps != 4e6 {
		t.Fatalf("latest DownloadBps = %v, want 4e6", latest.DownloadBps)
	}
}

func TestCompactAggregatesPerBucket(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Two samples in minute 0, one in minute 1, one in the (incomplete) minute 2.
	speeds := []struct {
		off  time.Duration
		down float64
	}{
		{10 * time.Second, 2e6},
		{40 * time.Second, 6e6},
		{70 * time.Second, 8e6},
		{130 * time.Second, 9e6},
	}
	for _, sp := range speeds {
		if err := st.AppendSample(ctx, telemetry.Sample{
			Timestamp: base.Add(sp.off), DownloadBps: sp.down, UploadBps: sp.down / 10, LatencyMs: 40,
		}); err != nil {
			t.Fatalf("AppendSample: %v", err)
		}
	}

	asOf := base.Add(2*time.Minute + 10*time.Second)
	n, err := st.Compact(ctx, GranularityMinute, asOf)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if n != 2 {
		t.Fatalf("buckets written = %d, want 2", n)
	}

	rollups, err := st.Rollups(ctx, base, asOf, GranularityMinute)
	if err != nil {
		t.Fatalf("Rollups: %v", err)
	}
	if len(rollups) != 2 {
		t.Fatalf("len = %d, want 2", len(rollups))
	}
	first := rollups[0]
	if !first.BucketStart.Equal(base) {
		t.Fatalf("BucketStart = %v, want %v", first.BucketStart, base)
	}
	if first.SampleCount != 2 || first.AvgDownloadBps != 4e6 || first.MinDownloadBps != 2e6 || first.MaxDownloadBps != 6e6 {
		t.Fatalf("unexpected aggregate: %+v", first)
	}
}

func TestCompactIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 120; i++ {
		if err := st.AppendSample(ctx, telemetry.Sample{
			Timestamp: base.Add(time.Duration(i) * time.Second), DownloadBps: float64(i) * 1e5, LatencyMs: 35,
		}); err != nil {
			t.Fatalf("AppendSample: %v", err)
		}
	}

	asOf := base.Add(3 * time.Minute)
	if _, err := st.Compact(ctx, GranularityMinute, asOf); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	before, err := st.Rollups(ctx, base, asOf, GranularityMinute)
	if err != nil {
		t.Fatalf("Rollups: %v", err)
	}

	if _, err := st.Compact(ctx, GranularityMinute, asOf); err != nil {
		t.Fatalf("Compact again: %v", err)
	}
	after, err := st.Rollups(ctx, base, asOf, GranularityMinute)
	if err != nil {
		t.Fatalf("Rollups: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("recompaction changed rollups:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestPruneRequiresCoarsestRollup(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	// Two full days of sparse samples.
	day0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	day1 := day0.Add(24 * time.Hour)

	for _, ts := range []time.Time{
		day0.Add(1 * time.Hour), day0.Add(13 * time.Hour),
		day1.Add(2 * time.Hour), day1.Add(14 * time.Hour),
	} {
		if err := st.AppendSample(ctx, telemetry.Sample{Timestamp: ts, DownloadBps: 1e6, LatencyMs: 40}); err != nil {
			t.Fatalf("AppendSample: %v", err)
		}
	}

	// Without any day rollup, nothing may be pruned.
	removed, err := st.Prune(ctx, day1.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 0 {
		t.Fatalf("pruned %d samples without rollups", removed)
	}

	// Roll up day 0 only; pruning must remove exactly day 0's samples.
	if _, err := st.Compact(ctx, GranularityDay, day1); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	removed, err = st.Prune(ctx, day1.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("pruned %d samples, want 2", removed)
	}

	left, err := st.Samples(ctx, day0, day1.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("remaining samples = %d, want 2", len(left))
	}
	for _, s := range left {
		if s.Timestamp.Before(day1) {
			t.Fatalf("day-0 sample survived prune: %v", s.Timestamp)
		}
	}
}

func TestOutageLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ev, err := st.OpenOutage(ctx, start, "unreachable")
	if err != nil {
		t.Fatalf("OpenOutage: %v", err)
	}

	// A second open outage violates the single-open invariant.
	if _, err := st.OpenOutage(ctx, start.Add(time.Minute), "dup"); err == nil {
		t.Fatal("expected error opening second outage")
	}

	open, ok, err := st.OpenOutageEvent(ctx)
	if err != nil || !ok {
		t.Fatalf("OpenOutageEvent: ok=%v err=%v", ok, err)
	}
	if open.ID != ev.ID || !open.StartTime.Equal(start) {
		t.Fatalf("unexpected open event: %+v", open)
	}

	end := start.Add(5 * time.Minute)
	if err := st.CloseOutage(ctx, ev.ID, end, "restored (major)"); err != nil {
		t.Fatalf("CloseOutage: %v", err)
	}
	if err := st.CloseOutage(ctx, ev.ID, end, ""); err == nil {
		t.Fatal("expected error double-closing event")
	}

	events, err := st.Outages(ctx, start.Add(-time.Hour), end.Add(time.Hour))
	if err != nil {
		t.Fatalf("Outages: %v", err)
	}
	if len(events) != 1 || events[0].Open() || !events[0].EndTime.Equal(end) {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestSpeedTestHistoryLimitAndOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := st.InsertSpeedTest(ctx, SpeedTestResult{
			RunTime: base.Add(time.Duration(i) * time.Hour), Method: "speedtest.net",
			DownloadBps: float64(100+i) * 1e6, Success: true,
		})
		if err != nil {
			t.Fatalf("InsertSpeedTest: %v", err)
		}
	}

	got, err := st.SpeedTests(ctx, 3)
	if err != nil {
		t.Fatalf("SpeedTests: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if !got[0].RunTime.After(got[1].RunTime) {
		t.Fatal("expected newest-first ordering")
	}
	if got[0].DownloadBps != 104e6 {
		t.Fatalf("newest DownloadBps = %v, want 104e6", got[0].DownloadBps)
	}
}

func TestScheduleConfigRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := st.ScheduleConfig(ctx); err != nil || ok {
		t.Fatalf("expected empty config, ok=%v err=%v", ok, err)
	}

	next := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	want := ScheduleConfig{Rule: "0 3 * * *", Enabled: true, NextDue: next}
	if err := st.PutScheduleConfig(ctx, want); err != nil {
		t.Fatalf("PutScheduleConfig: %v", err)
	}

	got, ok, err := st.ScheduleConfig(ctx)
	if err != nil || !ok {
		t.Fatalf("ScheduleConfig: ok=%v err=%v", ok, err)
	}
	if got.Rule != want.Rule || !got.Enabled || !got.NextDue.Equal(next) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Upsert keeps a single row.
	want.Enabled = false
	if err := st.PutScheduleConfig(ctx, want); err != nil {
		t.Fatalf("PutScheduleConfig update: %v", err)
	}
	got, _, _ = st.ScheduleConfig(ctx)
	if got.Enabled {
		t.Fatal("update did not stick")
	}
}
