package storage

import (
	"context"
	"time"

	"dishmon/internal/telemetry"
	logx "dishmon/pkg/logx"
)

// Store is the persistence API for samples, rollups, outages, speed-test
// results and the schedule record. It is the only owner of durable state;
// every other component holds read or append access through this interface.
//
// Writes are serialized by the implementation (single-writer discipline);
// reads may run concurrently and observe a consistent snapshot.
type Store interface {
	// Raw sample log (append-only).
	AppendSample(ctx context.Context, s telemetry.Sample) error
	Samples(ctx context.Context, from, to time.Time) ([]telemetry.Sample, error)
	LatestSample(ctx context.Context) (telemetry.Sample, bool, error)

	// Rollups. Compact aggregates fully-elapsed buckets before asOf and is
	// idempotent; it returns the number of buckets written. Prune deletes raw
	// samples strictly older than olderThan, but only those already covered
	// by a rollup at the coarsest granularity.
	Compact(ctx context.Context, g Granularity, asOf time.Time) (int, error)
	Rollups(ctx context.Context, from, to time.Time, g Granularity) ([]Rollup, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	// Outage events.
	OpenOutage(ctx context.Context, start time.Time, causeHint string) (OutageEvent, error)
	CloseOutage(ctx context.Context, id int64, end time.Time, causeHint string) error
	OpenOutageEvent(ctx context.Context) (OutageEvent, bool, error)
	Outages(ctx context.Context, from, to time.Time) ([]OutageEvent, error)

	// Speed-test results (scheduler is the only writer).
	InsertSpeedTest(ctx context.Context, r SpeedTestResult) (int64, error)
	SpeedTests(ctx context.Context, limit int) ([]SpeedTestResult, error)

	// Single schedule record.
	ScheduleConfig(ctx context.Context) (ScheduleConfig, bool, error)
	PutScheduleConfig(ctx context.Context, c ScheduleConfig) error

	Close() error
}

// Open initializes the sqlite-backed store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
