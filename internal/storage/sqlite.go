package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dishmon/internal/telemetry"
	logx "dishmon/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also gives queries a trivially consistent snapshot
	// relative to appends and compaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Raw samples ----

func (s *sqliteStore) AppendSample(ctx context.Context, smp telemetry.Sample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples(ts, download_bps, upload_bps, latency_ms, obstruction_pct,
		                     snr_above_noise, gps_valid, gps_sats, uptime_s, quality_score,
		                     hw_version, sw_version)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		smp.Timestamp.UnixMilli(), smp.DownloadBps, smp.UploadBps, smp.LatencyMs, smp.ObstructionPct,
		smp.SNRAboveNoise, smp.GPSValid, smp.GPSSats, smp.UptimeS, smp.QualityScore,
		nullStr(smp.HWVersion), nullStr(smp.SWVersion),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *sqliteStore) Samples(ctx context.Context, from, to time.Time) ([]telemetry.Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, download_bps, upload_bps, latency_ms, obstruction_pct,
		        snr_above_noise, gps_valid, gps_sats, uptime_s, quality_score,
		        COALESCE(hw_version,''), COALESCE(sw_version,'')
		 FROM samples WHERE ts >= ? AND ts <= ? ORDER BY ts`,
		from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Sample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LatestSample(ctx context.Context) (telemetry.Sample, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ts, download_bps, upload_bps, latency_ms, obstruction_pct,
		        snr_above_noise, gps_valid, gps_sats, uptime_s, quality_score,
		        COALESCE(hw_version,''), COALESCE(sw_version,'')
		 FROM samples ORDER BY ts DESC, id DESC LIMIT 1`)
	smp, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.Sample{}, false, nil
	}
	if err != nil {
		return telemetry.Sample{}, false, err
	}
	return smp, true, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSample(r rowScanner) (telemetry.Sample, error) {
	var (
		smp telemetry.Sample
		ms  int64
	)
	err := r.Scan(&ms, &smp.DownloadBps, &smp.UploadBps, &smp.LatencyMs, &smp.ObstructionPct,
		&smp.SNRAboveNoise, &smp.GPSValid, &smp.GPSSats, &smp.UptimeS, &smp.QualityScore,
		&smp.HWVersion, &smp.SWVersion)
	if err != nil {
		return telemetry.Sample{}, err
	}
	smp.Timestamp = time.UnixMilli(ms).UTC()
	return smp, nil
}

// ---- Rollups ----

func (s *sqliteStore) Compact(ctx context.Context, g Granularity, asOf time.Time) (int, error) {
	if !g.Valid() {
		return 0, fmt.Errorf("invalid granularity %q", g)
	}
	width := g.BucketMs()
	// Only fully-elapsed buckets compact; the in-progress bucket stays raw.
	limit := g.Truncate(asOf).UnixMilli()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rollups(bucket_start, granularity, sample_count,
		                     avg_download_bps, min_download_bps, max_download_bps,
		                     avg_upload_bps, min_upload_bps, max_upload_bps,
		                     avg_latency_ms, avg_obstruction_pct)
		 SELECT (ts/?1)*?1, ?2, COUNT(*),
		        AVG(download_bps), MIN(download_bps), MAX(download_bps),
		        AVG(upload_bps), MIN(upload_bps), MAX(upload_bps),
		        AVG(latency_ms), AVG(obstruction_pct)
		 FROM samples
		 WHERE ts < ?3
		 GROUP BY ts/?1
		 ON CONFLICT(bucket_start, granularity) DO UPDATE SET
		        sample_count=excluded.sample_count,
		        avg_download_bps=excluded.avg_download_bps,
		        min_download_bps=excluded.min_download_bps,
		        max_download_bps=excluded.max_download_bps,
		        avg_upload_bps=excluded.avg_upload_bps,
		        min_upload_bps=excluded.min_upload_bps,
		        max_upload_bps=excluded.max_upload_bps,
		        avg_latency_ms=excluded.avg_latency_ms,
		        avg_obstruction_pct=excluded.avg_obstruction_pct`,
		width, string(g), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("compact %s: %w", g, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Rollups(ctx context.Context, from, to time.Time, g Granularity) ([]Rollup, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("invalid granularity %q", g)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket_start, sample_count,
		        avg_download_bps, min_download_bps, max_download_bps,
		        avg_upload_bps, min_upload_bps, max_upload_bps,
		        avg_latency_ms, avg_obstruction_pct
		 FROM rollups
		 WHERE granularity = ? AND bucket_start >= ? AND bucket_start <= ?
		 ORDER BY bucket_start`,
		string(g), from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rollup
	for rows.Next() {
		var (
			r  Rollup
			ms int64
		)
		if err := rows.Scan(&ms, &r.SampleCount,
			&r.AvgDownloadBps, &r.MinDownloadBps, &r.MaxDownloadBps,
			&r.AvgUploadBps, &r.MinUploadBps, &r.MaxUploadBps,
			&r.AvgLatencyMs, &r.AvgObstruction); err != nil {
			return nil, err
		}
		r.BucketStart = time.UnixMilli(ms).UTC()
		r.Granularity = g
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	// Align down to the coarsest bucket so a bucket is deleted wholesale or
	// not at all; partial deletions would make later recompaction diverge.
	cutoff := Coarsest.Truncate(olderThan).UnixMilli()
	width := Coarsest.BucketMs()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM samples
		 WHERE ts < ?1
		   AND (ts/?2)*?2 IN (SELECT bucket_start FROM rollups WHERE granularity = ?3)`,
		cutoff, width, string(Coarsest),
	)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

// ---- Outage events ----

func (s *sqliteStore) OpenOutage(ctx context.Context, start time.Time, causeHint string) (OutageEvent, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outages(start_ts, cause_hint) VALUES(?,?)`,
		start.UnixMilli(), nullStr(causeHint),
	)
	if err != nil {
		return OutageEvent{}, fmt.Errorf("open outage: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return OutageEvent{}, err
	}
	return OutageEvent{ID: id, StartTime: start.UTC(), CauseHint: causeHint}, nil
}

func (s *sqliteStore) CloseOutage(ctx context.Context, id int64, end time.Time, causeHint string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outages
		 SET end_ts = ?, cause_hint = COALESCE(NULLIF(?,''), cause_hint)
		 WHERE id = ? AND end_ts IS NULL`,
		end.UnixMilli(), causeHint, id,
	)
	if err != nil {
		return fmt.Errorf("close outage: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("close outage %d: no open event", id)
	}
	return nil
}

func (s *sqliteStore) OpenOutageEvent(ctx context.Context) (OutageEvent, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, start_ts, COALESCE(cause_hint,'') FROM outages WHERE end_ts IS NULL`)
	var (
		ev OutageEvent
		ms int64
	)
	err := row.Scan(&ev.ID, &ms, &ev.CauseHint)
	if errors.Is(err, sql.ErrNoRows) {
		return OutageEvent{}, false, nil
	}
	if err != nil {
		return OutageEvent{}, false, err
	}
	ev.StartTime = time.UnixMilli(ms).UTC()
	return ev, true, nil
}

func (s *sqliteStore) Outages(ctx context.Context, from, to time.Time) ([]OutageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, start_ts, end_ts, COALESCE(cause_hint,'')
		 FROM outages
		 WHERE start_ts >= ? AND start_ts <= ?
		 ORDER BY start_ts`,
		from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutageEvent
	for rows.Next() {
		var (
			ev  OutageEvent
			ms  int64
			end sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ms, &end, &ev.CauseHint); err != nil {
			return nil, err
		}
		ev.StartTime = time.UnixMilli(ms).UTC()
		if end.Valid {
			ev.EndTime = time.UnixMilli(end.Int64).UTC()
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- Speed tests ----

func (s *sqliteStore) InsertSpeedTest(ctx context.Context, r SpeedTestResult) (int64, error) {
	if r.RunTime.IsZero() {
		r.RunTime = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO speed_tests(run_ts, method, download_bps, upload_bps, latency_ms,
		                         jitter_ms, packet_loss_pct, server_location, duration_ms,
		                         success, error_kind)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.RunTime.UnixMilli(), r.Method, r.DownloadBps, r.UploadBps, r.LatencyMs,
		r.JitterMs, r.PacketLossPct, nullStr(r.ServerLocation), r.Duration.Milliseconds(),
		r.Success, nullStr(r.ErrorKind),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) SpeedTests(ctx context.Context, limit int) ([]SpeedTestResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_ts, method, download_bps, upload_bps, latency_ms,
		        jitter_ms, packet_loss_pct, COALESCE(server_location,''), duration_ms,
		        success, COALESCE(error_kind,'')
		 FROM speed_tests ORDER BY run_ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SpeedTestResult
	for rows.Next() {
		var (
			r     SpeedTestResult
			ms    int64
			durMs int64
		)
		if err := rows.Scan(&r.ID, &ms, &r.Method, &r.DownloadBps, &r.UploadBps, &r.LatencyMs,
			&r.JitterMs, &r.PacketLossPct, &r.ServerLocation, &durMs,
			&r.Success, &r.ErrorKind); err != nil {
			return nil, err
		}
		r.RunTime = time.UnixMilli(ms).UTC()
		r.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- Schedule config ----

func (s *sqliteStore) ScheduleConfig(ctx context.Context) (ScheduleConfig, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT rule, enabled, next_due_ts, last_run_ts FROM schedule_config WHERE id = 1`)
	var (
		c       ScheduleConfig
		nextDue sql.NullInt64
		lastRun sql.NullInt64
	)
	err := row.Scan(&c.Rule, &c.Enabled, &nextDue, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleConfig{}, false, nil
	}
	if err != nil {
		return ScheduleConfig{}, false, err
	}
	if nextDue.Valid {
		c.NextDue = time.UnixMilli(nextDue.Int64).UTC()
	}
	if lastRun.Valid {
		c.LastRun = time.UnixMilli(lastRun.Int64).UTC()
	}
	return c, true, nil
}

func (s *sqliteStore) PutScheduleConfig(ctx context.Context, c ScheduleConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_config(id, rule, enabled, next_due_ts, last_run_ts, updated_ts)
		 VALUES(1,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		        rule=excluded.rule, enabled=excluded.enabled,
		        next_due_ts=excluded.next_due_ts, last_run_ts=excluded.last_run_ts,
		        updated_ts=excluded.updated_ts`,
		c.Rule, c.Enabled, nullMilli(c.NextDue), nullMilli(c.LastRun), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
