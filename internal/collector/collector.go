// Package collector runs the sample ingestion loop: it pulls telemetry from
// the dish source, persists it, feeds the outage detector, and keeps the
// history store compacted and pruned off the hot path.
package collector

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"dishmon/internal/clock"
	"dishmon/internal/outage"
	"dishmon/internal/storage"
	"dishmon/internal/telemetry"
	logx "dishmon/pkg/logx"
)

type Config struct {
	// ReadTimeout bounds a single Source.Next call. A timed-out read is a
	// transient gap, not an outage, unless enough of them accumulate to
	// trip the outage detector.
	ReadTimeout time.Duration
	// RetryBackoff is the pause after a failed read.
	RetryBackoff time.Duration
	// BufferSize bounds the pending-append queue kept across storage
	// failures. Samples beyond it are dropped oldest-first; that loss is
	// the documented StorageUnavailable trade-off.
	BufferSize int
	// CompactEvery is the maintenance cadence.
	CompactEvery time.Duration
	// Retention is the raw-sample horizon handed to Prune.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 512
	}
	if c.CompactEvery <= 0 {
		c.CompactEvery = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

type Collector struct {
	cfg      Config
	source   telemetry.Source
	store    storage.Store
	detector *outage.Detector
	clk      clock.Clock
	log      logx.Logger

	// pending holds samples that could not be persisted yet.
	pending []telemetry.Sample
	dropped uint64

	warnLimit *rate.Limiter
}

func New(cfg Config, source telemetry.Source, store storage.Store, detector *outage.Detector, clk clock.Clock, log logx.Logger) *Collector {
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{
		cfg:      cfg.withDefaults(),
		source:   source,
		store:    store,
		detector: detector,
		clk:      clk,
		log:      log,
		// Transient-source and storage-retry noise is capped; the outage
		// detector is the authoritative signal, not the log stream.
		warnLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Run ingests until ctx ends. On return, any buffered samples have been
// flushed (best effort, bounded), so graceful shutdown loses nothing the
// store could still accept.
func (c *Collector) Run(ctx context.Context) error {
	if err := c.detector.Resume(ctx); err != nil {
		c.log.Warn("outage resume failed", logx.Err(err))
	}

	maintain := time.NewTicker(c.cfg.CompactEvery)
	defer maintain.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush()
			return ctx.Err()
		case <-maintain.C:
			c.maintain(ctx)
		default:
		}

		readCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
		sample, err := c.source.Next(readCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				c.flush()
				return ctx.Err()
			}
			c.handleReadError(ctx, err)
			select {
			case <-ctx.Done():
				c.flush()
				return ctx.Err()
			case <-c.clk.After(c.cfg.RetryBackoff):
			}
			continue
		}

		c.handleSample(ctx, sample)
	}
}

func (c *Collector) handleSample(ctx context.Context, s telemetry.Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = c.clk.Now()
	}
	s.QualityScore = telemetry.QualityScore(s.LatencyMs, s.DownloadBps, s.UploadBps, s.ObstructionPct, s.SNRAboveNoise)

	c.append(ctx, s)

	if err := c.detector.Observe(ctx, s); err != nil {
		c.warn("outage transition not recorded", logx.Err(err))
	}
}

func (c *Collector) handleReadError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, telemetry.ErrTransientUnavailable), errors.Is(err, context.DeadlineExceeded):
		c.warn("sample source unavailable", logx.Err(err))
	default:
		c.warn("sample read failed", logx.Err(err))
	}
	// Every exhausted read counts as one unhealthy mark; the detector's
	// consecutive-failure threshold decides when it becomes an outage.
	if derr := c.detector.ObserveGap(ctx, c.clk.Now()); derr != nil {
		c.warn("outage transition not recorded", logx.Err(derr))
	}
}

// append persists s, draining any backlog first so samples stay ordered.
func (c *Collector) append(ctx context.Context, s telemetry.Sample) {
	c.pending = append(c.pending, s)
	if over := len(c.pending) - c.cfg.BufferSize; over > 0 {
		c.pending = c.pending[over:]
		c.dropped += uint64(over)
		c.warn("append buffer overflow, dropping oldest samples", logx.Uint64("dropped_total", c.dropped))
	}

	for len(c.pending) > 0 {
		if err := c.store.AppendSample(ctx, c.pending[0]); err != nil {
			c.warn("sample append deferred", logx.Err(err), logx.Int("buffered", len(c.pending)))
			return
		}
		c.pending = c.pending[1:]
	}
}

// maintain compacts all granularities and prunes rolled-up raw samples.
// Bounded batch work, run off the per-sample path.
func (c *Collector) maintain(ctx context.Context) {
	now := c.clk.Now()
	for _, g := range []storage.Granularity{storage.GranularityMinute, storage.GranularityHour, storage.GranularityDay} {
		if _, err := c.store.Compact(ctx, g, now); err != nil {
			c.warn("compaction failed", logx.String("granularity", string(g)), logx.Err(err))
		}
	}
	if n, err := c.store.Prune(ctx, now.Add(-c.cfg.Retention)); err != nil {
		c.warn("prune failed", logx.Err(err))
	} else if n > 0 {
		c.log.Debug("pruned raw samples", logx.Int64("count", n))
	}
}

// flush drains the pending buffer on shutdown with a fresh, bounded context.
func (c *Collector) flush() {
	if len(c.pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for len(c.pending) > 0 {
		if err := c.store.AppendSample(ctx, c.pending[0]); err != nil {
			c.log.Warn("flush abandoned buffered samples", logx.Int("lost", len(c.pending)), logx.Err(err))
			return
		}
		c.pending = c.pending[1:]
	}
	c.log.Debug("flushed buffered samples on shutdown")
}

func (c *Collector) warn(msg string, fields ...logx.Field) {
	if c.warnLimit.Allow() {
		c.log.Warn(msg, fields...)
	}
}
