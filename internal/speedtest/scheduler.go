package speedtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dishmon/internal/clock"
	"dishmon/internal/storage"
	"dishmon/pkg/logx"
)

// State is the scheduler's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCooldown:
		return "cooldown"
	}
	return "unknown"
}

// runStore is the slice of the history store the scheduler writes through.
type runStore interface {
	InsertSpeedTest(ctx context.Context, r storage.SpeedTestResult) (int64, error)
	ScheduleConfig(ctx context.Context) (storage.ScheduleConfig, bool, error)
	PutScheduleConfig(ctx context.Context, c storage.ScheduleConfig) error
}

// SchedulerConfig carries the run-policy knobs.
type SchedulerConfig struct {
	// DefaultRule seeds the schedule record when none is persisted yet.
	DefaultRule string
	// DefaultEnabled seeds the enabled flag likewise.
	DefaultEnabled bool
	// RunTimeout bounds one whole run across all methods.
	RunTimeout time.Duration
	// Cooldown is the pause after every run, successful or not.
	Cooldown time.Duration
	// TickEvery is the evaluation cadence of the Run loop.
	TickEvery time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.DefaultRule == "" {
		c.DefaultRule = "@every 12h"
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 3 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	if c.TickEvery <= 0 {
		c.TickEvery = 5 * time.Second
	}
	return c
}

// Scheduler drives speed tests through the method chain on a persisted
// recurrence. It moves idle -> running -> cooldown -> idle; at most one run
// is in flight, and every run writes exactly one result row.
//
// The next due time is persisted together with the run's result, before the
// cooldown ends, so a restart resumes from the recorded schedule instead of
// re-firing the period that just completed.
type Scheduler struct {
	cfg     SchedulerConfig
	methods []Method
	store   runStore
	clk     clock.Clock
	log     logx.Logger

	mu            sync.Mutex
	state         State
	rule          Rule
	sched         storage.ScheduleConfig
	manual        bool
	cooldownUntil time.Time
}

func NewScheduler(cfg SchedulerConfig, methods []Method, store runStore, clk clock.Clock, log logx.Logger) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		methods: methods,
		store:   store,
		clk:     clk,
		log:     log,
	}
}

// Start loads the persisted schedule, seeding a default record on first run.
// A persisted next due time is honored as-is: completing a test just before
// a crash must not lead to a duplicate run after restart.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.store.ScheduleConfig(ctx)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	if !ok {
		rule, err := ParseRule(s.cfg.DefaultRule)
		if err != nil {
			return fmt.Errorf("default rule: %w", err)
		}
		rec = storage.ScheduleConfig{
			Rule:    rule.String(),
			Enabled: s.cfg.DefaultEnabled,
			NextDue: rule.Next(s.clk.Now()),
		}
		if err := s.store.PutScheduleConfig(ctx, rec); err != nil {
			return fmt.Errorf("seed schedule: %w", err)
		}
		s.rule, s.sched = rule, rec
		s.log.Info("schedule seeded",
			logx.String("rule", rec.Rule),
			logx.Bool("enabled", rec.Enabled),
			logx.Time("next_due", rec.NextDue),
		)
		return nil
	}

	rule, err := ParseRule(rec.Rule)
	if err != nil {
		// A bad persisted rule must not take the scheduler down. Fall back
		// to the configured default but keep the persisted due time.
		s.log.Error("persisted rule invalid, using default",
			logx.String("rule", rec.Rule), logx.Err(err))
		rule, err = ParseRule(s.cfg.DefaultRule)
		if err != nil {
			return fmt.Errorf("default rule: %w", err)
		}
		rec.Rule = rule.String()
	}
	s.rule, s.sched = rule, rec
	return nil
}

// Run evaluates the schedule until ctx ends. Start must have succeeded.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, s.clk.Now())
		}
	}
}

// Tick advances the state machine once. Exported so the policy can be
// exercised deterministically with a fake clock.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	switch s.state {
	case StateCooldown:
		if now.Before(s.cooldownUntil) {
			s.mu.Unlock()
			return
		}
		// Due ticks accumulated during the cooldown do not fire: the next
		// due time already moved past this run when its result was recorded.
		s.state = StateIdle
		s.mu.Unlock()
		return
	case StateRunning:
		s.mu.Unlock()
		return
	}

	manual := s.manual
	due := manual || (s.sched.Enabled && !s.sched.NextDue.IsZero() && !now.Before(s.sched.NextDue))
	if !due {
		s.mu.Unlock()
		return
	}
	s.manual = false
	s.state = StateRunning
	s.mu.Unlock()

	s.runOnce(ctx, now, manual)
}

// runOnce walks the method chain, records exactly one result, advances and
// persists the schedule, then enters cooldown.
func (s *Scheduler) runOnce(ctx context.Context, start time.Time, manual bool) {
	s.mu.Lock()
	timeout, cooldown := s.cfg.RunTimeout, s.cfg.Cooldown
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := storage.SpeedTestResult{RunTime: start}
	for _, m := range s.methods {
		if runCtx.Err() != nil {
			break
		}
		meas, err := m.Run(runCtx)
		if err != nil {
			s.log.Warn("method failed", logx.String("method", m.Name()), logx.Err(err))
			continue
		}
		result.Method = m.Name()
		result.DownloadBps = meas.DownloadBps
		result.UploadBps = meas.UploadBps
		result.LatencyMs = meas.LatencyMs
		result.JitterMs = meas.JitterMs
		result.PacketLossPct = meas.PacketLossPct
		result.ServerLocation = meas.ServerLocation
		result.Success = true
		break
	}
	if !result.Success {
		result.ErrorKind = "all_methods_failed"
		s.log.Warn("speed test run failed", logx.Err(ErrAllMethodsFailed))
	}

	end := s.clk.Now()
	result.Duration = end.Sub(start)

	// Record against the parent context: the run timeout must not block the
	// result row or the schedule advance.
	if _, err := s.store.InsertSpeedTest(ctx, result); err != nil {
		s.log.Error("record result", logx.Err(err))
	}

	s.mu.Lock()
	s.sched.LastRun = end
	s.sched.NextDue = s.rule.Next(end)
	rec := s.sched
	s.state = StateCooldown
	s.cooldownUntil = end.Add(cooldown)
	s.mu.Unlock()

	if err := s.store.PutScheduleConfig(ctx, rec); err != nil {
		s.log.Error("persist schedule", logx.Err(err))
	}

	s.log.Info("speed test finished",
		logx.Bool("manual", manual),
		logx.Bool("success", result.Success),
		logx.String("method", result.Method),
		logx.Float64("download_bps", result.DownloadBps),
		logx.Float64("upload_bps", result.UploadBps),
		logx.Duration("took", result.Duration),
		logx.Time("next_due", rec.NextDue),
	)
}

// Apply swaps the run-policy knobs (hot config reload). The persisted rule
// and enabled flag are owned by the store and are not touched here.
func (s *Scheduler) Apply(cfg SchedulerConfig) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg.RunTimeout = cfg.RunTimeout
	s.cfg.Cooldown = cfg.Cooldown
	s.mu.Unlock()
}

// Trigger requests a manual run. Only accepted while idle; there is no
// queue, a rejected trigger is simply retried later by the caller.
func (s *Scheduler) Trigger() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrTestInProgress
	}
	s.manual = true
	return nil
}

// SetSchedule replaces the recurrence rule and enabled flag, recomputes the
// next due time from now, and persists the record.
func (s *Scheduler) SetSchedule(ctx context.Context, raw string, enabled bool) (storage.ScheduleConfig, error) {
	rule, err := ParseRule(raw)
	if err != nil {
		return storage.ScheduleConfig{}, err
	}

	s.mu.Lock()
	s.rule = rule
	s.sched.Rule = rule.String()
	s.sched.Enabled = enabled
	s.sched.NextDue = rule.Next(s.clk.Now())
	rec := s.sched
	s.mu.Unlock()

	if err := s.store.PutScheduleConfig(ctx, rec); err != nil {
		return storage.ScheduleConfig{}, fmt.Errorf("persist schedule: %w", err)
	}
	return rec, nil
}

// Schedule returns the current schedule record.
func (s *Scheduler) Schedule() storage.ScheduleConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

// State reports the current lifecycle position.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
