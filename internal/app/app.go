// Package app wires the dishmon components together: config, logging,
// storage, the ingestion collector, the outage detector, the speed-test
// scheduler and the query API, all under one supervisor.
package app

import (
	"context"
	"fmt"
	"time"

	"dishmon/internal/clock"
	"dishmon/internal/collector"
	"dishmon/internal/config"
	"dishmon/internal/outage"
	"dishmon/internal/query"
	"dishmon/internal/runtime/supervisor"
	"dishmon/internal/speedtest"
	"dishmon/internal/storage"
	"dishmon/internal/telemetry"
	logx "dishmon/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store      storage.Store
	classifier *telemetry.Classifier
	detector   *outage.Detector
	coll       *collector.Collector
	sched      *speedtest.Scheduler
	facade     *query.Facade
	api        *query.Server
}

// New assembles the application from the config file at cfgPath. The source
// delivers dish telemetry samples; the caller owns it (typically stdin).
func New(cfgPath string, source telemetry.Source) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	// Bootstrap logger for the window before the log service exists; Start
	// swaps in the configured one.
	cfgm.SetLogger(logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	clk := clock.System{}

	clsCfg, err := mapClassifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	classifier := telemetry.NewClassifier(clsCfg, store)

	detector := outage.NewDetector(outage.Config{
		FailThreshold: cfg.Outage.FailThreshold,
	}, store, log.With(logx.String("comp", "outage")))

	collCfg, err := mapCollectorConfig(cfg)
	if err != nil {
		return nil, err
	}
	coll := collector.New(collCfg, source, store, detector, clk,
		log.With(logx.String("comp", "collector")))

	stLog := log.With(logx.String("comp", "speedtest"))
	methods := []speedtest.Method{
		speedtest.NewSpeedtestNet(speedtest.SpeedtestNetConfig{
			PacketLoss: cfg.SpeedTest.PacketLoss,
		}, stLog),
		speedtest.NewHTTPFallback(speedtest.HTTPFallbackConfig{
			DownloadURLs: cfg.SpeedTest.DownloadURLs,
			UploadURL:    cfg.SpeedTest.UploadURL,
		}, stLog),
		speedtest.NewPassiveProbe(classifier, store, clk),
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := speedtest.NewScheduler(schedCfg, methods, store, clk, stLog)

	facade := query.NewFacade(classifier, store, sched, clk)

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	api := query.NewServer(apiCfg, facade, log.With(logx.String("comp", "api")))

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		store:      store,
		classifier: classifier,
		detector:   detector,
		coll:       coll,
		sched:      sched,
		facade:     facade,
		api:        api,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish. Config.Validate
	// already runs in Parse; the validator re-checks the component mappings so a
	// value that only breaks at mapping time is rejected too.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapCollectorConfig(cfg); err != nil {
			return err
		}
		if _, err := mapClassifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	// Load or seed the persisted speed-test schedule. The outage detector
	// resumes its own open-event state inside the collector loop.
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start speed test scheduler: %w", err)
	}

	if err := a.api.Start(a.sup.Context()); err != nil {
		return err
	}

	// The ingestion loop restarts on failure; everything downstream of the
	// source is retried inside the loop, so a restart here means the source
	// itself broke.
	a.sup.GoRestart("collector.run", a.coll.Run)
	a.sup.Go("speedtest.schedule", a.sched.Run)

	// Hot reload config fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the live components. Storage,
// collector and API settings are start-time only; changing them logs a
// restart-required warning instead of a partial apply.
func (a *App) applyConfig(prev, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if clsCfg, err := mapClassifierConfig(cfg); err == nil {
		a.classifier.Apply(clsCfg)
	}
	a.detector.Apply(outage.Config{FailThreshold: cfg.Outage.FailThreshold})
	if schedCfg, err := mapSchedulerConfig(cfg); err == nil {
		a.sched.Apply(schedCfg)
	}

	if prev != nil {
		if prev.Storage != cfg.Storage {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if prev.Collector != cfg.Collector {
			a.log.Warn("collector config changed; restart required for changes to take effect")
		}
		if prev.API != cfg.API {
			a.log.Warn("api config changed; restart required for changes to take effect")
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding. The
	// collector flushes its pending buffer on the way out; an in-flight speed
	// test finishes within its own run timeout.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component cannot stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapCollectorConfig(cfg *config.Config) (collector.Config, error) {
	readTimeout, err := config.ParseDurationOrDefault("collector.read_timeout", cfg.Collector.ReadTimeout, 0)
	if err != nil {
		return collector.Config{}, err
	}
	retryBackoff, err := config.ParseDurationOrDefault("collector.retry_backoff", cfg.Collector.RetryBackoff, 0)
	if err != nil {
		return collector.Config{}, err
	}
	compactEvery, err := config.ParseDurationOrDefault("collector.compact_every", cfg.Collector.CompactEvery, 0)
	if err != nil {
		return collector.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("collector.retention", cfg.Collector.Retention, 0)
	if err != nil {
		return collector.Config{}, err
	}
	return collector.Config{
		ReadTimeout:  readTimeout,
		RetryBackoff: retryBackoff,
		BufferSize:   cfg.Collector.BufferSize,
		CompactEvery: compactEvery,
		Retention:    retention,
	}, nil
}

func mapClassifierConfig(cfg *config.Config) (telemetry.ClassifierConfig, error) {
	window, err := config.ParseDurationOrDefault("classifier.window", cfg.Classifier.Window, 0)
	if err != nil {
		return telemetry.ClassifierConfig{}, err
	}
	return telemetry.ClassifierConfig{
		Window:             window,
		ActiveThresholdBps: cfg.Classifier.ActiveThresholdMbps * 1e6,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (speedtest.SchedulerConfig, error) {
	runTimeout, err := config.ParseDurationOrDefault("speedtest.run_timeout", cfg.SpeedTest.RunTimeout, 0)
	if err != nil {
		return speedtest.SchedulerConfig{}, err
	}
	cooldown, err := config.ParseDurationOrDefault("speedtest.cooldown", cfg.SpeedTest.Cooldown, 0)
	if err != nil {
		return speedtest.SchedulerConfig{}, err
	}
	sc := speedtest.SchedulerConfig{
		DefaultRule:    cfg.SpeedTest.Rule,
		DefaultEnabled: cfg.SpeedTest.Enabled,
		RunTimeout:     runTimeout,
		Cooldown:       cooldown,
	}
	if sc.DefaultRule != "" {
		if _, err := speedtest.ParseRule(sc.DefaultRule); err != nil {
			return speedtest.SchedulerConfig{}, fmt.Errorf("speedtest.rule: %w", err)
		}
	}
	return sc, nil
}

func mapAPIConfig(cfg *config.Config) (query.ServerConfig, error) {
	readTimeout, err := config.ParseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, 0)
	if err != nil {
		return query.ServerConfig{}, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("api.write_timeout", cfg.API.WriteTimeout, 0)
	if err != nil {
		return query.ServerConfig{}, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("api.idle_timeout", cfg.API.IdleTimeout, 0)
	if err != nil {
		return query.ServerConfig{}, err
	}
	return query.ServerConfig{
		Enabled:       cfg.API.Enabled,
		Addr:          cfg.API.Addr,
		Token:         cfg.API.Token,
		AllowInsecure: cfg.API.AllowInsecure,
		ReadTimeout:   readTimeout,
		WriteTimeout:  writeTimeout,
		IdleTimeout:   idleTimeout,
	}, nil
}
