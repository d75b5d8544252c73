package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"uploadcast/internal/config"
	"uploadcast/internal/eventbus"
	"uploadcast/internal/metrics"
	"uploadcast/internal/runtime/supervisor"
	"uploadcast/internal/storage"
	"uploadcast/internal/transport"
	"uploadcast/internal/upload"
	logx "uploadcast/pkg/logx"
)

// App wires the upload engine to its config file, profile store, metrics
// endpoint and event bus.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg     *prometheus.Registry
	metrics *metrics.Metrics
	msrv    *metrics.Server

	client *transport.Client
	orch   *upload.Orchestrator

	// mu guards the profile and limit bookkeeping; it is held across
	// orchestrator reconfiguration so limit changes apply in order.
	mu      sync.Mutex
	profile config.Profile
	rate    int
	pending *upload.Limits
}

// NewApp loads (or creates) the config at cfgPath and builds every
// component. Nothing runs in the background until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	if _, err := cfgm.EnsureFile(); err != nil {
		return nil, fmt.Errorf("create default config: %w", err)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, root := logx.New(cfg.Logging.LogConfig())
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
		rate: cfg.Uploads.RatePerSec,
	}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(fmt.Errorf("open storage: %w", err))
		}
		a.store = st
		log.Debug("storage enabled", logx.String("driver", sc.Driver))
	}
	if err := a.loadProfile(cfg); err != nil {
		return fail(err)
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.metrics, err = metrics.New(a.reg); err != nil {
		return fail(err)
	}
	mc, err := mapMetricsConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.msrv = metrics.NewServer(mc, a.reg, root)

	topt, err := mapTransportOptions(cfg, root.With(logx.String("comp", "transport")))
	if err != nil {
		return fail(err)
	}
	a.client = transport.New(topt)

	limits := a.profile.Limits()
	limits.RatePerSec = a.rate
	a.orch, err = upload.New(a.client,
		upload.WithLogger(root),
		upload.WithLimits(limits),
		upload.WithQueueSize(cfg.Uploads.QueueSize),
		upload.WithRecorder(a.metrics),
		upload.WithObserver(upload.ObserverFunc(func(ev upload.Event) {
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeTask, Time: ev.Timestamp, Data: ev})
		})),
	)
	if err != nil {
		return fail(err)
	}
	return a, nil
}

// loadProfile reads the stored profile, seeding it from cfg on first start.
func (a *App) loadProfile(cfg *config.Config) error {
	if a.store != nil {
		p, ok, err := a.store.LoadProfile(context.Background())
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		if ok {
			a.profile = p
			return nil
		}
	}
	a.profile = seedProfile(cfg)
	if err := config.ValidateProfile(&a.profile); err != nil {
		return err
	}
	a.log.Info("profile seeded from config", logx.Int("endpoints", len(a.profile.Endpoints)))
	return a.saveProfileLocked(context.Background())
}

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Logger() logx.Logger { return a.log }

// MetricsAddr is the bound metrics listener, or "" when disabled.
func (a *App) MetricsAddr() string { return a.msrv.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	if a.sup != nil {
		return nil
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTransportOptions(cfg, logx.Nop()); err != nil {
			return err
		}
		if _, err := mapMetricsConfig(cfg); err != nil {
			return err
		}
		return cfg.Uploads.Limits().Validate()
	})

	a.msrv.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, 250*time.Millisecond, 5*time.Second)

	a.log.Debug("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(newCfg.Logging.LogConfig())

	for _, s := range sections {
		switch s {
		case "storage", "transport":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		case "endpoints":
			a.log.Info("endpoint seed list changed; the stored profile keeps its endpoints")
		case "metrics":
			if mc, err := mapMetricsConfig(newCfg); err != nil {
				a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
			} else {
				a.msrv.Reconfigure(ctx, mc)
			}
		case "uploads":
			l := newCfg.Uploads.Limits()
			a.mu.Lock()
			a.profile.MaxConcurrentUploads = l.MaxConcurrentUploads
			a.profile.MaxRetryAttempts = l.MaxRetryAttempts
			a.rate = l.RatePerSec
			if err := a.saveProfileLocked(ctx); err != nil {
				a.log.Warn("profile save failed", logx.Err(err))
			}
			a.applyLimitsLocked(ctx)
			a.mu.Unlock()
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyLimitsLocked pushes the profile limits to the orchestrator, or
// parks them until the active run finishes.
func (a *App) applyLimitsLocked(ctx context.Context) {
	l := a.profile.Limits()
	l.RatePerSec = a.rate
	err := a.orch.Configure(ctx, l)
	switch {
	case err == nil:
		a.pending = nil
	case errors.Is(err, upload.ErrRunInProgress):
		a.pending = &l
		a.log.Info("limits change deferred until the current run finishes")
	default:
		a.log.Warn("limits not applied", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	// step bounds one shutdown step so a stuck component cannot stall Stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("uploads", 5*time.Second, a.orch.Close)
	step("metrics", time.Second, func(c context.Context) error { a.msrv.Stop(c); return nil })
	step("transport", time.Second, func(context.Context) error { a.client.CloseIdle(); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Debug("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
