// Package daemon wires the loops together and owns the process lifecycle:
// instance locking, scheduler startup, SIGHUP config reload, and graceful
// shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"mlm/internal/cleaner"
	"mlm/internal/config"
	"mlm/internal/goodreads"
	"mlm/internal/linker"
	"mlm/internal/logging"
	"mlm/internal/mam"
	"mlm/internal/qbit"
	"mlm/internal/scheduler"
	"mlm/internal/selector"
	"mlm/internal/store"
)

// Daemon runs the reconciliation loops against one configuration file.
type Daemon struct {
	configPath string
	cfg        *config.Config
	store      *store.Store
	logger     *slog.Logger
	lock       *flock.Flock
}

// New constructs a daemon from an already-loaded configuration.
func New(cfg *config.Config, configPath string, st *store.Store, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Daemon{
		configPath: configPath,
		cfg:        cfg,
		store:      st,
		logger:     logger.With(logging.String(logging.FieldComponent, "daemon")),
	}
}

// Run blocks until the context is cancelled. SIGHUP reloads the
// configuration: the loops are rebuilt against the new snapshot; an invalid
// file keeps the last-known-good configuration running.
func (d *Daemon) Run(ctx context.Context) error {
	d.lock = flock.New(d.cfg.LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance holds %s", d.cfg.LockPath())
	}
	defer func() {
		_ = d.lock.Unlock()
	}()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	for {
		runCtx, cancelRun := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			d.runLoops(runCtx)
		}()

	wait:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				<-done
				return nil
			case <-reload:
				d.logger.Info("reloading configuration", logging.String("path", d.configPath))
				next, _, _, err := config.Load(d.configPath)
				if err != nil {
					// Keep the last-known-good configuration running.
					d.logger.Error("reload failed", logging.Error(err))
					continue
				}
				cancelRun()
				<-done
				d.cfg = next
				break wait
			}
		}
	}
}

// runLoops builds the component graph for the current config snapshot and
// drives the scheduler until cancelled.
func (d *Daemon) runLoops(ctx context.Context) {
	cfg := d.cfg
	tracker := mam.NewClient(cfg)

	instances := make([]*qbit.Instance, 0, len(cfg.QBittorrent))
	for _, instanceCfg := range cfg.QBittorrent {
		instances = append(instances, &qbit.Instance{
			Config: instanceCfg,
			Client: qbit.NewHTTPClient(instanceCfg),
		})
	}

	cleanLoop := cleaner.New(cfg, d.store, instances, d.logger)
	linkLoop := linker.New(cfg, d.store, instances, cleanLoop, d.logger)
	selectLoop := selector.New(cfg, d.store, tracker, instances, d.logger)
	importLoop := goodreads.New(cfg, tracker, selectLoop, d.logger)

	sched := scheduler.New(d.store, d.logger)
	sched.Add(scheduler.Task{
		Name:     "selector",
		Interval: time.Duration(cfg.SearchInterval) * time.Minute,
		Run:      selectLoop.Tick,
	})
	sched.Add(scheduler.Task{
		Name:     "linker",
		Interval: time.Duration(cfg.LinkInterval) * time.Minute,
		Run:      linkLoop.Tick,
	})
	if len(cfg.GoodreadsLists) > 0 {
		sched.Add(scheduler.Task{
			Name:     "goodreads",
			Interval: time.Duration(cfg.GoodreadsInterval) * time.Minute,
			Run:      importLoop.Tick,
		})
	}

	d.logger.Info("loops started",
		logging.Int("qbit_instances", len(instances)),
		logging.Int("autograbs", len(cfg.Autograbs)),
		logging.Int("libraries", len(cfg.Libraries)),
	)
	sched.Run(ctx)
}
