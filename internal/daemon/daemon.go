package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"vidqueue/internal/config"
	"vidqueue/internal/health"
	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
)

// LockFileName is the per-scratch-directory worker lock.
const LockFileName = "worker.lock"

// Runner is the consumer loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Sweeper republishes jobs whose enqueue was never confirmed.
type Sweeper interface {
	Run(ctx context.Context, interval time.Duration)
}

// Recoverer restores messages a dead consumer left in flight.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Deps are the pieces a worker host runs. Reporter, Sweeper, Recoverer, and
// Metrics are optional.
type Deps struct {
	Store     *ledger.Store
	Loop      Runner
	Reporter  *health.Reporter
	Sweeper   Sweeper
	Recoverer Recoverer
	Metrics   http.Handler
}

// Daemon runs the worker loop and its supporting goroutines.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	deps   Deps
	health *health.Server

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan error
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	LedgerPath   string
	LockFilePath string
	HealthAddr   string
	Health       health.Report
}

// New constructs a daemon. The lock is taken by Start.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || deps.Store == nil || deps.Loop == nil {
		return nil, errors.New("daemon requires config, ledger, and consumer loop")
	}
	lockPath := filepath.Join(cfg.Paths.ScratchDir, LockFileName)
	logger = logging.NewComponentLogger(logger, "daemon")
	var healthOpts []health.ServerOption
	if deps.Metrics != nil {
		healthOpts = append(healthOpts, health.WithMetrics(deps.Metrics))
	}
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		deps:     deps,
		health:   health.NewServer(cfg.Worker.HealthBind, deps.Reporter, logger, healthOpts...),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the scratch lock, recovers orphaned messages, and launches
// the loop, health server, sampler, and sweeper.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(d.cfg.Paths.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another worker is already using %s", d.cfg.Paths.ScratchDir)
	}

	if d.deps.Recoverer != nil {
		moved, err := d.deps.Recoverer.Recover(ctx)
		if err != nil {
			_ = d.lock.Unlock()
			return fmt.Errorf("recover in-flight messages: %w", err)
		}
		if moved > 0 {
			d.logger.Info("restored in-flight messages",
				logging.String(logging.FieldEventType, "messages_recovered"),
				logging.Int("count", moved))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.health.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	d.cancel = cancel
	d.done = make(chan error, 1)

	if d.deps.Reporter != nil {
		d.goRun(func() { d.deps.Reporter.Run(runCtx, d.cfg.HealthSampleInterval()) })
	}
	if d.deps.Sweeper != nil && d.cfg.ReconcileInterval() > 0 {
		d.goRun(func() { d.deps.Sweeper.Run(runCtx, d.cfg.ReconcileInterval()) })
	}
	d.goRun(func() {
		err := d.deps.Loop.Run(runCtx)
		if err != nil {
			d.logger.Error("consumer loop stopped",
				logging.Error(err),
				logging.String(logging.FieldEventType, "worker_stopped"),
				logging.String(logging.FieldErrorHint, "check broker connectivity; the orchestrator should restart this worker"),
			)
		}
		d.done <- err
	})

	d.running.Store(true)
	d.logger.Info("worker daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("health", d.health.Addr()))
	return nil
}

func (d *Daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Done yields the consumer loop's exit error once it stops.
func (d *Daemon) Done() <-chan error {
	return d.done
}

// Stop marks the worker not ready, cancels the loop, waits for the current
// delivery to settle, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.deps.Reporter != nil {
		d.deps.Reporter.SetShuttingDown()
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	d.health.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release worker lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("worker daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and closes the ledger.
func (d *Daemon) Close() error {
	d.Stop()
	return d.deps.Store.Close()
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	status := Status{
		Running:      d.running.Load(),
		LedgerPath:   d.deps.Store.Path(),
		LockFilePath: d.lockPath,
		HealthAddr:   d.health.Addr(),
	}
	if d.deps.Reporter != nil {
		status.Health = d.deps.Reporter.Report()
	}
	return status
}
