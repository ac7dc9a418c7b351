package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"vidqueue/internal/broker"
	"vidqueue/internal/config"
	"vidqueue/internal/deps"
	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
	"vidqueue/internal/objectstore"
)

const checkTimeout = 5 * time.Second

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckLedger opens the ledger database and runs its integrity check.
func CheckLedger(ctx context.Context, cfg *config.Config) Result {
	const name = "Job ledger"
	path := cfg.LedgerPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (not created yet)", path), Optional: true}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	store, err := ledger.OpenPath(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	defer store.Close()

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	health, err := store.Health(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	if !health.IntegrityCheck {
		return Result{Name: name, Detail: fmt.Sprintf("%s (integrity check failed)", path)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (schema v%d, %d jobs)", path, health.SchemaVersion, health.TotalJobs)}
}

// CheckBroker connects once and reads the queue depth.
func CheckBroker(ctx context.Context, cfg *config.Config) Result {
	name := "Broker (" + cfg.Broker.Kind + ")"
	probe := *cfg
	probe.Broker.ConnectAttempts = 1

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	b, err := broker.Open(checkCtx, &probe, "preflight", logging.NewNop())
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	defer b.Close()
	depth, err := b.Depth(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("queue %s reachable (%d ready)", cfg.Broker.Queue, depth)}
}

// CheckObjectStore verifies the bucket is reachable.
func CheckObjectStore(ctx context.Context, cfg *config.Config) Result {
	const name = "Object store"
	store, err := objectstore.New(cfg.ObjectStore)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := store.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("bucket %s at %s", store.Bucket(), cfg.ObjectStore.Endpoint)}
}

// CheckSystemDeps evaluates the transcode binaries for the given config.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	return deps.CheckBinaries(deps.TranscodeRequirements(
		cfg.Transcode.FFmpegBinary,
		cfg.Transcode.FFprobeBinary,
		cfg.Transcode.VerifyOutput,
	))
}

// summarizeError produces a human-readable summary for connectivity failures.
func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "check timed out (service unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "check timed out (service unreachable)"
	}
	return err.Error()
}
