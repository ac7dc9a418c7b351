package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"vidqueue/internal/config"
	"vidqueue/internal/logging"
	"vidqueue/internal/media/ffprobe"
	"vidqueue/internal/metrics"
	"vidqueue/internal/objectstore"
	"vidqueue/internal/services"
)

// ObjectStore is the object transfer surface the invoker needs.
type ObjectStore interface {
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, localPath, key, contentType string) (int64, error)
}

// ProbeFunc inspects a media file.
type ProbeFunc func(ctx context.Context, binary, path string) (ffprobe.Result, error)

// Request identifies one conversion attempt.
type Request struct {
	JobID         string
	InputLocation string
	Format        string
	// Timeout bounds the ffmpeg run; zero uses the configured timeout.
	Timeout time.Duration
}

// Result describes a successful conversion.
type Result struct {
	OutputLocation string
	OutputSize     int64
	Elapsed        time.Duration
}

// Invoker converts one stored input into the requested format and stores
// the result.
type Invoker struct {
	cfg        config.Transcode
	scratchDir string
	timeout    time.Duration
	store      ObjectStore
	exec       Executor
	probe      ProbeFunc
	metrics    *metrics.Worker
	logger     *slog.Logger
}

// Option customizes the invoker.
type Option func(*Invoker)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(i *Invoker) {
		if exec != nil {
			i.exec = exec
		}
	}
}

// WithProbe overrides the ffprobe call used for progress and verification.
func WithProbe(probe ProbeFunc) Option {
	return func(i *Invoker) {
		if probe != nil {
			i.probe = probe
		}
	}
}

// WithMetrics records transfer and conversion timings.
func WithMetrics(m *metrics.Worker) Option {
	return func(i *Invoker) {
		i.metrics = m
	}
}

// New constructs an invoker from the transcode and paths configuration.
func New(cfg *config.Config, store ObjectStore, logger *slog.Logger, opts ...Option) *Invoker {
	inv := &Invoker{
		cfg:        cfg.Transcode,
		scratchDir: cfg.Paths.ScratchDir,
		timeout:    cfg.TranscodeTimeout(),
		store:      store,
		exec:       commandExecutor{},
		probe:      ffprobe.Inspect,
		logger:     logging.NewComponentLogger(logger, "transcode"),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Convert runs one attempt. Returned errors carry a services marker:
// ErrRecoverable for timeouts, signals, and cancellation; ErrTerminal for
// failures that would repeat on retry; ErrTransientInfra for object store
// trouble.
func (i *Invoker) Convert(ctx context.Context, req Request) (Result, error) {
	profile, ok := LookupProfile(req.Format)
	if !ok {
		return Result{}, services.Wrap(services.ErrTerminal, "transcode", "profile",
			fmt.Sprintf("unsupported format %q", req.Format), nil)
	}
	logger := logging.WithContext(ctx, i.logger)

	if err := os.MkdirAll(i.scratchDir, 0o755); err != nil {
		return Result{}, services.Wrap(services.ErrTransientInfra, "transcode", "scratch", "create scratch dir", err)
	}
	workDir, err := os.MkdirTemp(i.scratchDir, sanitizeJobID(req.JobID)+"-")
	if err != nil {
		return Result{}, services.Wrap(services.ErrTransientInfra, "transcode", "scratch", "create work dir", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("scratch cleanup failed",
				logging.String("path", workDir),
				logging.Error(err),
				logging.String(logging.FieldEventType, "scratch_cleanup_failed"),
				logging.String(logging.FieldErrorHint, "remove the directory manually"),
				logging.String(logging.FieldImpact, "scratch disk usage grows"),
			)
		}
	}()

	inputPath := filepath.Join(workDir, "input"+inputExtension(req.InputLocation))
	outputPath := filepath.Join(workDir, "output"+profile.Extension)

	fetchStarted := time.Now()
	if err := i.store.Download(ctx, req.InputLocation, inputPath); err != nil {
		return Result{}, classifyStoreError(ctx, "download", req.InputLocation, err)
	}
	i.metrics.Downloaded(time.Since(fetchStarted))

	started := time.Now()
	if err := i.run(ctx, logger, req, profile, inputPath, outputPath); err != nil {
		return Result{}, err
	}
	elapsed := time.Since(started)
	i.metrics.Converted(elapsed)

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return Result{}, services.Wrap(services.ErrTerminal, "transcode", "output",
			"ffmpeg exited cleanly but produced no output", err)
	}
	if i.cfg.VerifyOutput {
		if err := i.verify(ctx, outputPath); err != nil {
			return Result{}, err
		}
	}

	key := OutputKey(req.JobID, profile)
	uploadStarted := time.Now()
	size, err := i.store.Upload(ctx, outputPath, key, profile.ContentType)
	if err != nil {
		return Result{}, classifyStoreError(ctx, "upload", key, err)
	}
	i.metrics.Uploaded(time.Since(uploadStarted))
	logger.Info("transcode finished",
		logging.String(logging.FieldEventType, "transcode_finished"),
		logging.String("output", key),
		logging.Int64("bytes", size),
		logging.Duration("elapsed", elapsed),
	)
	return Result{OutputLocation: key, OutputSize: size, Elapsed: elapsed}, nil
}

func (i *Invoker) run(ctx context.Context, logger *slog.Logger, req Request, profile Profile, inputPath, outputPath string) error {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = i.timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	progress := newProgressTracker(i.inputDuration(ctx, inputPath))
	sampler := logging.NewProgressSampler(10)
	args := profile.Args(i.cfg, inputPath, outputPath)
	logger.Info("transcode started",
		logging.String(logging.FieldEventType, "transcode_started"),
		logging.String("format", profile.Format),
		logging.Duration("timeout", timeout),
	)

	err := i.exec.Run(runCtx, i.binary(), args, func(line string) {
		percent, phase, ok := progress.Observe(line)
		if !ok || !sampler.ShouldLog(percent, phase) {
			return
		}
		logger.Info("transcode progress",
			logging.String(logging.FieldEventType, "transcode_progress"),
			logging.Float64("percent", percent),
			logging.String("phase", phase),
		)
	})
	if err == nil {
		return nil
	}
	return classifyRunError(ctx, runCtx, timeout, err)
}

func (i *Invoker) binary() string {
	if b := strings.TrimSpace(i.cfg.FFmpegBinary); b != "" {
		return b
	}
	return "ffmpeg"
}

// inputDuration returns the input length for percent reporting, or 0 when
// ffprobe is unavailable.
func (i *Invoker) inputDuration(ctx context.Context, inputPath string) time.Duration {
	if strings.TrimSpace(i.cfg.FFprobeBinary) == "" {
		return 0
	}
	result, err := i.probe(ctx, i.cfg.FFprobeBinary, inputPath)
	if err != nil {
		i.logger.Debug("input probe failed", logging.Error(err))
		return 0
	}
	return result.Duration()
}

func (i *Invoker) verify(ctx context.Context, outputPath string) error {
	result, err := i.probe(ctx, i.cfg.FFprobeBinary, outputPath)
	if err != nil {
		if ctx.Err() != nil {
			return services.Wrap(services.ErrRecoverable, "transcode", "verify", "cancelled", ctx.Err())
		}
		return services.Wrap(services.ErrTerminal, "transcode", "verify", "output is not readable media", err)
	}
	if !result.HasMedia() {
		return services.Wrap(services.ErrTerminal, "transcode", "verify", "output has no audio or video streams", nil)
	}
	i.logger.Debug("output verified", logging.String("streams", result.Summary()))
	return nil
}

func classifyRunError(parent, runCtx context.Context, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return services.Wrap(services.ErrRecoverable, "transcode", "ffmpeg", "interrupted by shutdown", parent.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return services.Wrap(services.ErrRecoverable, "transcode", "ffmpeg",
			fmt.Sprintf("timed out after %s", timeout), err)
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Signaled() {
			return services.Wrap(services.ErrRecoverable, "transcode", "ffmpeg", exitErr.Error(), nil)
		}
		message := exitErr.Error()
		if exitErr.Stderr != "" {
			message += ": " + exitErr.Stderr
		}
		if malformedInput(exitErr.Stderr) {
			return services.Wrap(services.ErrTerminal, "transcode", "ffmpeg", message, nil)
		}
		// Other clean failures spend an attempt each; the retry budget ends them.
		return services.Wrap(services.ErrRecoverable, "transcode", "ffmpeg", message, nil)
	}
	return services.Wrap(services.ErrTransientInfra, "transcode", "ffmpeg", "could not run ffmpeg", err)
}

// malformedInputMarkers are ffmpeg diagnostics that mean the input itself
// cannot be decoded, so no retry can succeed.
var malformedInputMarkers = []string{
	"invalid data found when processing input",
	"moov atom not found",
	"ebml header parsing failed",
	"does not contain any stream",
	"end of file while parsing input",
}

func malformedInput(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range malformedInputMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func classifyStoreError(ctx context.Context, operation, key string, err error) error {
	switch {
	case ctx.Err() != nil:
		return services.Wrap(services.ErrRecoverable, "transcode", operation, "interrupted by shutdown", ctx.Err())
	case errors.Is(err, objectstore.ErrObjectNotFound):
		return services.Wrap(services.ErrTerminal, "transcode", operation, "object "+key+" does not exist", nil)
	default:
		return services.Wrap(services.ErrTransientInfra, "transcode", operation, key, err)
	}
}

func inputExtension(location string) string {
	ext := strings.ToLower(path.Ext(location))
	if ext == "" || len(ext) > 8 {
		return ".bin"
	}
	return ext
}

func sanitizeJobID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "job"
	}
	return strings.NewReplacer("/", "-", "\\", "-", "..", "-").Replace(id)
}
