package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with training-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that writes JSON lines to w.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes human-readable text to w.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// New picks the handler by format name ("text" or "json").
func New(w io.Writer, format string, level slog.Level) (*Logger, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return NewTextLogger(w, level), nil
	case "json":
		return NewJSONLogger(w, level), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// ParseLevel reads debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithRun tags every line with the run id.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("run", runID),
	}
}

// WithEpoch adds an epoch field to the logger.
func (l *Logger) WithEpoch(epoch int) *Logger {
	return &Logger{
		Logger: l.Logger.With("epoch", epoch),
	}
}

// Banner describes a run before the first epoch.
type Banner struct {
	Device         string
	Workers        int
	Entities       int
	TrainSamples   int
	ValSamples     int
	TestSamples    int
	Epochs         int
	BatchSize      int
	Accumulation   int
	TotalSteps     int64
	WarmupSteps    int64
	LearningRate   float64
	TrainableCount int
}

// LogBanner logs the run layout.
func (l *Logger) LogBanner(ctx context.Context, b Banner) {
	l.InfoContext(ctx, "***** train *****",
		"device", b.Device,
		"workers", b.Workers,
		"entities", b.Entities,
		"train_samples", b.TrainSamples,
		"val_samples", b.ValSamples,
		"test_samples", b.TestSamples,
		"epochs", b.Epochs,
		"batch_size", b.BatchSize,
		"accumulation", b.Accumulation,
		"effective_batch_size", b.BatchSize*b.Accumulation,
		"training_steps", b.TotalSteps,
		"warmup_steps", b.WarmupSteps,
		"learning_rate", b.LearningRate,
		"parameters", b.TrainableCount,
	)
}

// EpochSummary is what the controller reports when an epoch ends.
type EpochSummary struct {
	Epoch     int
	TrainLoss float64 // average loss per update step so far
	Hit1      float64
	Hit5      float64
	EpochTime time.Duration
	TrainTime time.Duration
}

// LogEpoch logs the end of an epoch.
func (l *Logger) LogEpoch(ctx context.Context, s EpochSummary) {
	l.InfoContext(ctx, "epoch done",
		"epoch", s.Epoch,
		"train_loss", s.TrainLoss,
		"recall@1", s.Hit1,
		"recall@5", s.Hit5,
		"epoch_time", s.EpochTime.Round(time.Millisecond),
		"train_time", s.TrainTime.Round(time.Millisecond),
	)
}

// LogProgress logs a throttled progress line inside an epoch.
func (l *Logger) LogProgress(ctx context.Context, epoch, batch, batches int, step int64, lr, loss float64) {
	l.InfoContext(ctx, "training",
		"epoch", epoch,
		"batch", fmt.Sprintf("%d/%d", batch, batches),
		"step", step,
		"lr", lr,
		"loss", loss,
	)
}

// LogBestCheckpoint logs a new best score and the save outcome.
func (l *Logger) LogBestCheckpoint(ctx context.Context, previous, current float64, path string, err error) {
	prev := any(previous)
	if math.IsInf(previous, -1) {
		prev = "-inf"
	}
	if err != nil {
		l.ErrorContext(ctx, "checkpoint save failed",
			"path", path,
			"best", current,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "new best val perf",
		"previous", prev,
		"best", current,
		"path", path,
	)
}

// LogEval logs an evaluation pass.
func (l *Logger) LogEval(ctx context.Context, split string, hit1, hit5 float64, elapsed time.Duration) {
	l.InfoContext(ctx, "evaluation",
		"split", split,
		"recall@1", hit1,
		"recall@5", hit5,
		"elapsed", elapsed.Round(time.Millisecond),
	)
}

// LogMirror logs an object-storage upload.
func (l *Logger) LogMirror(ctx context.Context, target string, err error) {
	if err != nil {
		l.WarnContext(ctx, "checkpoint mirror failed",
			"target", target,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "checkpoint mirrored",
		"target", target,
	)
}
