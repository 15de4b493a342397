// Command disambiguate trains a prompt-based entity disambiguation model,
// keeps the checkpoint with the best validation hit@1 and reports test
// accuracy with it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tsawler/go-promptel/checkpoint"
	"github.com/tsawler/go-promptel/config"
	"github.com/tsawler/go-promptel/internal/logging"
	"github.com/tsawler/go-promptel/internal/telemetry"
	"github.com/tsawler/go-promptel/model"
	"github.com/tsawler/go-promptel/trainer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("disambiguate: %v", err)
	}
	if err := parseFlags(flag.CommandLine, os.Args[1:], cfg); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("disambiguate: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stderr); err != nil {
		log.Fatalf("disambiguate: %v", err)
	}
}

// parseFlags overrides cfg with any flags given in args. The defaults shown
// by -help are the values already in cfg, so environment settings show up
// there too.
func parseFlags(fs *flag.FlagSet, args []string, cfg *config.Run) error {
	fs.StringVar(&cfg.DataDir, "dataset", cfg.DataDir, "Directory holding the dataset files")
	fs.StringVar(&cfg.TrainFile, "train-data", cfg.TrainFile, "Training mentions file, relative to --dataset")
	fs.StringVar(&cfg.DevFile, "dev-data", cfg.DevFile, "Validation mentions file, relative to --dataset")
	fs.StringVar(&cfg.TestFile, "test-data", cfg.TestFile, "Test mentions file, relative to --dataset")
	fs.StringVar(&cfg.KBFile, "kb", cfg.KBFile, "Knowledge base file, relative to --dataset")
	fs.StringVar(&cfg.ModelPath, "model", cfg.ModelPath, "Where the best checkpoint is written")
	fs.StringVar(&cfg.PretrainedPath, "pretrained-path", cfg.PretrainedPath, "Checkpoint to warm start from")
	fs.BoolVar(&cfg.UsePretrained, "use-pretrained", cfg.UsePretrained, "Load --pretrained-path before training")

	fs.StringVar(&cfg.Model, "variant", cfg.Model, "Model variant ("+strings.Join(model.Variants(), ", ")+")")
	fs.StringVar(&cfg.Loss, "type-loss", cfg.Loss, "Loss: log_sum, sum_log, sum_log_nce, max_min or bce_loss")
	fs.IntVar(&cfg.Dim, "dim", cfg.Dim, "Embedding width")
	fs.IntVar(&cfg.VocabSize, "vocab-size", cfg.VocabSize, "Hashed vocabulary size")
	fs.IntVar(&cfg.MaxLen, "max-len", cfg.MaxLen, "Maximum prompt length in tokens")
	fs.IntVar(&cfg.MaxTextLen, "max-text-len", cfg.MaxTextLen, "Maximum context length in tokens")
	fs.IntVar(&cfg.MaxEntLen, "max-ent-len", cfg.MaxEntLen, "Maximum entity description length in tokens")
	fs.IntVar(&cfg.CandNum, "cand-num", cfg.CandNum, "Candidates kept per mention")

	fs.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "Training batch size")
	fs.IntVar(&cfg.EvalBatchSize, "eval-batch", cfg.EvalBatchSize, "Evaluation batch size")
	fs.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "Peak learning rate")
	fs.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Training epochs")
	fs.IntVar(&cfg.Accumulation, "gradient-accumulation-steps", cfg.Accumulation, "Micro-batches per update")
	fs.Float64Var(&cfg.WarmupProportion, "warmup-proportion", cfg.WarmupProportion, "Share of updates spent warming up")
	fs.Float64Var(&cfg.WeightDecay, "weight-decay", cfg.WeightDecay, "Decoupled weight decay")
	fs.Float64Var(&cfg.AdamEpsilon, "adam-epsilon", cfg.AdamEpsilon, "Adam epsilon")
	fs.Float64Var(&cfg.Clip, "clip", cfg.Clip, "Gradient norm clip")
	fs.BoolVar(&cfg.SimpleOptim, "simpleoptim", cfg.SimpleOptim, "Plain Adam at a constant learning rate")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed")
	fs.BoolVar(&cfg.ShuffleCandidates, "shuffle-candidates", cfg.ShuffleCandidates, "Shuffle training candidates under the seed")
	fs.StringVar(&cfg.Devices, "devices", cfg.Devices, "Comma separated devices, e.g. cpu:0,cpu:1")

	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "Checkpoint compression: none, zstd or lz4")
	fs.StringVar(&cfg.MirrorURL, "mirror", cfg.MirrorURL, "Copy checkpoints to s3://bucket/prefix or minio://host/bucket/prefix")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.DurationVar(&cfg.ProgressEvery, "progress-every", cfg.ProgressEvery, "Minimum time between progress lines (0 logs every update)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\nEvery option can also be set with a PEL_* environment variable.\n\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return cfg.Validate()
}

func run(ctx context.Context, cfg *config.Run, stderr io.Writer) error {
	if err := os.MkdirAll(filepath.Dir(cfg.ModelPath), 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}
	logFile, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger, err := logging.New(io.MultiWriter(stderr, logFile), cfg.LogFormat, level)
	if err != nil {
		return err
	}

	opts := []trainer.Option{trainer.WithLogger(logger)}

	if cfg.MetricsAddr != "" {
		metrics := telemetry.NewPrometheus("promptel")
		opts = append(opts, trainer.WithRecorder(metrics))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(metrics), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	if cfg.MirrorURL != "" {
		mirror, err := checkpoint.NewMirror(ctx, cfg.MirrorURL)
		if err != nil {
			return fmt.Errorf("init checkpoint mirror: %w", err)
		}
		opts = append(opts, trainer.WithMirror(mirror))
	}

	ds, err := trainer.LoadDatasets(cfg)
	if err != nil {
		return err
	}
	tr, err := trainer.New(cfg, ds, opts...)
	if err != nil {
		return err
	}
	defer tr.Close()

	report, err := tr.Train(ctx)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	logger.Info("test results",
		"recall@1", report.TestHit1,
		"recall@5", report.TestHit5,
		"best_val", report.State.BestHit1,
		"steps", report.State.Step,
		"predictions", report.PredictionsPath,
	)
	return nil
}

func metricsMux(p *telemetry.Prometheus) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	return mux
}
