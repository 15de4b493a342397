// Package trainer drives a training run: it owns the model, the optimizer
// plan and the counters, runs the epochs with gradient accumulation, keeps the
// best checkpoint by validation hit@1 and finally scores the test split with
// the best weights.
package trainer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tsawler/go-promptel/checkpoint"
	"github.com/tsawler/go-promptel/config"
	"github.com/tsawler/go-promptel/data"
	"github.com/tsawler/go-promptel/device"
	"github.com/tsawler/go-promptel/internal/logging"
	"github.com/tsawler/go-promptel/internal/telemetry"
	"github.com/tsawler/go-promptel/metric"
	"github.com/tsawler/go-promptel/model"
	"github.com/tsawler/go-promptel/optimizer"
	"github.com/tsawler/go-promptel/replica"
	"github.com/tsawler/go-promptel/tensor"
)

const checkpointVersion = 1

// runner is what the controller forwards batches through: the model itself,
// or a replica group wrapping it.
type runner interface {
	ForwardTrain(ctx context.Context, b *data.Batch) (model.Loss, error)
	ForwardEval(ctx context.Context, b *data.Batch) ([][]float64, error)
}

// EpochResult summarises one epoch.
type EpochResult struct {
	Epoch     int
	TrainLoss float64
	Hit1      float64
	Hit5      float64
	Saved     bool
	EpochTime time.Duration
	TrainTime time.Duration
}

// Report is the outcome of Train.
type Report struct {
	RunID           string
	State           State
	Epochs          []EpochResult
	TestHit1        float64
	TestHit5        float64
	PredictionsPath string
}

// Trainer runs one training job. It is not safe for concurrent use.
type Trainer struct {
	cfg     *config.Run
	ds      *Datasets
	runID   string
	devices []device.Device
	device  device.Device // where the master model lives

	model  model.Model
	params []*tensor.Parameter
	runner runner
	group  *replica.Group
	plan   *optimizer.Plan

	train *data.Loader
	dev   *data.Loader
	test  *data.Loader

	store    *checkpoint.Store
	manager  *checkpoint.Manager
	mirrors  []checkpoint.Mirror
	logger   *logging.Logger
	recorder telemetry.Recorder
	progress *rate.Sometimes

	cfgJSON  json.RawMessage
	state    State
	stepLoss float64 // loss of the micro-batches in the pending update
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Trainer) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithRecorder sets where training metrics go.
func WithRecorder(r telemetry.Recorder) Option {
	return func(t *Trainer) {
		if r != nil {
			t.recorder = r
		}
	}
}

// WithMirror copies every kept checkpoint to remote storage.
func WithMirror(m checkpoint.Mirror) Option {
	return func(t *Trainer) {
		if m != nil {
			t.mirrors = append(t.mirrors, m)
		}
	}
}

// WithStore overrides the checkpoint store built from the configuration.
func WithStore(s *checkpoint.Store) Option {
	return func(t *Trainer) {
		t.store = s
	}
}

// WithDevices overrides the configured device list. The first device holds
// the master model; more than one starts a replica group.
func WithDevices(devs ...device.Device) Option {
	return func(t *Trainer) {
		t.devices = devs
	}
}

// WithRunID sets the run id instead of a random one.
func WithRunID(id string) Option {
	return func(t *Trainer) {
		t.runID = id
	}
}

// New builds the model, optimizer plan, loaders and checkpoint manager for
// cfg. It fails with ErrInsufficientData when the training set is too small
// for a single update step.
func New(cfg *config.Run, ds *Datasets, opts ...Option) (*Trainer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if ds == nil || ds.KB == nil {
		return nil, fmt.Errorf("datasets cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:      cfg,
		ds:       ds,
		runID:    uuid.NewString(),
		logger:   logging.NoopLogger(),
		recorder: telemetry.Noop{},
		state:    newState(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if len(t.devices) == 0 {
		t.devices = cfg.DeviceList()
	}
	t.device = t.devices[0]
	t.logger = t.logger.WithRun(t.runID)

	m, err := model.New(cfg.Model, model.Options{
		VocabSize:  cfg.VocabSize,
		EntityRows: ds.KB.Rows(),
		Dim:        cfg.Dim,
		Loss:       cfg.LossType(),
		Seed:       cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	if err := m.To(t.device); err != nil {
		return nil, err
	}
	t.model = m
	t.params = m.Parameters()

	if t.store == nil {
		t.store = checkpoint.NewStore(checkpoint.WithCodec(cfg.Codec()))
	}
	if cfg.UsePretrained {
		if err := t.warmStart(); err != nil {
			return nil, err
		}
	}

	t.plan, err = optimizer.Configure(cfg.PlanConfig(len(ds.Train)), t.params)
	if err != nil {
		return nil, fmt.Errorf("failed to configure optimizer: %w", err)
	}
	if t.plan.TotalSteps == 0 {
		return nil, fmt.Errorf("%w: %d examples, batch %d, accumulation %d, %d epochs",
			ErrInsufficientData, len(ds.Train), cfg.BatchSize, cfg.Accumulation, cfg.Epochs)
	}

	if t.train, err = data.NewLoader(ds.Train, data.LoaderConfig{BatchSize: cfg.BatchSize, Shuffle: true, Seed: cfg.Seed}); err != nil {
		return nil, fmt.Errorf("train split: %w", err)
	}
	if t.dev, err = data.NewLoader(ds.Dev, data.LoaderConfig{BatchSize: cfg.EvalBatchSize}); err != nil {
		return nil, fmt.Errorf("dev split: %w", err)
	}
	if t.test, err = data.NewLoader(ds.Test, data.LoaderConfig{BatchSize: cfg.EvalBatchSize}); err != nil {
		return nil, fmt.Errorf("test split: %w", err)
	}

	tensor.ZeroGrads(t.params)

	mopts := []checkpoint.ManagerOption{checkpoint.WithLogger(t.logger)}
	for _, mirror := range t.mirrors {
		mopts = append(mopts, checkpoint.WithMirror(mirror))
	}
	t.manager = checkpoint.NewManager(cfg.ModelPath, t.store, mopts...)

	if cfg.ProgressEvery > 0 {
		t.progress = &rate.Sometimes{First: 1, Interval: cfg.ProgressEvery}
	} else {
		t.progress = &rate.Sometimes{Every: 1}
	}
	if t.cfgJSON, err = cfg.JSON(); err != nil {
		return nil, err
	}

	// Replica workers start last.
	t.runner = m
	if len(t.devices) > 1 {
		g, err := replica.NewGroup(m, t.devices)
		if err != nil {
			return nil, fmt.Errorf("failed to start replicas: %w", err)
		}
		t.group = g
		t.runner = g
	}
	return t, nil
}

// warmStart loads pretrained weights non-strictly: names the model does not
// have, or with another shape, are skipped and logged.
func (t *Trainer) warmStart() error {
	ck, err := t.store.Load(t.cfg.PretrainedPath, t.device)
	if err != nil {
		return fmt.Errorf("failed to load pretrained weights: %w", err)
	}
	report, err := t.model.LoadStateDict(ck.ModelState, false)
	if err != nil {
		return fmt.Errorf("failed to apply pretrained weights: %w", err)
	}
	t.logger.Info("pretrained weights loaded",
		"path", t.cfg.PretrainedPath,
		"loaded", len(report.Loaded),
		"missing", report.Missing,
		"unexpected", report.Unexpected,
		"mismatched", report.Mismatched,
	)
	return nil
}

// RunID returns the id tagging logs and checkpoints.
func (t *Trainer) RunID() string { return t.runID }

// Plan returns the optimizer plan.
func (t *Trainer) Plan() *optimizer.Plan { return t.plan }

// Model returns the master model.
func (t *Trainer) Model() model.Model { return t.model }

// State returns a copy of the counters.
func (t *Trainer) State() State { return t.state }

// Close stops the replica workers, if any.
func (t *Trainer) Close() error {
	if t.group != nil {
		return t.group.Close()
	}
	return nil
}

// Train runs every epoch, then reloads the best checkpoint and scores the
// test split. The context is checked between update steps only.
func (t *Trainer) Train(ctx context.Context) (*Report, error) {
	report := &Report{RunID: t.runID}
	t.logger.LogBanner(ctx, logging.Banner{
		Device:         t.device.String(),
		Workers:        len(t.devices),
		Entities:       t.ds.KB.Len(),
		TrainSamples:   len(t.ds.Train),
		ValSamples:     len(t.ds.Dev),
		TestSamples:    len(t.ds.Test),
		Epochs:         t.cfg.Epochs,
		BatchSize:      t.cfg.BatchSize,
		Accumulation:   t.cfg.Accumulation,
		TotalSteps:     t.plan.TotalSteps,
		WarmupSteps:    t.plan.WarmupSteps,
		LearningRate:   t.cfg.LearningRate,
		TrainableCount: tensor.CountTrainable(t.params),
	})

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		res, err := t.runEpoch(ctx, epoch)
		if err != nil {
			report.State = t.state
			return report, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		report.Epochs = append(report.Epochs, res)
	}

	if err := t.finish(ctx, report); err != nil {
		report.State = t.state
		return report, err
	}
	report.State = t.state
	return report, nil
}

// runEpoch runs epoch number epoch, counted from 1.
func (t *Trainer) runEpoch(ctx context.Context, epoch int) (EpochResult, error) {
	res := EpochResult{Epoch: epoch}
	epochStart := time.Now()
	t.state.Epoch = epoch
	logger := t.logger.WithEpoch(epoch)

	t.model.SetTraining(true)
	if err := t.train.Shuffle(); err != nil {
		return res, fmt.Errorf("failed to shuffle training data: %w", err)
	}

	// Micro-batches inside one accumulation group never see cancellation;
	// the check at each group start is the only stopping point.
	stepCtx := context.WithoutCancel(ctx)
	acc := int64(t.cfg.Accumulation)
	batches := t.train.BatchCount()
	for bi := range batches {
		if t.state.MicroBatches%acc == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		b, err := t.train.GetBatch(bi)
		if err != nil {
			return res, fmt.Errorf("failed to get batch %d: %w", bi, err)
		}
		if err := t.microBatch(stepCtx, b); err != nil {
			return res, fmt.Errorf("batch %d: %w", bi, err)
		}
		t.state.MicroBatches++

		if t.state.MicroBatches%acc == 0 {
			lr, loss := t.plan.Optimizer.GetLearningRate(), t.stepLoss
			if err := t.update(); err != nil {
				return res, fmt.Errorf("update step %d: %w", t.state.Step+1, err)
			}
			t.progress.Do(func() {
				logger.LogProgress(ctx, epoch, bi+1, batches, t.state.Step, lr, loss)
				t.state.LoggingLoss = t.state.TrLoss
			})
		}
	}
	res.TrainTime = time.Since(epochStart)

	dev, err := t.evaluate(ctx, "val", t.dev)
	if err != nil {
		return res, err
	}
	res.Hit1, res.Hit5 = dev.HitAt[1], dev.HitAt[5]

	avg, ok := t.state.AverageLoss()
	if !ok {
		logger.WarnContext(ctx, "no update step completed yet; reporting train loss as 0")
	}
	res.TrainLoss = avg

	saved, err := t.manager.Keep(ctx, res.Hit1, func() *checkpoint.Checkpoint { return t.snapshot() })
	t.recorder.RecordCheckpoint(t.manager.BestScore(), err)
	if err != nil {
		return res, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	res.Saved = saved
	t.state.BestHit1 = t.manager.BestScore()

	res.EpochTime = time.Since(epochStart)
	logger.LogEpoch(ctx, logging.EpochSummary{
		Epoch:     epoch,
		TrainLoss: res.TrainLoss,
		Hit1:      res.Hit1,
		Hit5:      res.Hit5,
		EpochTime: res.EpochTime,
		TrainTime: res.TrainTime,
	})
	t.recorder.RecordEpoch(epoch, res.EpochTime)
	return res, nil
}

// microBatch runs forward and backward for one batch. The summed loss is
// divided by the batch size and the accumulation factor so the gradients of
// one update average over the whole logical batch.
func (t *Trainer) microBatch(ctx context.Context, b *data.Batch) error {
	if err := b.To(t.device); err != nil {
		return err
	}
	loss, err := t.runner.ForwardTrain(ctx, b)
	if err != nil {
		return fmt.Errorf("forward pass failed: %w", err)
	}
	scale := 1 / float64(b.Size()*t.cfg.Accumulation)
	if err := loss.Backward(scale); err != nil {
		return fmt.Errorf("backward pass failed: %w", err)
	}
	scaled := loss.Value() * scale
	t.state.TrLoss += scaled
	t.stepLoss += scaled
	return nil
}

// update clips, steps the optimizer, advances the schedule and clears the
// gradients.
func (t *Trainer) update() error {
	lr := t.plan.Optimizer.GetLearningRate()
	norm, err := optimizer.ClipGradsByNorm(t.params, t.cfg.Clip)
	if err != nil {
		return fmt.Errorf("failed to clip gradients: %w", err)
	}
	if err := t.plan.Optimizer.Step(t.params); err != nil {
		return fmt.Errorf("optimizer step failed: %w", err)
	}
	t.state.Step++
	if err := t.plan.Scheduler.Step(t.state.Step); err != nil {
		return fmt.Errorf("scheduler step failed: %w", err)
	}
	t.plan.Optimizer.ZeroGrad(t.params)
	t.recorder.RecordStep(lr, t.stepLoss, norm)
	t.stepLoss = 0
	return nil
}

func (t *Trainer) evaluate(ctx context.Context, split string, loader *data.Loader) (*metric.Result, error) {
	start := time.Now()
	t.model.SetTraining(false)
	defer t.model.SetTraining(true)

	res, err := metric.Evaluate(ctx, t.runner, &deviceLoader{Loader: loader, device: t.device}, 1, 5)
	if err != nil {
		return nil, fmt.Errorf("%s evaluation failed: %w", split, err)
	}
	elapsed := time.Since(start)
	t.logger.LogEval(ctx, split, res.HitAt[1], res.HitAt[5], elapsed)
	t.recorder.RecordEval(split, res.HitAt, elapsed)
	return res, nil
}

// snapshot captures the master weights, optimizer and schedule, and counters.
func (t *Trainer) snapshot() *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		Version:    checkpointVersion,
		RunID:      t.runID,
		Timestamp:  time.Now().UTC(),
		ModelName:  t.model.Name(),
		Epoch:      t.state.Epoch,
		Config:     t.cfgJSON,
		Counters:   t.state.counters(),
		Optimizer:  t.plan.Optimizer.State(),
		Scheduler:  t.plan.Scheduler.State(),
		ModelState: t.model.StateDict(),
	}
}

// finish reloads the best checkpoint, scores the test split and writes the
// predictions file.
func (t *Trainer) finish(ctx context.Context, report *Report) error {
	ck, err := t.manager.Best(t.device)
	if err != nil {
		return fmt.Errorf("failed to reload best checkpoint: %w", err)
	}
	if _, err := t.model.LoadStateDict(ck.ModelState, true); err != nil {
		return fmt.Errorf("failed to restore best weights: %w", err)
	}
	t.logger.InfoContext(ctx, "best checkpoint restored",
		"epoch", ck.Epoch,
		"perf", ck.Perf,
		"path", t.manager.Path(),
	)

	res, err := t.evaluate(ctx, "test", t.test)
	if err != nil {
		return err
	}
	report.TestHit1, report.TestHit5 = res.HitAt[1], res.HitAt[5]

	preds, err := Predictions(t.ds.Test, res)
	if err != nil {
		return err
	}
	path := t.cfg.PredictionsPath()
	if err := WritePredictions(path, preds); err != nil {
		return err
	}
	report.PredictionsPath = path
	t.logger.InfoContext(ctx, "test predictions written",
		"path", path,
		"count", len(preds),
		"recall@1", report.TestHit1,
		"recall@5", report.TestHit5,
	)
	return nil
}

// deviceLoader places every batch on the master device as it is read.
type deviceLoader struct {
	*data.Loader
	device device.Device
}

func (l *deviceLoader) GetBatch(batchIdx int) (*data.Batch, error) {
	b, err := l.Loader.GetBatch(batchIdx)
	if err != nil {
		return nil, err
	}
	if err := b.To(l.device); err != nil {
		return nil, err
	}
	return b, nil
}
