package trainer

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-promptel/checkpoint"
	"github.com/tsawler/go-promptel/config"
	"github.com/tsawler/go-promptel/data"
	"github.com/tsawler/go-promptel/device"
	"github.com/tsawler/go-promptel/metric"
	"github.com/tsawler/go-promptel/model"
)

var diseases = []string{"asthma", "diabetes", "influenza", "measles", "anemia"}

func testKB(t *testing.T) *data.KB {
	t.Helper()
	ids := make([]string, len(diseases))
	desc := make(map[string]string, len(diseases))
	for i, d := range diseases {
		ids[i] = fmt.Sprintf("D%03d", i)
		desc[ids[i]] = d + " disorder"
	}
	kb, err := data.NewKB(ids, desc)
	require.NoError(t, err)
	return kb
}

func mentions(n, offset int) []data.Mention {
	out := make([]data.Mention, n)
	for i := range out {
		k := (i + offset) % len(diseases)
		out[i] = data.Mention{
			ID:   data.MentionID(fmt.Sprintf("m%d", i+offset)),
			Text: fmt.Sprintf("the patient was treated for %s last year", diseases[k]),
			Data: data.MentionData{
				Mention: diseases[k],
				Candidates: []string{
					fmt.Sprintf("D%03d", (k+1)%len(diseases)),
					fmt.Sprintf("D%03d", k),
					fmt.Sprintf("D%03d", (k+2)%len(diseases)),
				},
				Labels: []int{0, 1, 0},
			},
		}
	}
	return out
}

func testConfig(t *testing.T) *config.Run {
	t.Helper()
	cfg := config.Default()
	cfg.ModelPath = filepath.Join(t.TempDir(), "best.pel")
	cfg.Dim = 8
	cfg.VocabSize = 512
	cfg.MaxLen = 64
	cfg.CandNum = 3
	cfg.BatchSize = 2
	cfg.EvalBatchSize = 4
	cfg.Accumulation = 2
	cfg.LearningRate = 1e-2
	cfg.Compression = "lz4"
	return cfg
}

func testDatasets(t *testing.T, cfg *config.Run, nTrain int) *Datasets {
	t.Helper()
	ds, err := BuildDatasets(testKB(t), cfg.PromptConfig(), mentions(nTrain, 0), mentions(4, 1), mentions(3, 2))
	require.NoError(t, err)
	return ds
}

func newTrainer(t *testing.T, cfg *config.Run, ds *Datasets, opts ...Option) *Trainer {
	t.Helper()
	tr, err := New(cfg, ds, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func weights(tr *Trainer) map[string][]float64 {
	out := make(map[string][]float64)
	for _, p := range tr.Model().Parameters() {
		out[p.Name] = append([]float64(nil), p.Value.Data...)
	}
	return out
}

func assertSameWeights(t *testing.T, want, got map[string][]float64, delta float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for name, w := range want {
		require.Len(t, got[name], len(w), name)
		for i := range w {
			require.InDelta(t, w[i], got[name][i], delta, "%s[%d]", name, i)
		}
	}
}

type countingRecorder struct {
	steps, epochs, evals, saves int
}

func (r *countingRecorder) RecordStep(float64, float64, float64)              { r.steps++ }
func (r *countingRecorder) RecordEpoch(int, time.Duration)                    { r.epochs++ }
func (r *countingRecorder) RecordEval(string, map[int]float64, time.Duration) { r.evals++ }
func (r *countingRecorder) RecordCheckpoint(float64, error)                   { r.saves++ }

func TestTrainTenExamplesTwoUpdateSteps(t *testing.T) {
	cfg := testConfig(t)
	rec := &countingRecorder{}
	tr := newTrainer(t, cfg, testDatasets(t, cfg, 10), WithRecorder(rec), WithRunID("run-test"))

	assert.Equal(t, int64(2), tr.Plan().TotalSteps)
	assert.Equal(t, int64(0), tr.Plan().WarmupSteps)

	report, err := tr.Train(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.State.Step)
	assert.Equal(t, int64(5), report.State.MicroBatches)
	require.Len(t, report.Epochs, 1)
	assert.True(t, report.Epochs[0].Saved)
	assert.LessOrEqual(t, report.Epochs[0].Hit1, report.Epochs[0].Hit5)
	assert.LessOrEqual(t, report.TestHit1, report.TestHit5)

	assert.Equal(t, 2, rec.steps)
	assert.Equal(t, 1, rec.epochs)
	assert.Equal(t, 2, rec.evals)
	assert.Equal(t, 1, rec.saves)

	ck, err := checkpoint.NewStore().Load(cfg.ModelPath, device.Default())
	require.NoError(t, err)
	assert.Equal(t, "run-test", ck.RunID)
	assert.Equal(t, int64(2), ck.Counters.Step)
	assert.Equal(t, int64(2), ck.Optimizer.StepCount)
	assert.Equal(t, int64(2), ck.Scheduler.LastStep)
	assert.Equal(t, 1, ck.Epoch)
	assert.Equal(t, 1, report.Epochs[0].Epoch)

	var back config.Run
	require.NoError(t, json.Unmarshal(ck.Config, &back))
	assert.Equal(t, cfg.BatchSize, back.BatchSize)

	f, err := os.Open(report.PredictionsPath)
	require.NoError(t, err)
	defer f.Close()
	var preds []Prediction
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var p Prediction
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		preds = append(preds, p)
	}
	require.Len(t, preds, 3)
	for _, p := range preds {
		assert.Len(t, p.Ranked, 3)
		assert.Equal(t, p.Ranked[0].EntityID, p.Predicted)
		assert.True(t, p.HitAt5)
	}
}

func TestInsufficientDataFailsAtStartup(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(cfg, testDatasets(t, cfg, 3))
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestAccumulationMatchesLargerBatch(t *testing.T) {
	run := func(batch, acc int) map[string][]float64 {
		cfg := testConfig(t)
		cfg.BatchSize = batch
		cfg.Accumulation = acc
		cfg.WarmupProportion = 0
		tr := newTrainer(t, cfg, testDatasets(t, cfg, 8))
		_, err := tr.Train(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(2), tr.State().Step)
		return weights(tr)
	}
	assertSameWeights(t, run(4, 1), run(2, 2), 1e-9)
}

func TestReplicasMatchSingleWorker(t *testing.T) {
	run := func(devs ...device.Device) map[string][]float64 {
		cfg := testConfig(t)
		cfg.BatchSize = 4
		cfg.Accumulation = 1
		tr := newTrainer(t, cfg, testDatasets(t, cfg, 8), WithDevices(devs...))
		_, err := tr.Train(context.Background())
		require.NoError(t, err)
		return weights(tr)
	}
	single := run(device.Default())
	double := run(device.Default(), device.Default())
	assertSameWeights(t, single, double, 1e-9)
}

func TestBestCheckpointIsRestoredForTest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 3
	cfg.LearningRate = 5e-2
	tr := newTrainer(t, cfg, testDatasets(t, cfg, 10))

	report, err := tr.Train(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Epochs, 3)
	// Five micro-batches per epoch: the odd one left over at the end of an
	// epoch pairs with the first of the next.
	assert.Equal(t, int64(15), report.State.MicroBatches)
	assert.Equal(t, int64(7), report.State.Step)
	assert.Equal(t, tr.Plan().TotalSteps, report.State.Step)
	assert.Equal(t, 3, report.State.Epoch)

	best, keep := math.Inf(-1), -1
	for _, e := range report.Epochs {
		if e.Hit1 >= best {
			best, keep = e.Hit1, e.Epoch
		}
		assert.Equal(t, e.Epoch == keep, e.Saved, "epoch %d", e.Epoch)
	}
	assert.Equal(t, best, report.State.BestHit1)

	ck, err := checkpoint.NewStore().Load(cfg.ModelPath, device.Default())
	require.NoError(t, err)
	assert.Equal(t, keep, ck.Epoch)
	assert.Equal(t, best, ck.Perf)

	live := weights(tr)
	for name, w := range ck.ModelState {
		assert.Equal(t, w.Data, live[name], name)
	}
}

func TestCancelledContextStopsBeforeUpdate(t *testing.T) {
	cfg := testConfig(t)
	tr := newTrainer(t, cfg, testDatasets(t, cfg, 10))
	before := weights(tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := tr.Train(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), report.State.Step)
	assertSameWeights(t, before, weights(tr), 0)

	_, err = os.Stat(cfg.ModelPath)
	assert.True(t, os.IsNotExist(err))
}

const cancellingVariant = "cancelling-scorer"

// cancellingScorer cancels the run once its first training forward pass is
// done.
type cancellingScorer struct {
	model.Model
	cancel context.CancelFunc
	calls  int
}

func (m *cancellingScorer) ForwardTrain(ctx context.Context, b *data.Batch) (model.Loss, error) {
	loss, err := m.Model.ForwardTrain(ctx, b)
	m.calls++
	if m.calls == 1 && m.cancel != nil {
		m.cancel()
	}
	return loss, err
}

func init() {
	model.Register(cancellingVariant, func(opts model.Options) (model.Model, error) {
		inner, err := model.New(model.PromptScorerName, opts)
		if err != nil {
			return nil, err
		}
		return &cancellingScorer{Model: inner}, nil
	})
}

func TestCancelInsideAccumulationGroupFinishesTheStep(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model = cancellingVariant
	tr := newTrainer(t, cfg, testDatasets(t, cfg, 10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scorer := tr.Model().(*cancellingScorer)
	scorer.cancel = cancel

	report, err := tr.Train(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), report.State.Step)
	assert.Equal(t, int64(2), report.State.MicroBatches)
	assert.Equal(t, 2, scorer.calls)
	assert.Zero(t, report.State.MicroBatches%int64(cfg.Accumulation))
}

func TestWarmStartLoadsPretrainedWeights(t *testing.T) {
	first := testConfig(t)
	tr := newTrainer(t, first, testDatasets(t, first, 10))
	_, err := tr.Train(context.Background())
	require.NoError(t, err)
	trained := weights(tr)

	second := testConfig(t)
	second.Seed = 7
	second.UsePretrained = true
	second.PretrainedPath = first.ModelPath
	warm := newTrainer(t, second, testDatasets(t, second, 10))
	assertSameWeights(t, trained, weights(warm), 0)

	// A model of another width keeps its own weights and still starts.
	third := testConfig(t)
	third.Dim = 4
	third.UsePretrained = true
	third.PretrainedPath = first.ModelPath
	newTrainer(t, third, testDatasets(t, third, 10))
}

func TestAverageLossBeforeFirstUpdate(t *testing.T) {
	s := newState()
	avg, ok := s.AverageLoss()
	assert.False(t, ok)
	assert.Equal(t, 0.0, avg)
	assert.True(t, math.IsInf(s.BestHit1, -1))

	s.Step, s.TrLoss = 4, 2
	avg, ok = s.AverageLoss()
	assert.True(t, ok)
	assert.Equal(t, 0.5, avg)
}

func TestPredictionsFollowRanking(t *testing.T) {
	examples := []*data.Example{
		{MentionID: "a", CandidateIDs: []string{"x", "y"}, Labels: []int{0, 1}},
		{MentionID: "b", CandidateIDs: []string{"p", "q", "r"}, Labels: []int{1, 0, 0}},
	}
	table := metric.NewScoreTable(2)
	require.NoError(t, table.Add([]float64{0.2, 0.5, 0.7}, []float64{1, 0, 0}))
	require.NoError(t, table.Add([]float64{0.1, 0.9}, []float64{0, 1}))
	res := &metric.Result{
		Hits:     map[int]*roaring.Bitmap{1: table.Hits(1), 5: table.Hits(5)},
		Index:    []int{1, 0},
		Scores:   [][]float64{{0.2, 0.5, 0.7}, {0.1, 0.9}},
		Rankings: [][]int{table.Ranking(0), table.Ranking(1)},
	}

	preds, err := Predictions(examples, res)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "b", preds[0].MentionID)
	assert.Equal(t, "r", preds[0].Predicted)
	assert.False(t, preds[0].HitAt1)
	assert.Equal(t, "a", preds[1].MentionID)
	assert.Equal(t, "y", preds[1].Predicted)
	assert.True(t, preds[1].HitAt1)

	_, err = Predictions(examples[:1], res)
	assert.Error(t, err)
}

func TestLoadDatasetsFromFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.DataDir = dir
	cfg.ShuffleCandidates = true

	kb := map[string]string{}
	for i, d := range diseases {
		kb[fmt.Sprintf("D%03d", i)] = d
	}
	writeJSON := func(name string, v any) {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o644))
	}
	writeJSON(cfg.KBFile, kb)
	writeJSON(cfg.TrainFile, mentions(6, 0))
	writeJSON(cfg.DevFile, mentions(2, 1))
	writeJSON(cfg.TestFile, mentions(2, 2))

	ds, err := LoadDatasets(cfg)
	require.NoError(t, err)
	assert.Equal(t, len(diseases), ds.KB.Len())
	assert.Len(t, ds.Train, 6)
	assert.Len(t, ds.Dev, 2)
	assert.Len(t, ds.Test, 2)
	for _, ex := range ds.Train {
		require.NoError(t, ex.Validate())
		positives := 0
		for _, l := range ex.Labels {
			positives += l
		}
		assert.Equal(t, 1, positives)
	}
}
