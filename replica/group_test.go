package replica_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-promptel/data"
	"github.com/tsawler/go-promptel/device"
	"github.com/tsawler/go-promptel/model"
	"github.com/tsawler/go-promptel/replica"
)

func newMaster(t *testing.T) model.Model {
	t.Helper()
	m, err := model.New(model.PromptScorerName, model.Options{
		VocabSize:  20,
		EntityRows: 6,
		Dim:        5,
		Loss:       model.SumLogNCE,
		Seed:       11,
		InitStd:    0.3,
	})
	require.NoError(t, err)
	return m
}

func batchOf(t *testing.T, n int) *data.Batch {
	t.Helper()
	examples := make([]*data.Example, n)
	for i := range examples {
		examples[i] = &data.Example{
			MentionID:    string(rune('a' + i)),
			TokenIDs:     []int{10 + i, 2, 14, 5, 6},
			Mask:         []int{1, 1, 1, 1, 1},
			AnswerPos:    1,
			ChoiceTokens: []int{5, 6, 7},
			Candidates:   []int{i % 6, (i + 2) % 6, (i + 4) % 6},
			Labels:       []int{0, 1, 0},
		}
	}
	b, err := data.Collate(examples, nil)
	require.NoError(t, err)
	return b
}

func cpus(n int) []device.Device {
	out := make([]device.Device, n)
	for i := range out {
		out[i] = device.Default()
	}
	return out
}

func gradsOf(m model.Model) [][]float64 {
	var out [][]float64
	for _, p := range m.Parameters() {
		out = append(out, append([]float64(nil), p.Grad.Data...))
	}
	return out
}

func TestReplicationMatchesSingleWorker(t *testing.T) {
	for _, size := range []int{4, 3} {
		single := newMaster(t)
		replicated := single.Clone()
		b := batchOf(t, size)
		scale := 1 / float64(size)

		loss, err := single.ForwardTrain(context.Background(), b)
		require.NoError(t, err)
		require.NoError(t, loss.Backward(scale))

		g, err := replica.NewGroup(replicated, cpus(2))
		require.NoError(t, err)
		gLoss, err := g.ForwardTrain(context.Background(), b)
		require.NoError(t, err)
		require.NoError(t, gLoss.Backward(scale))
		require.NoError(t, g.Close())

		assert.InDelta(t, loss.Value(), gLoss.Value(), 1e-9)
		want, got := gradsOf(single), gradsOf(replicated)
		for i := range want {
			assert.InDeltaSlice(t, want[i], got[i], 1e-9, single.Parameters()[i].Name)
		}
	}
}

func TestReplicasSeeMasterUpdates(t *testing.T) {
	master := newMaster(t)
	g, err := replica.NewGroup(master, cpus(2))
	require.NoError(t, err)
	defer g.Close()

	b := batchOf(t, 2)
	before, err := g.ForwardEval(context.Background(), b)
	require.NoError(t, err)

	// Change the master after the replicas were cloned.
	for _, p := range master.Parameters() {
		if p.Name == "entity_embeddings.weight" {
			for i := range p.Value.Data {
				p.Value.Data[i] *= 2
			}
		}
	}
	after, err := g.ForwardEval(context.Background(), b)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	want, err := master.ForwardEval(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, after, 2)
	for i := range want {
		assert.InDeltaSlice(t, want[i], after[i], 1e-12)
	}
}

func TestMoreWorkersThanRows(t *testing.T) {
	master := newMaster(t)
	g, err := replica.NewGroup(master, cpus(4))
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, 4, g.Size())

	loss, err := g.ForwardTrain(context.Background(), batchOf(t, 2))
	require.NoError(t, err)
	require.NoError(t, loss.Backward(0.5))

	var norm float64
	for _, p := range master.Parameters() {
		for _, v := range p.Grad.Data {
			norm += v * v
		}
	}
	assert.Greater(t, norm, 0.0)
}

func TestGroupErrors(t *testing.T) {
	master := newMaster(t)
	_, err := replica.NewGroup(master, nil)
	require.Error(t, err)

	_, err = replica.NewGroup(master, []device.Device{{Kind: "tpu"}})
	assert.ErrorIs(t, err, device.ErrUnavailable)

	g, err := replica.NewGroup(master, cpus(2))
	require.NoError(t, err)

	loss, err := g.ForwardTrain(context.Background(), batchOf(t, 2))
	require.NoError(t, err)
	require.NoError(t, loss.Backward(1))
	// The pending pass was consumed.
	require.Error(t, loss.Backward(1))

	master.SetTraining(false)
	_, err = g.ForwardTrain(context.Background(), batchOf(t, 2))
	require.NoError(t, err, "replicas follow the task mode, not the master flag")

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	_, err = g.ForwardTrain(context.Background(), batchOf(t, 2))
	assert.ErrorIs(t, err, replica.ErrClosed)
}
