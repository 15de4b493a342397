package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-promptel/data"
	"github.com/tsawler/go-promptel/device"
	"github.com/tsawler/go-promptel/tensor"
)

// PromptScorerName is the registry name of the reference scorer.
const PromptScorerName = "prompt-scorer"

// ErrInferenceMode is returned by ForwardTrain when training is switched off.
var ErrInferenceMode = errors.New("model is in inference mode")

const layerNormEps = 1e-12

// Parameter names. The LayerNorm and bias names follow the usual encoder
// checkpoint layout so decay exemptions and warm starts line up.
const (
	wordEmbeddingsName   = "embeddings.word_embeddings.weight"
	entityEmbeddingsName = "entity_embeddings.weight"
	layerNormWeightName  = "encoder.LayerNorm.weight"
	layerNormBiasName    = "encoder.LayerNorm.bias"
	denseWeightName      = "encoder.dense.weight"
	denseBiasName        = "encoder.dense.bias"
)

func init() {
	Register(PromptScorerName, func(opts Options) (Model, error) {
		return NewPromptScorer(opts)
	})
}

// PromptScorer encodes the prompt as the masked mean of its token embeddings
// plus the embedding at the answer position, normalises it, projects it
// through a tanh dense layer and scores candidate j as
// z . (E[selector_j] + C[entity_j]).
type PromptScorer struct {
	opts     Options
	training bool

	words    *tensor.Parameter // [vocab, dim]
	entities *tensor.Parameter // [entity rows, dim]
	lnWeight *tensor.Parameter // [dim]
	lnBias   *tensor.Parameter // [dim]
	dense    *tensor.Parameter // [dim, dim]
	bias     *tensor.Parameter // [dim]
}

// NewPromptScorer initialises a scorer from opts.Seed.
func NewPromptScorer(opts Options) (*PromptScorer, error) {
	switch {
	case opts.VocabSize <= 0:
		return nil, fmt.Errorf("vocabulary size must be positive, got %d", opts.VocabSize)
	case opts.EntityRows <= 0:
		return nil, fmt.Errorf("entity rows must be positive, got %d", opts.EntityRows)
	case opts.Dim <= 0:
		return nil, fmt.Errorf("dimension must be positive, got %d", opts.Dim)
	}
	if opts.Loss == "" {
		opts.Loss = SumLogNCE
	}
	if _, err := ParseLossType(string(opts.Loss)); err != nil {
		return nil, err
	}
	if opts.InitStd <= 0 {
		opts.InitStd = 0.02
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed+1))
	normal := func(shape []int, std float64) *tensor.Tensor {
		t := tensor.Zeros(shape...)
		for i := range t.Data {
			t.Data[i] = rng.NormFloat64() * std
		}
		return t
	}

	gamma := tensor.Zeros(opts.Dim)
	for i := range gamma.Data {
		gamma.Data[i] = 1
	}

	return &PromptScorer{
		opts:     opts,
		training: true,
		words:    tensor.NewParameter(wordEmbeddingsName, normal([]int{opts.VocabSize, opts.Dim}, opts.InitStd)),
		entities: tensor.NewParameter(entityEmbeddingsName, normal([]int{opts.EntityRows, opts.Dim}, opts.InitStd)),
		lnWeight: tensor.NewParameter(layerNormWeightName, gamma),
		lnBias:   tensor.NewParameter(layerNormBiasName, tensor.Zeros(opts.Dim)),
		dense:    tensor.NewParameter(denseWeightName, normal([]int{opts.Dim, opts.Dim}, 1/math.Sqrt(float64(opts.Dim)))),
		bias:     tensor.NewParameter(denseBiasName, tensor.Zeros(opts.Dim)),
	}, nil
}

// Name returns the registry name.
func (m *PromptScorer) Name() string {
	return PromptScorerName
}

// Parameters returns the trainable parameters in a fixed order.
func (m *PromptScorer) Parameters() []*tensor.Parameter {
	return []*tensor.Parameter{m.words, m.entities, m.lnWeight, m.lnBias, m.dense, m.bias}
}

// StateDict snapshots the weights.
func (m *PromptScorer) StateDict() tensor.StateDict {
	return tensor.SnapshotState(m.Parameters())
}

// LoadStateDict copies matching weights from sd.
func (m *PromptScorer) LoadStateDict(sd tensor.StateDict, strict bool) (tensor.LoadReport, error) {
	return tensor.LoadState(m.Parameters(), sd, strict)
}

// SetTraining switches between training and inference mode.
func (m *PromptScorer) SetTraining(training bool) {
	m.training = training
}

// To places every parameter on d.
func (m *PromptScorer) To(d device.Device) error {
	for _, p := range m.Parameters() {
		if err := p.Value.To(d); err != nil {
			return err
		}
		if err := p.Grad.To(d); err != nil {
			return err
		}
	}
	return nil
}

// Clone deep-copies weights and mode. Gradients start at zero.
func (m *PromptScorer) Clone() Model {
	c := &PromptScorer{opts: m.opts, training: m.training}
	clone := func(p *tensor.Parameter) *tensor.Parameter {
		return tensor.NewParameter(p.Name, p.Value.Clone())
	}
	c.words = clone(m.words)
	c.entities = clone(m.entities)
	c.lnWeight = clone(m.lnWeight)
	c.lnBias = clone(m.lnBias)
	c.dense = clone(m.dense)
	c.bias = clone(m.bias)
	return c
}

// encoding caches the activations of one example for the backward pass.
type encoding struct {
	u      []float64 // pooled prompt vector
	xhat   []float64 // normalised u
	inv    float64   // 1/sqrt(var+eps)
	y      []float64 // LayerNorm output
	z      []float64 // tanh(W y + b)
	scores []float64
}

func (m *PromptScorer) checkBatch(b *data.Batch) error {
	vocab, rows := m.opts.VocabSize, m.opts.EntityRows
	for i := range b.Size() {
		for _, tok := range b.TokenIDs[i] {
			if tok < 0 || tok >= vocab {
				return fmt.Errorf("token id %d outside vocabulary of %d", tok, vocab)
			}
		}
		for j := range b.NumCandidates[i] {
			if c := b.Candidates[i][j]; c < 0 || c >= rows {
				return fmt.Errorf("candidate row %d outside %d entity rows", c, rows)
			}
			if s := b.ChoiceTokens[i][j]; s < 0 || s >= vocab {
				return fmt.Errorf("selector token %d outside vocabulary of %d", s, vocab)
			}
		}
	}
	return nil
}

func (m *PromptScorer) encode(b *data.Batch, i int) *encoding {
	dim := m.opts.Dim
	enc := &encoding{u: make([]float64, dim)}

	var count float64
	for k, tok := range b.TokenIDs[i] {
		if w := b.Mask[i][k]; w != 0 {
			floats.AddScaled(enc.u, w, m.words.Value.Row(tok))
			count += w
		}
	}
	if count > 0 {
		floats.Scale(1/count, enc.u)
	}
	floats.Add(enc.u, m.words.Value.Row(b.TokenIDs[i][b.AnswerPos[i]]))

	mean := floats.Sum(enc.u) / float64(dim)
	enc.xhat = make([]float64, dim)
	var variance float64
	for k, v := range enc.u {
		d := v - mean
		enc.xhat[k] = d
		variance += d * d
	}
	variance /= float64(dim)
	enc.inv = 1 / math.Sqrt(variance+layerNormEps)
	floats.Scale(enc.inv, enc.xhat)

	enc.y = make([]float64, dim)
	floats.MulTo(enc.y, enc.xhat, m.lnWeight.Value.Data)
	floats.Add(enc.y, m.lnBias.Value.Data)

	w := mat.NewDense(dim, dim, m.dense.Value.Data)
	h := mat.NewVecDense(dim, nil)
	h.MulVec(w, mat.NewVecDense(dim, enc.y))
	enc.z = make([]float64, dim)
	for k := range enc.z {
		enc.z[k] = math.Tanh(h.AtVec(k) + m.bias.Value.Data[k])
	}

	n := b.NumCandidates[i]
	enc.scores = make([]float64, n)
	for j := range n {
		enc.scores[j] = floats.Dot(enc.z, m.words.Value.Row(b.ChoiceTokens[i][j])) +
			floats.Dot(enc.z, m.entities.Value.Row(b.Candidates[i][j]))
	}
	return enc
}

// ForwardEval returns the candidate scores of every example, trimmed to the
// example's own candidate count.
func (m *PromptScorer) ForwardEval(ctx context.Context, b *data.Batch) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkBatch(b); err != nil {
		return nil, err
	}
	out := make([][]float64, b.Size())
	for i := range out {
		out[i] = m.encode(b, i).scores
	}
	return out, nil
}

// ForwardTrain returns the loss summed over the batch.
func (m *PromptScorer) ForwardTrain(ctx context.Context, b *data.Batch) (Loss, error) {
	if !m.training {
		return nil, ErrInferenceMode
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkBatch(b); err != nil {
		return nil, err
	}

	loss := &scorerLoss{model: m, batch: b, encodings: make([]*encoding, b.Size()), grads: make([][]float64, b.Size())}
	for i := range b.Size() {
		enc := m.encode(b, i)
		value, grad, err := ScoreLoss(m.opts.Loss, enc.scores, b.Labels[i][:b.NumCandidates[i]])
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		loss.value += value
		loss.encodings[i] = enc
		loss.grads[i] = grad
	}
	return loss, nil
}

type scorerLoss struct {
	model     *PromptScorer
	batch     *data.Batch
	encodings []*encoding
	grads     [][]float64 // dLoss/dScore per example
	value     float64
}

func (l *scorerLoss) Value() float64 {
	return l.value
}

func (l *scorerLoss) Backward(scale float64) error {
	m, b := l.model, l.batch
	dim := m.opts.Dim

	w := mat.NewDense(dim, dim, m.dense.Value.Data)
	dW := mat.NewDense(dim, dim, m.dense.Grad.Data)
	dz := make([]float64, dim)
	dh := mat.NewVecDense(dim, nil)
	dy := mat.NewVecDense(dim, nil)
	dxhat := make([]float64, dim)

	for i, enc := range l.encodings {
		clear(dz)
		for j, g := range l.grads[i] {
			if g == 0 {
				continue
			}
			g *= scale
			sel := b.ChoiceTokens[i][j]
			ent := b.Candidates[i][j]
			floats.AddScaled(dz, g, m.words.Value.Row(sel))
			floats.AddScaled(dz, g, m.entities.Value.Row(ent))
			floats.AddScaled(m.words.Grad.Row(sel), g, enc.z)
			floats.AddScaled(m.entities.Grad.Row(ent), g, enc.z)
		}

		for k, z := range enc.z {
			dh.SetVec(k, dz[k]*(1-z*z))
		}
		dW.RankOne(dW, 1, dh, mat.NewVecDense(dim, enc.y))
		floats.Add(m.bias.Grad.Data, dh.RawVector().Data)
		dy.MulVec(w.T(), dh)

		dyData := dy.RawVector().Data
		floats.AddScaled(m.lnBias.Grad.Data, 1, dyData)
		for k := range dxhat {
			m.lnWeight.Grad.Data[k] += dyData[k] * enc.xhat[k]
			dxhat[k] = dyData[k] * m.lnWeight.Value.Data[k]
		}

		meanD := floats.Sum(dxhat) / float64(dim)
		meanDX := floats.Dot(dxhat, enc.xhat) / float64(dim)
		du := make([]float64, dim)
		for k := range du {
			du[k] = enc.inv * (dxhat[k] - meanD - enc.xhat[k]*meanDX)
		}

		floats.Add(m.words.Grad.Row(b.TokenIDs[i][b.AnswerPos[i]]), du)
		var count float64
		for _, mw := range b.Mask[i] {
			count += mw
		}
		if count == 0 {
			continue
		}
		for k, tok := range b.TokenIDs[i] {
			if mw := b.Mask[i][k]; mw != 0 {
				floats.AddScaled(m.words.Grad.Row(tok), mw/count, du)
			}
		}
	}
	return nil
}
