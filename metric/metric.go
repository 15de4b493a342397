// Package metric computes top-k hit rates over per-example candidate scores.
package metric

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tsawler/go-promptel/data"
)

// ErrMalformedInput is returned when an example's scores and labels differ in
// length. It is never recovered by truncation.
var ErrMalformedInput = errors.New("malformed evaluation input")

// ScoreTable maps example position to its candidate scores and labels. It
// lives for a single evaluation.
type ScoreTable struct {
	scores [][]float64
	labels [][]float64
}

// NewScoreTable creates an empty table with room for n examples.
func NewScoreTable(n int) *ScoreTable {
	return &ScoreTable{
		scores: make([][]float64, 0, n),
		labels: make([][]float64, 0, n),
	}
}

// Add appends one example. Lengths may vary across examples but must match
// within one.
func (st *ScoreTable) Add(scores, labels []float64) error {
	if len(scores) != len(labels) {
		return fmt.Errorf("%w: example %d has %d scores and %d labels",
			ErrMalformedInput, len(st.scores), len(scores), len(labels))
	}
	st.scores = append(st.scores, scores)
	st.labels = append(st.labels, labels)
	return nil
}

// Len returns the number of examples.
func (st *ScoreTable) Len() int {
	return len(st.scores)
}

// Ranking returns candidate positions of example i ordered by descending
// score. Equal scores keep their original order.
func (st *ScoreTable) Ranking(i int) []int {
	return rank(st.scores[i])
}

func rank(scores []float64) []int {
	order := make([]int, len(scores))
	for j := range order {
		order[j] = j
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order
}

// hitsInTopK reports whether any of the first k ranked candidates is positive.
// Fewer than k candidates means all of them.
func hitsInTopK(ranking []int, labels []float64, k int) bool {
	for _, j := range ranking[:min(k, len(ranking))] {
		if labels[j] > 0 {
			return true
		}
	}
	return false
}

// Hits returns the positions of examples with a positive in their top k.
func (st *ScoreTable) Hits(k int) *roaring.Bitmap {
	hits := roaring.New()
	for i := range st.scores {
		if hitsInTopK(st.Ranking(i), st.labels[i], k) {
			hits.Add(uint32(i))
		}
	}
	return hits
}

// HitAtK returns the fraction of examples with a positive among the top k
// scored candidates. An empty table scores 0.
func (st *ScoreTable) HitAtK(k int) float64 {
	if st.Len() == 0 {
		return 0
	}
	return float64(st.Hits(k).GetCardinality()) / float64(st.Len())
}

// Scorer produces candidate scores for a batch without changing parameters.
type Scorer interface {
	ForwardEval(ctx context.Context, b *data.Batch) ([][]float64, error)
}

// Result is the outcome of one evaluation pass.
type Result struct {
	HitAt    map[int]float64
	Hits     map[int]*roaring.Bitmap
	Index    []int       // dataset position of each table row
	Scores   [][]float64 // per row, trimmed to the row's candidates
	Rankings [][]int
}

// Evaluate scores every batch of loader and computes hit@k for each k.
// Switching the model to inference mode is the caller's job.
func Evaluate(ctx context.Context, scorer Scorer, loader data.DataLoader, ks ...int) (*Result, error) {
	if len(ks) == 0 {
		ks = []int{1, 5}
	}
	for _, k := range ks {
		if k <= 0 {
			return nil, fmt.Errorf("k must be positive, got %d", k)
		}
	}

	table := NewScoreTable(loader.GetDatasetSize())
	res := &Result{
		HitAt: make(map[int]float64, len(ks)),
		Hits:  make(map[int]*roaring.Bitmap, len(ks)),
	}
	for bi := range loader.BatchCount() {
		b, err := loader.GetBatch(bi)
		if err != nil {
			return nil, fmt.Errorf("failed to load batch %d: %w", bi, err)
		}
		scores, err := scorer.ForwardEval(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("failed to score batch %d: %w", bi, err)
		}
		if len(scores) != b.Size() {
			return nil, fmt.Errorf("%w: batch %d has %d rows but %d score vectors",
				ErrMalformedInput, bi, b.Size(), len(scores))
		}
		for i, s := range scores {
			if err := table.Add(s, b.Labels[i][:b.NumCandidates[i]]); err != nil {
				return nil, err
			}
			res.Index = append(res.Index, b.Index[i])
		}
	}

	for _, k := range ks {
		res.Hits[k] = table.Hits(k)
		res.HitAt[k] = table.HitAtK(k)
	}
	res.Scores = table.scores
	res.Rankings = make([][]int, table.Len())
	for i := range res.Rankings {
		res.Rankings[i] = table.Ranking(i)
	}
	return res, nil
}
