package data

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-promptel/device"
)

// ErrMalformedExample is returned when an example's candidate and label lists
// disagree or its answer marker falls outside the prompt.
var ErrMalformedExample = errors.New("malformed example")

// Example is one tokenized mention ready for collation.
type Example struct {
	MentionID    string
	TokenIDs     []int
	Mask         []int
	AnswerPos    int
	ChoiceTokens []int    // token id of the [i] selector for each candidate
	Candidates   []int    // knowledge-base row of each candidate
	CandidateIDs []string // knowledge-base id of each candidate
	Labels       []int
}

// Validate checks the structural invariants of the example.
func (e *Example) Validate() error {
	if len(e.Candidates) != len(e.Labels) {
		return fmt.Errorf("%w: mention %s has %d candidates but %d labels",
			ErrMalformedExample, e.MentionID, len(e.Candidates), len(e.Labels))
	}
	if len(e.ChoiceTokens) != len(e.Candidates) {
		return fmt.Errorf("%w: mention %s has %d selector tokens for %d candidates",
			ErrMalformedExample, e.MentionID, len(e.ChoiceTokens), len(e.Candidates))
	}
	if len(e.Mask) != len(e.TokenIDs) {
		return fmt.Errorf("%w: mention %s mask length %d does not match %d tokens",
			ErrMalformedExample, e.MentionID, len(e.Mask), len(e.TokenIDs))
	}
	if e.AnswerPos < 0 || e.AnswerPos >= len(e.TokenIDs) {
		return fmt.Errorf("%w: mention %s answer position %d outside prompt of length %d",
			ErrMalformedExample, e.MentionID, e.AnswerPos, len(e.TokenIDs))
	}
	for i, l := range e.Labels {
		if l != 0 && l != 1 {
			return fmt.Errorf("%w: mention %s label %d is %d, want 0 or 1",
				ErrMalformedExample, e.MentionID, i, l)
		}
	}
	return nil
}

// Batch is a group of examples collated into padded rows. Token rows are
// padded with 0 and a zero mask; candidate rows are padded with -1.
type Batch struct {
	Index         []int // position of each row in its dataset
	MentionIDs    []string
	TokenIDs      [][]int
	Mask          [][]float64
	AnswerPos     []int
	ChoiceTokens  [][]int
	Candidates    [][]int
	Labels        [][]float64
	NumCandidates []int

	device device.Device
}

// Collate pads examples into a batch. index gives the dataset position of
// each example and may be nil.
func Collate(examples []*Example, index []int) (*Batch, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("cannot collate an empty batch")
	}
	if index != nil && len(index) != len(examples) {
		return nil, fmt.Errorf("index length %d does not match %d examples", len(index), len(examples))
	}

	maxLen, maxCands := 0, 0
	for _, e := range examples {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		maxLen = max(maxLen, len(e.TokenIDs))
		maxCands = max(maxCands, len(e.Candidates))
	}

	b := &Batch{
		Index:         make([]int, len(examples)),
		MentionIDs:    make([]string, len(examples)),
		TokenIDs:      make([][]int, len(examples)),
		Mask:          make([][]float64, len(examples)),
		AnswerPos:     make([]int, len(examples)),
		ChoiceTokens:  make([][]int, len(examples)),
		Candidates:    make([][]int, len(examples)),
		Labels:        make([][]float64, len(examples)),
		NumCandidates: make([]int, len(examples)),
		device:        device.Default(),
	}
	for i, e := range examples {
		if index != nil {
			b.Index[i] = index[i]
		} else {
			b.Index[i] = i
		}
		b.MentionIDs[i] = e.MentionID

		tokens := make([]int, maxLen)
		mask := make([]float64, maxLen)
		copy(tokens, e.TokenIDs)
		for j, m := range e.Mask {
			mask[j] = float64(m)
		}
		b.TokenIDs[i] = tokens
		b.Mask[i] = mask
		b.AnswerPos[i] = e.AnswerPos

		choices := make([]int, maxCands)
		cands := make([]int, maxCands)
		labels := make([]float64, maxCands)
		for j := range maxCands {
			if j < len(e.Candidates) {
				choices[j] = e.ChoiceTokens[j]
				cands[j] = e.Candidates[j]
				labels[j] = float64(e.Labels[j])
			} else {
				cands[j] = -1
			}
		}
		b.ChoiceTokens[i] = choices
		b.Candidates[i] = cands
		b.Labels[i] = labels
		b.NumCandidates[i] = len(e.Candidates)
	}
	return b, nil
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return len(b.TokenIDs)
}

// Device returns where the batch currently lives.
func (b *Batch) Device() device.Device {
	return b.device
}

// To places the batch on d.
func (b *Batch) To(d device.Device) error {
	if b.device == d {
		return nil
	}
	if err := device.Check(d); err != nil {
		return fmt.Errorf("failed to move batch to %s: %w", d, err)
	}
	b.device = d
	return nil
}

// Split shards the batch into at most n contiguous, non-empty sub-batches.
// Earlier shards take the remainder, so sizes differ by at most one.
// Sub-batches share row storage with the receiver.
func (b *Batch) Split(n int) []*Batch {
	size := b.Size()
	if n <= 1 || size <= 1 {
		return []*Batch{b}
	}
	n = min(n, size)

	shards := make([]*Batch, 0, n)
	per, rem := size/n, size%n
	start := 0
	for i := range n {
		end := start + per
		if i < rem {
			end++
		}
		shards = append(shards, b.slice(start, end))
		start = end
	}
	return shards
}

func (b *Batch) slice(start, end int) *Batch {
	return &Batch{
		Index:         b.Index[start:end],
		MentionIDs:    b.MentionIDs[start:end],
		TokenIDs:      b.TokenIDs[start:end],
		Mask:          b.Mask[start:end],
		AnswerPos:     b.AnswerPos[start:end],
		ChoiceTokens:  b.ChoiceTokens[start:end],
		Candidates:    b.Candidates[start:end],
		Labels:        b.Labels[start:end],
		NumCandidates: b.NumCandidates[start:end],
		device:        b.device,
	}
}
