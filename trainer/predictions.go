package trainer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/tsawler/go-promptel/data"
	"github.com/tsawler/go-promptel/metric"
)

// RankedCandidate is one candidate in a prediction, best first.
type RankedCandidate struct {
	EntityID string  `json:"entity_id"`
	Score    float64 `json:"score"`
	Label    int     `json:"label"`
}

// Prediction is one line of the test predictions file.
type Prediction struct {
	MentionID string            `json:"id"`
	Predicted string            `json:"predicted"`
	Ranked    []RankedCandidate `json:"ranked"`
	HitAt1    bool              `json:"hit@1"`
	HitAt5    bool              `json:"hit@5"`
}

// Predictions pairs an evaluation result with the examples it scored.
func Predictions(examples []*data.Example, res *metric.Result) ([]Prediction, error) {
	out := make([]Prediction, len(res.Index))
	for row, idx := range res.Index {
		if idx < 0 || idx >= len(examples) {
			return nil, fmt.Errorf("result row %d points at example %d of %d", row, idx, len(examples))
		}
		ex := examples[idx]
		scores := res.Scores[row]
		p := Prediction{
			MentionID: ex.MentionID,
			Ranked:    make([]RankedCandidate, len(res.Rankings[row])),
		}
		for r, c := range res.Rankings[row] {
			p.Ranked[r] = RankedCandidate{EntityID: ex.CandidateIDs[c], Score: scores[c], Label: ex.Labels[c]}
		}
		if len(p.Ranked) > 0 {
			p.Predicted = p.Ranked[0].EntityID
		}
		if h := res.Hits[1]; h != nil {
			p.HitAt1 = h.Contains(uint32(row))
		}
		if h := res.Hits[5]; h != nil {
			p.HitAt5 = h.Contains(uint32(row))
		}
		out[row] = p
	}
	return out, nil
}

// WritePredictions writes one JSON object per line to path.
func WritePredictions(path string, preds []Prediction) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create predictions directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create predictions file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, p := range preds {
		if err := enc.Encode(p); err != nil {
			f.Close()
			return fmt.Errorf("failed to write prediction %s: %w", p.MentionID, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write predictions: %w", err)
	}
	return f.Close()
}
