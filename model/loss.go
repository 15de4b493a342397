package model

import (
	"fmt"
	"math"
)

// LossType selects how candidate scores are turned into a training loss.
type LossType string

const (
	// LogSum is -log of the total softmax mass on the positive candidates.
	LogSum LossType = "log_sum"
	// SumLog is the sum of -log softmax over each positive candidate.
	SumLog LossType = "sum_log"
	// SumLogNCE scores each positive against the negatives only.
	SumLogNCE LossType = "sum_log_nce"
	// MaxMin is a unit-margin hinge between the weakest positive and the
	// strongest negative.
	MaxMin LossType = "max_min"
	// BCE is independent binary cross-entropy on every candidate logit.
	BCE LossType = "bce_loss"
)

// LossTypes lists every supported loss in a stable order.
var LossTypes = []LossType{LogSum, SumLog, SumLogNCE, MaxMin, BCE}

// ParseLossType validates a loss name.
func ParseLossType(s string) (LossType, error) {
	for _, lt := range LossTypes {
		if string(lt) == s {
			return lt, nil
		}
	}
	return "", fmt.Errorf("unknown loss type %q", s)
}

// String returns string representation of loss type
func (lt LossType) String() string {
	return string(lt)
}

// ScoreLoss computes the loss of one example and its gradient with respect to
// the candidate scores. labels holds 0/1 relevance for each score.
func ScoreLoss(lt LossType, scores, labels []float64) (float64, []float64, error) {
	if len(scores) != len(labels) {
		return 0, nil, fmt.Errorf("scores (%d) and labels (%d) differ in length", len(scores), len(labels))
	}
	grad := make([]float64, len(scores))
	if len(scores) == 0 {
		return 0, grad, nil
	}

	switch lt {
	case LogSum:
		return logSumLoss(scores, labels, grad), grad, nil
	case SumLog:
		return sumLogLoss(scores, labels, grad), grad, nil
	case SumLogNCE:
		return sumLogNCELoss(scores, labels, grad), grad, nil
	case MaxMin:
		return maxMinLoss(scores, labels, grad), grad, nil
	case BCE:
		return bceLoss(scores, labels, grad), grad, nil
	default:
		return 0, nil, fmt.Errorf("unknown loss type %q", lt)
	}
}

// softmax writes exp(s - max) / Z into p and returns log Z (max included).
func softmax(scores, p []float64) float64 {
	m := math.Inf(-1)
	for _, s := range scores {
		m = math.Max(m, s)
	}
	var z float64
	for i, s := range scores {
		p[i] = math.Exp(s - m)
		z += p[i]
	}
	for i := range p {
		p[i] /= z
	}
	return m + math.Log(z)
}

func logSumLoss(scores, labels, grad []float64) float64 {
	lsePos := logSumExp(scores, labels, true)
	if math.IsInf(lsePos, -1) {
		return 0
	}
	logZ := logSumExp(scores, labels, false)
	logZ = logAddExp(logZ, lsePos)
	for i, y := range labels {
		grad[i] = math.Exp(scores[i] - logZ)
		if y > 0 {
			grad[i] -= math.Exp(scores[i] - lsePos)
		}
	}
	return logZ - lsePos
}

func sumLogLoss(scores, labels, grad []float64) float64 {
	p := make([]float64, len(scores))
	logZ := softmax(scores, p)

	var loss, npos float64
	for i, y := range labels {
		if y > 0 {
			loss += logZ - scores[i]
			npos++
		}
	}
	if npos == 0 {
		return 0
	}
	for i, y := range labels {
		grad[i] = npos*p[i] - y
	}
	return loss
}

// sumLogNCELoss stays in log space: each positive is normalised over itself
// and the negatives, so far-apart scores give a finite loss and gradient.
func sumLogNCELoss(scores, labels, grad []float64) float64 {
	lseNeg := logSumExp(scores, labels, false)

	var loss float64
	for i, y := range labels {
		if y == 0 {
			continue
		}
		logZ := logAddExp(scores[i], lseNeg)
		loss += logZ - scores[i]
		grad[i] += math.Exp(scores[i]-logZ) - 1
		for j, yj := range labels {
			if yj == 0 {
				grad[j] += math.Exp(scores[j] - logZ)
			}
		}
	}
	return loss
}

// logSumExp returns log sum exp over the scores whose label is positive (pos)
// or zero (!pos), or -Inf when there are none.
func logSumExp(scores, labels []float64, pos bool) float64 {
	m := math.Inf(-1)
	for i, s := range scores {
		if (labels[i] > 0) == pos {
			m = math.Max(m, s)
		}
	}
	if math.IsInf(m, -1) {
		return m
	}
	var z float64
	for i, s := range scores {
		if (labels[i] > 0) == pos {
			z += math.Exp(s - m)
		}
	}
	return m + math.Log(z)
}

func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	m := math.Max(a, b)
	return m + math.Log(math.Exp(a-m)+math.Exp(b-m))
}

func maxMinLoss(scores, labels, grad []float64) float64 {
	minPos, maxNeg := -1, -1
	for i, y := range labels {
		if y > 0 {
			if minPos < 0 || scores[i] < scores[minPos] {
				minPos = i
			}
		} else if maxNeg < 0 || scores[i] > scores[maxNeg] {
			maxNeg = i
		}
	}
	if minPos < 0 || maxNeg < 0 {
		return 0
	}
	margin := 1 - scores[minPos] + scores[maxNeg]
	if margin <= 0 {
		return 0
	}
	grad[minPos] = -1
	grad[maxNeg] = 1
	return margin
}

func bceLoss(scores, labels, grad []float64) float64 {
	var loss float64
	for i, s := range scores {
		// softplus(s) - y*s, written to stay finite for large |s|.
		loss += math.Max(s, 0) - labels[i]*s + math.Log1p(math.Exp(-math.Abs(s)))
		grad[i] = sigmoid(s) - labels[i]
	}
	return loss
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
