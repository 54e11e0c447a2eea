// Package eval computes accuracy and loss of a classifier over a dataset.
package eval

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"hotflip/internal/batching"
	"hotflip/internal/logging"
)

// ErrLabels is returned when labels do not match the data or the classifier.
var ErrLabels = errors.New("eval: invalid labels")

// Predictor is the inference half of a classifier.
type Predictor interface {
	Predict(ctx context.Context, batch [][]int, training bool) (*mat.Dense, error)
	NumClasses() int
}

// Summary aggregates one evaluation.
type Summary struct {
	N        int     `json:"n"`
	Accuracy float64 `json:"accuracy"`
	Loss     float64 `json:"loss"`
	// PerClass holds the accuracy for each true class; NaN for absent classes.
	PerClass []float64 `json:"-"`
}

func (s Summary) String() string {
	return fmt.Sprintf("n=%d accuracy=%.4f loss=%.4f", s.N, s.Accuracy, s.Loss)
}

// Evaluate runs inference in fixed-size batches and returns accuracy and mean
// cross-entropy. The last batch overlaps the previous one so every call sees
// batchSize rows; each example is counted once.
func Evaluate(ctx context.Context, clf Predictor, X [][]int, y []int, batchSize int) (Summary, error) {
	if len(X) != len(y) {
		return Summary{}, fmt.Errorf("%w: %d sequences but %d labels", ErrLabels, len(X), len(y))
	}
	classes := clf.NumClasses()
	for i, label := range y {
		if label < 0 || label >= classes {
			return Summary{}, fmt.Errorf("%w: label %d of example %d outside [0,%d)", ErrLabels, label, i, classes)
		}
	}
	windows, err := batching.Plan(len(X), batchSize)
	if err != nil {
		return Summary{}, err
	}

	timer := logging.StartTimer(logging.CategoryEval, "Evaluate")
	defer timer.Stop()

	var correct int
	var loss float64
	hits := make([]int, classes)
	totals := make([]int, classes)
	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		probs, err := clf.Predict(ctx, batching.Gather(X, w), false)
		if err != nil {
			return Summary{}, fmt.Errorf("batch %d: %w", w.Index, err)
		}
		rows := w.Rows()
		for r := w.Offset(); r < w.End-w.Start; r++ {
			label := y[rows[r]]
			row := probs.RawRowView(r)
			if argmax(row) == label {
				correct++
				hits[label]++
			}
			totals[label]++
			loss -= math.Log(math.Max(row[label], 1e-12))
		}
	}

	s := Summary{N: len(X), PerClass: make([]float64, classes)}
	if s.N > 0 {
		s.Accuracy = float64(correct) / float64(s.N)
		s.Loss = loss / float64(s.N)
	}
	for c := range s.PerClass {
		if totals[c] == 0 {
			s.PerClass[c] = math.NaN()
		} else {
			s.PerClass[c] = float64(hits[c]) / float64(totals[c])
		}
	}
	logging.Eval("Evaluated %s", s)
	return s, nil
}

// argmax returns the first index of the largest value.
func argmax(row []float64) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
