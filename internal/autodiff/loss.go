package autodiff

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SoftmaxCrossEntropy records -log softmax(logits)[label] for a 1xC row of logits.
func (t *Tape) SoftmaxCrossEntropy(logits *Node, label int) *Node {
	r, c := logits.Dims()
	if r != 1 || label < 0 || label >= c {
		panic(fmt.Sprintf("autodiff: SoftmaxCrossEntropy label %d for %dx%d logits", label, r, c))
	}
	probs := Softmax(logits.Value.RawRowView(0))
	loss := -math.Log(math.Max(probs[label], math.SmallestNonzeroFloat64))
	n := t.op(mat.NewDense(1, 1, []float64{loss}), logits)
	n.backward = func() {
		up := n.Grad.At(0, 0)
		g := mat.NewDense(1, c, nil)
		for j, p := range probs {
			if j == label {
				p -= 1
			}
			g.Set(0, j, up*p)
		}
		accumulate(logits, g)
	}
	return n
}

// BCEWithLogits records the binary cross-entropy of sigmoid(scale*z) against target,
// where logit is a 1x1 node. scale=2 turns a tanh output into the matching logit.
func (t *Tape) BCEWithLogits(logit *Node, target, scale float64) *Node {
	if r, c := logit.Dims(); r != 1 || c != 1 {
		panic(fmt.Sprintf("autodiff: BCEWithLogits expects 1x1 logit, got %dx%d", r, c))
	}
	s := scale * logit.Value.At(0, 0)
	loss := softplus(s) - target*s
	n := t.op(mat.NewDense(1, 1, []float64{loss}), logit)
	n.backward = func() {
		up := n.Grad.At(0, 0)
		accumulate(logit, mat.NewDense(1, 1, []float64{up * scale * (sigmoid(s) - target)}))
	}
	return n
}

// Softmax returns a numerically stable softmax of row.
func Softmax(row []float64) []float64 {
	out := make([]float64, len(row))
	if len(row) == 0 {
		return out
	}
	max := row[0]
	for _, x := range row[1:] {
		if x > max {
			max = x
		}
	}
	var sum float64
	for i, x := range row {
		out[i] = math.Exp(x - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 { return sigmoid(x) }

// softplus computes log(1+e^x) without overflow.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}
