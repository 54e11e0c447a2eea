package autodiff

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randDense(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}

// checkGradients compares analytic gradients of f against central finite
// differences for every entry of every input.
func checkGradients(t *testing.T, inputs []*mat.Dense, f func(tp *Tape, vars []*Node) *Node) {
	t.Helper()

	tp := NewTape()
	vars := make([]*Node, len(inputs))
	for i, in := range inputs {
		vars[i] = tp.Var(in)
	}
	out := f(tp, vars)
	require.NoError(t, tp.Backward(out))

	eval := func() float64 {
		tp := NewTape()
		vs := make([]*Node, len(inputs))
		for i, in := range inputs {
			vs[i] = tp.Var(in)
		}
		return f(tp, vs).Value.At(0, 0)
	}

	const h = 1e-6
	for k, in := range inputs {
		grad := vars[k].GradOrZeros()
		r, c := in.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				orig := in.At(i, j)
				in.Set(i, j, orig+h)
				plus := eval()
				in.Set(i, j, orig-h)
				minus := eval()
				in.Set(i, j, orig)

				numeric := (plus - minus) / (2 * h)
				if math.Abs(numeric-grad.At(i, j)) > 1e-5*math.Max(1, math.Abs(numeric)) {
					t.Fatalf("input %d [%d,%d]: analytic %.8f numeric %.8f", k, i, j, grad.At(i, j), numeric)
				}
			}
		}
	}
}

// weighted reduces a node to a scalar with fixed weights so every entry matters.
func weighted(tp *Tape, n *Node, seed int64) *Node {
	r, c := n.Dims()
	w := randDense(rand.New(rand.NewSource(seed)), r, c)
	return tp.Sum(tp.Mul(n, tp.Const(w)))
}

func TestOpGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	tests := []struct {
		name   string
		inputs []*mat.Dense
		f      func(tp *Tape, v []*Node) *Node
	}{
		{
			name:   "matmul",
			inputs: []*mat.Dense{randDense(rng, 3, 4), randDense(rng, 4, 2)},
			f: func(tp *Tape, v []*Node) *Node {
				return weighted(tp, tp.MatMul(v[0], v[1]), 1)
			},
		},
		{
			name:   "add_row",
			inputs: []*mat.Dense{randDense(rng, 3, 4), randDense(rng, 1, 4)},
			f: func(tp *Tape, v []*Node) *Node {
				return weighted(tp, tp.AddRow(v[0], v[1]), 2)
			},
		},
		{
			name:   "tanh_sigmoid_one_minus",
			inputs: []*mat.Dense{randDense(rng, 2, 3), randDense(rng, 2, 3)},
			f: func(tp *Tape, v []*Node) *Node {
				gate := tp.Sigmoid(v[0])
				mix := tp.Add(tp.Mul(gate, tp.Tanh(v[1])), tp.Mul(tp.OneMinus(gate), v[1]))
				return weighted(tp, mix, 3)
			},
		},
		{
			name:   "relu_scale",
			inputs: []*mat.Dense{mat.NewDense(2, 2, []float64{0.5, -0.7, 1.2, -0.1})},
			f: func(tp *Tape, v []*Node) *Node {
				return weighted(tp, tp.Scale(3, tp.ReLU(v[0])), 4)
			},
		},
		{
			name:   "gather_repeated_ids",
			inputs: []*mat.Dense{randDense(rng, 5, 3)},
			f: func(tp *Tape, v []*Node) *Node {
				return weighted(tp, tp.Gather(v[0], []int{4, 1, 4, 0}), 5)
			},
		},
		{
			name:   "slices_and_concat",
			inputs: []*mat.Dense{randDense(rng, 4, 3), randDense(rng, 2, 3)},
			f: func(tp *Tape, v []*Node) *Node {
				rows := tp.ConcatRows(tp.SliceRows(v[0], 1, 2), v[1])
				cols := tp.ConcatCols(tp.SliceCols(rows, 0, 1), rows)
				return weighted(tp, cols, 6)
			},
		},
		{
			name:   "unfold_conv_max",
			inputs: []*mat.Dense{randDense(rng, 6, 2), randDense(rng, 6, 4)},
			f: func(tp *Tape, v []*Node) *Node {
				windows := tp.Unfold(v[0], 3)
				return weighted(tp, tp.MaxRows(tp.Tanh(tp.MatMul(windows, v[1]))), 7)
			},
		},
		{
			name:   "unfold_blocks_max_pool",
			inputs: []*mat.Dense{randDense(rng, 9, 2), randDense(rng, 4, 3)},
			f: func(tp *Tape, v []*Node) *Node {
				// two blocks of 4 rows plus a trailing row that is ignored
				windows := tp.UnfoldBlocks(v[0], 4, 2)
				return weighted(tp, tp.MaxPool(tp.MatMul(windows, v[1]), 3), 8)
			},
		},
		{
			name:   "softmax_cross_entropy",
			inputs: []*mat.Dense{randDense(rng, 1, 5)},
			f: func(tp *Tape, v []*Node) *Node {
				return tp.SoftmaxCrossEntropy(v[0], 2)
			},
		},
		{
			name:   "bce_bipolar",
			inputs: []*mat.Dense{randDense(rng, 1, 1)},
			f: func(tp *Tape, v []*Node) *Node {
				return tp.BCEWithLogits(tp.Tanh(v[0]), 1, 2)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkGradients(t, tt.inputs, tt.f)
		})
	}
}

func TestBackwardRequiresScalar(t *testing.T) {
	tp := NewTape()
	v := tp.Var(mat.NewDense(2, 2, nil))
	err := tp.Backward(tp.Tanh(v))
	if !errors.Is(err, ErrNotScalar) {
		t.Fatalf("expected ErrNotScalar, got %v", err)
	}
}

func TestConstReceivesNoGradient(t *testing.T) {
	tp := NewTape()
	c := tp.Const(mat.NewDense(1, 2, []float64{1, 2}))
	v := tp.Var(mat.NewDense(2, 1, []float64{3, 4}))
	out := tp.MatMul(c, v)
	require.NoError(t, tp.Backward(out))

	assert.Nil(t, c.Grad)
	assert.Equal(t, []float64{1, 2}, v.Grad.RawMatrix().Data)
	assert.Equal(t, 3, tp.Len())
}

func TestDropoutNilMaskIsIdentity(t *testing.T) {
	tp := NewTape()
	v := tp.Var(mat.NewDense(1, 1, []float64{2}))
	assert.Same(t, v, tp.Dropout(v, nil))
}

func TestSoftmaxStable(t *testing.T) {
	p := Softmax([]float64{1000, 1000})
	assert.InDelta(t, 0.5, p[0], 1e-12)
	assert.InDelta(t, 0.5, p[1], 1e-12)
	assert.InDelta(t, 1.0, Sigmoid(800), 1e-12)
	assert.InDelta(t, 0.0, Sigmoid(-800), 1e-12)
}
