package charlstm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"hotflip/internal/autodiff"
	"hotflip/internal/logging"
)

var (
	// ErrBatchShape is returned when a batch does not match the model geometry.
	ErrBatchShape = errors.New("charlstm: batch shape mismatch")
	// ErrMissingParam is returned when a parameter set lacks a tensor or has the wrong shape.
	ErrMissingParam = errors.New("charlstm: missing or malformed parameter")
)

// Model is a CharLSTM classifier. Parameters are only written by Update, so
// concurrent Predict and gradient calls are safe between updates.
type Model struct {
	cfg    Config
	params map[string]*mat.Dense
	names  []string
	calls  atomic.Int64
}

// New creates a model with freshly initialized parameters.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	shapes := cfg.ParamShapes()
	params := make(map[string]*mat.Dense, len(shapes))
	for _, name := range sortedNames(shapes) {
		shape := shapes[name]
		params[name] = initParam(cfg, name, shape, rng)
	}
	logging.Model("Initialized CharLSTM: %d params tensors, charlen=%d, classes=%d", len(params), cfg.CharLen(), cfg.NClasses)
	return &Model{cfg: cfg, params: params, names: sortedNames(shapes)}, nil
}

// FromParams builds a model from stored tensors, checking names and shapes.
func FromParams(cfg Config, params map[string]*mat.Dense) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	shapes := cfg.ParamShapes()
	for name, shape := range shapes {
		p, ok := params[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingParam, name)
		}
		if r, c := p.Dims(); r != shape[0] || c != shape[1] {
			return nil, fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrMissingParam, name, r, c, shape[0], shape[1])
		}
	}
	own := make(map[string]*mat.Dense, len(shapes))
	for name := range shapes {
		own[name] = mat.DenseCopyOf(params[name])
	}
	return &Model{cfg: cfg, params: own, names: sortedNames(shapes)}, nil
}

func sortedNames(shapes map[string][2]int) []string {
	names := make([]string, 0, len(shapes))
	for name := range shapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func initParam(cfg Config, name string, shape [2]int, rng *rand.Rand) *mat.Dense {
	r, c := shape[0], shape[1]
	m := mat.NewDense(r, c, nil)
	switch {
	case name == "embedding" && cfg.Embedding == EmbeddingOneHot:
		for i := 0; i < r; i++ {
			m.Set(i, i, 1)
		}
	case name == "embedding":
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				m.Set(i, j, rng.NormFloat64()*0.1)
			}
		}
	case r == 1:
		// biases start at zero, except the LSTM forget gate and the highway
		// transform gate which start biased towards carrying their input.
		if isLSTMBias(name) {
			h := c / 4
			for j := h; j < 2*h; j++ {
				m.Set(0, j, 1)
			}
		}
		if isHighwayGateBias(name) {
			for j := 0; j < c; j++ {
				m.Set(0, j, -2)
			}
		}
	default:
		limit := math.Sqrt(6 / float64(r+c))
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				m.Set(i, j, (rng.Float64()*2-1)*limit)
			}
		}
	}
	return m
}

func isLSTMBias(name string) bool {
	var l int
	n, _ := fmt.Sscanf(name, "lstm/%d/b", &l)
	return n == 1 && name == lstmName(l, "b")
}

func isHighwayGateBias(name string) bool {
	var i int
	n, _ := fmt.Sscanf(name, "highway/%d/bt", &i)
	return n == 1 && name == highwayName(i, "bt")
}

// Config returns the model geometry.
func (m *Model) Config() Config { return m.cfg }

// Params returns the live parameter tensors keyed by name.
func (m *Model) Params() map[string]*mat.Dense { return m.params }

// ParamNames returns parameter names in a stable order.
func (m *Model) ParamNames() []string { return m.names }

// Embedding returns the [V, D] embedding table.
func (m *Model) Embedding() *mat.Dense { return m.params["embedding"] }

// NumClasses returns the number of label classes.
func (m *Model) NumClasses() int { return m.cfg.NClasses }

// Trainable reports whether name is updated by training. The one-hot
// embedding is fixed.
func (m *Model) Trainable(name string) bool {
	return !(name == "embedding" && m.cfg.Embedding == EmbeddingOneHot)
}

// checkBatch validates sequence lengths and symbols.
func (m *Model) checkBatch(batch [][]int) error {
	if len(batch) == 0 {
		return fmt.Errorf("%w: empty batch", ErrBatchShape)
	}
	L := m.cfg.CharLen()
	for i, seq := range batch {
		if len(seq) != L {
			return fmt.Errorf("%w: example %d has length %d, want %d", ErrBatchShape, i, len(seq), L)
		}
		for p, s := range seq {
			if s < 0 || s >= m.cfg.VocabSize {
				return fmt.Errorf("%w: example %d position %d symbol %d outside [0,%d)", ErrBatchShape, i, p, s, m.cfg.VocabSize)
			}
		}
	}
	return nil
}

// probabilities turns output logits into class probabilities.
// Binary outputs become [1-p, p]; a bipolar (tanh) output t maps to p=(t+1)/2,
// which equals sigmoid(2z).
func (m *Model) probabilities(logits []float64) []float64 {
	if m.cfg.Outputs() > 1 {
		return autodiff.Softmax(logits)
	}
	z := logits[0]
	if m.cfg.Bipolar {
		z *= 2
	}
	p := autodiff.Sigmoid(z)
	return []float64{1 - p, p}
}

// Predict returns [B, C] class probabilities. With training set, dropout is applied.
func (m *Model) Predict(ctx context.Context, batch [][]int, training bool) (*mat.Dense, error) {
	if err := m.checkBatch(batch); err != nil {
		return nil, err
	}
	out := mat.NewDense(len(batch), m.cfg.NClasses, nil)
	base := m.calls.Add(1)
	err := m.parallel(ctx, len(batch), func(i int) error {
		tp := autodiff.NewTape()
		nodes := m.nodes(tp, false)
		x := tp.Gather(nodes["embedding"], batch[i])
		logits := m.forward(tp, nodes, x, m.dropout(training, base, i))
		out.SetRow(i, m.probabilities(logits.Value.RawRowView(0)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EmbeddingGradients returns, per example, the [L, D] gradient of the
// true-label loss with respect to the embedded input rows.
func (m *Model) EmbeddingGradients(ctx context.Context, batch [][]int, labels []int) ([]*mat.Dense, error) {
	if err := m.checkBatch(batch); err != nil {
		return nil, err
	}
	if err := m.checkLabels(batch, labels); err != nil {
		return nil, err
	}
	grads := make([]*mat.Dense, len(batch))
	err := m.parallel(ctx, len(batch), func(i int) error {
		tp := autodiff.NewTape()
		nodes := m.nodes(tp, false)
		gathered := tp.Gather(nodes["embedding"], batch[i])
		x := tp.Var(gathered.Value)
		loss := m.loss(tp, m.forward(tp, nodes, x, nil), labels[i])
		if err := tp.Backward(loss); err != nil {
			return err
		}
		grads[i] = x.GradOrZeros()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grads, nil
}

// Gradients computes the mean loss over the batch and the summed-then-averaged
// gradient of every trainable parameter. Dropout is active.
func (m *Model) Gradients(ctx context.Context, batch [][]int, labels []int) (float64, map[string]*mat.Dense, error) {
	if err := m.checkBatch(batch); err != nil {
		return 0, nil, err
	}
	if err := m.checkLabels(batch, labels); err != nil {
		return 0, nil, err
	}

	losses := make([]float64, len(batch))
	perExample := make([]map[string]*mat.Dense, len(batch))
	base := m.calls.Add(1)
	err := m.parallel(ctx, len(batch), func(i int) error {
		tp := autodiff.NewTape()
		nodes := m.nodes(tp, true)
		x := tp.Gather(nodes["embedding"], batch[i])
		loss := m.loss(tp, m.forward(tp, nodes, x, m.dropout(true, base, i)), labels[i])
		if err := tp.Backward(loss); err != nil {
			return err
		}
		losses[i] = loss.Value.At(0, 0)
		g := make(map[string]*mat.Dense)
		for name, n := range nodes {
			if n.RequiresGrad() {
				g[name] = n.GradOrZeros()
			}
		}
		perExample[i] = g
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	scale := 1 / float64(len(batch))
	total := 0.0
	sum := make(map[string]*mat.Dense)
	for i, g := range perExample {
		total += losses[i]
		for name, grad := range g {
			if acc, ok := sum[name]; ok {
				acc.Add(acc, grad)
			} else {
				sum[name] = mat.DenseCopyOf(grad)
			}
		}
	}
	for _, g := range sum {
		g.Scale(scale, g)
	}
	return total * scale, sum, nil
}

func (m *Model) checkLabels(batch [][]int, labels []int) error {
	if len(labels) != len(batch) {
		return fmt.Errorf("%w: %d labels for %d examples", ErrBatchShape, len(labels), len(batch))
	}
	for i, y := range labels {
		if y < 0 || y >= m.cfg.NClasses {
			return fmt.Errorf("%w: label %d of example %d outside [0,%d)", ErrBatchShape, y, i, m.cfg.NClasses)
		}
	}
	return nil
}

// parallel runs fn for every example with bounded concurrency.
func (m *Model) parallel(ctx context.Context, n int, fn func(i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.workers())
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(i)
		})
	}
	return g.Wait()
}

// nodes places every parameter on the tape. Trainable parameters become
// variables only when withGrad is set.
func (m *Model) nodes(tp *autodiff.Tape, withGrad bool) map[string]*autodiff.Node {
	nodes := make(map[string]*autodiff.Node, len(m.params))
	for _, name := range m.names {
		if withGrad && m.Trainable(name) {
			nodes[name] = tp.Var(m.params[name])
		} else {
			nodes[name] = tp.Const(m.params[name])
		}
	}
	return nodes
}

// dropout returns a mask source for one example, or nil when inactive.
func (m *Model) dropout(training bool, call int64, example int) *rand.Rand {
	if !training || m.cfg.DropRate == 0 {
		return nil
	}
	seed := m.cfg.Seed ^ (call << 20) ^ int64(example)
	return rand.New(rand.NewSource(seed))
}

func (m *Model) mask(rng *rand.Rand, r, c int) *mat.Dense {
	if rng == nil {
		return nil
	}
	keep := 1 - m.cfg.DropRate
	data := make([]float64, r*c)
	for i := range data {
		if rng.Float64() < keep {
			data[i] = 1 / keep
		}
	}
	return mat.NewDense(r, c, data)
}

// forward computes the output logits [1, Outputs] for one embedded example x [L, D].
func (m *Model) forward(tp *autodiff.Tape, p map[string]*autodiff.Node, x *autodiff.Node, rng *rand.Rand) *autodiff.Node {
	cfg := m.cfg
	width := cfg.SlotWidth()

	// Convolutions over each word slot, max-pooled to one row per word.
	var maps []*autodiff.Node
	for _, k := range cfg.KernelSizes {
		windows := tp.UnfoldBlocks(x, width, k)
		conv := tp.Tanh(tp.AddRow(tp.MatMul(windows, p[convName(k, "w")]), p[convName(k, "b")]))
		maps = append(maps, tp.MaxPool(conv, width-k+1))
	}
	h := tp.ConcatCols(maps...)

	for i := 0; i < cfg.Highways; i++ {
		gate := tp.Sigmoid(tp.AddRow(tp.MatMul(h, p[highwayName(i, "wt")]), p[highwayName(i, "bt")]))
		transform := tp.ReLU(tp.AddRow(tp.MatMul(h, p[highwayName(i, "wh")]), p[highwayName(i, "bh")]))
		h = tp.Add(tp.Mul(gate, transform), tp.Mul(tp.OneMinus(gate), h))
	}

	var last *autodiff.Node
	for l := 0; l < cfg.LSTMs; l++ {
		h, last = m.lstm(tp, p, l, h)
		if l < cfg.LSTMs-1 {
			h = tp.Dropout(h, m.mask(rng, cfg.SeqLen, cfg.LSTMUnits))
		}
	}
	last = tp.Dropout(last, m.mask(rng, 1, cfg.LSTMUnits))

	return tp.AddRow(tp.MatMul(last, p["output/w"]), p["output/b"])
}

// lstm runs layer l over the rows of in and returns all hidden states and the last one.
func (m *Model) lstm(tp *autodiff.Tape, p map[string]*autodiff.Node, l int, in *autodiff.Node) (*autodiff.Node, *autodiff.Node) {
	units := m.cfg.LSTMUnits
	steps, _ := in.Dims()

	xw := tp.AddRow(tp.MatMul(in, p[lstmName(l, "wx")]), p[lstmName(l, "b")])
	wh := p[lstmName(l, "wh")]
	h := tp.Zeros(1, units)
	c := tp.Zeros(1, units)

	outputs := make([]*autodiff.Node, 0, steps)
	for t := 0; t < steps; t++ {
		z := tp.Add(tp.SliceRows(xw, t, 1), tp.MatMul(h, wh))
		i := tp.Sigmoid(tp.SliceCols(z, 0, units))
		f := tp.Sigmoid(tp.SliceCols(z, units, units))
		g := tp.Tanh(tp.SliceCols(z, 2*units, units))
		o := tp.Sigmoid(tp.SliceCols(z, 3*units, units))
		c = tp.Add(tp.Mul(f, c), tp.Mul(i, g))
		h = tp.Mul(o, tp.Tanh(c))
		outputs = append(outputs, h)
	}
	return tp.ConcatRows(outputs...), h
}

// loss is the true-label loss: softmax cross-entropy for multi-class models,
// binary cross-entropy on the logit otherwise. A bipolar (tanh) output t=tanh(z)
// corresponds to the logit 2z.
func (m *Model) loss(tp *autodiff.Tape, logits *autodiff.Node, label int) *autodiff.Node {
	if m.cfg.Outputs() > 1 {
		return tp.SoftmaxCrossEntropy(logits, label)
	}
	scale := 1.0
	if m.cfg.Bipolar {
		scale = 2
	}
	return tp.BCEWithLogits(logits, float64(label), scale)
}

// Update applies delta to the named parameter in place. Callers must not run
// Predict or gradient calls concurrently with Update.
func (m *Model) Update(name string, delta *mat.Dense) error {
	p, ok := m.params[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingParam, name)
	}
	p.Add(p, delta)
	return nil
}
