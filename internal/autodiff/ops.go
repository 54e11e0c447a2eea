package autodiff

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MatMul records a * b.
func (t *Tape) MatMul(a, b *Node) *Node {
	v := new(mat.Dense)
	v.Mul(a.Value, b.Value)
	n := t.op(v, a, b)
	n.backward = func() {
		if a.requiresGrad {
			var ga mat.Dense
			ga.Mul(n.Grad, b.Value.T())
			accumulate(a, &ga)
		}
		if b.requiresGrad {
			var gb mat.Dense
			gb.Mul(a.Value.T(), n.Grad)
			accumulate(b, &gb)
		}
	}
	return n
}

// Add records a + b for equally shaped operands.
func (t *Tape) Add(a, b *Node) *Node {
	v := new(mat.Dense)
	v.Add(a.Value, b.Value)
	n := t.op(v, a, b)
	n.backward = func() {
		accumulate(a, n.Grad)
		accumulate(b, n.Grad)
	}
	return n
}

// AddRow records a + bias where bias is 1xC and is broadcast over the rows of a.
func (t *Tape) AddRow(a, bias *Node) *Node {
	r, c := a.Dims()
	if br, bc := bias.Dims(); br != 1 || bc != c {
		panic(fmt.Sprintf("autodiff: AddRow bias %dx%d does not match %dx%d", br, bc, r, c))
	}
	v := mat.DenseCopyOf(a.Value)
	brow := bias.Value.RawRowView(0)
	for i := 0; i < r; i++ {
		row := v.RawRowView(i)
		for j := range row {
			row[j] += brow[j]
		}
	}
	n := t.op(v, a, bias)
	n.backward = func() {
		accumulate(a, n.Grad)
		if bias.requiresGrad {
			g := mat.NewDense(1, c, nil)
			grow := g.RawRowView(0)
			for i := 0; i < r; i++ {
				for j, x := range n.Grad.RawRowView(i) {
					grow[j] += x
				}
			}
			accumulate(bias, g)
		}
	}
	return n
}

// Mul records the elementwise product a ⊙ b.
func (t *Tape) Mul(a, b *Node) *Node {
	v := new(mat.Dense)
	v.MulElem(a.Value, b.Value)
	n := t.op(v, a, b)
	n.backward = func() {
		if a.requiresGrad {
			var ga mat.Dense
			ga.MulElem(n.Grad, b.Value)
			accumulate(a, &ga)
		}
		if b.requiresGrad {
			var gb mat.Dense
			gb.MulElem(n.Grad, a.Value)
			accumulate(b, &gb)
		}
	}
	return n
}

// OneMinus records 1 - a.
func (t *Tape) OneMinus(a *Node) *Node {
	v := new(mat.Dense)
	v.Apply(func(_, _ int, x float64) float64 { return 1 - x }, a.Value)
	n := t.op(v, a)
	n.backward = func() {
		var g mat.Dense
		g.Scale(-1, n.Grad)
		accumulate(a, &g)
	}
	return n
}

// unary records f(a) with derivative df expressed through the input x and output y.
func (t *Tape) unary(a *Node, f func(x float64) float64, df func(x, y float64) float64) *Node {
	v := new(mat.Dense)
	v.Apply(func(_, _ int, x float64) float64 { return f(x) }, a.Value)
	n := t.op(v, a)
	n.backward = func() {
		if !a.requiresGrad {
			return
		}
		g := new(mat.Dense)
		g.Apply(func(i, j int, up float64) float64 {
			return up * df(a.Value.At(i, j), v.At(i, j))
		}, n.Grad)
		accumulate(a, g)
	}
	return n
}

// Tanh records tanh(a).
func (t *Tape) Tanh(a *Node) *Node {
	return t.unary(a, math.Tanh, func(_, y float64) float64 { return 1 - y*y })
}

// Sigmoid records the logistic function of a.
func (t *Tape) Sigmoid(a *Node) *Node {
	return t.unary(a, sigmoid, func(_, y float64) float64 { return y * (1 - y) })
}

// ReLU records max(0, a).
func (t *Tape) ReLU(a *Node) *Node {
	return t.unary(a,
		func(x float64) float64 { return math.Max(0, x) },
		func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

// Dropout records inverted dropout with the given keep mask.
// mask entries are 0 or 1/(1-rate); a nil mask is the identity.
func (t *Tape) Dropout(a *Node, mask *mat.Dense) *Node {
	if mask == nil {
		return a
	}
	return t.Mul(a, t.Const(mask))
}

// Gather records rows ids of table, the embedding lookup.
func (t *Tape) Gather(table *Node, ids []int) *Node {
	_, d := table.Dims()
	v := mat.NewDense(len(ids), d, nil)
	for i, id := range ids {
		v.SetRow(i, table.Value.RawRowView(id))
	}
	n := t.op(v, table)
	n.backward = func() {
		if !table.requiresGrad {
			return
		}
		r, c := table.Dims()
		g := mat.NewDense(r, c, nil)
		for i, id := range ids {
			row := g.RawRowView(id)
			for j, x := range n.Grad.RawRowView(i) {
				row[j] += x
			}
		}
		accumulate(table, g)
	}
	return n
}

// SliceRows records rows [start, start+count) of a.
func (t *Tape) SliceRows(a *Node, start, count int) *Node {
	_, c := a.Dims()
	v := mat.DenseCopyOf(a.Value.Slice(start, start+count, 0, c))
	n := t.op(v, a)
	n.backward = func() {
		if !a.requiresGrad {
			return
		}
		r, _ := a.Dims()
		g := mat.NewDense(r, c, nil)
		g.Slice(start, start+count, 0, c).(*mat.Dense).Copy(n.Grad)
		accumulate(a, g)
	}
	return n
}

// SliceCols records columns [start, start+count) of a.
func (t *Tape) SliceCols(a *Node, start, count int) *Node {
	r, c := a.Dims()
	v := mat.DenseCopyOf(a.Value.Slice(0, r, start, start+count))
	n := t.op(v, a)
	n.backward = func() {
		if !a.requiresGrad {
			return
		}
		g := mat.NewDense(r, c, nil)
		g.Slice(0, r, start, start+count).(*mat.Dense).Copy(n.Grad)
		accumulate(a, g)
	}
	return n
}

// ConcatRows stacks nodes with equal column counts vertically.
func (t *Tape) ConcatRows(parts ...*Node) *Node {
	_, c := parts[0].Dims()
	total := 0
	for _, p := range parts {
		r, pc := p.Dims()
		if pc != c {
			panic(fmt.Sprintf("autodiff: ConcatRows column mismatch %d != %d", pc, c))
		}
		total += r
	}
	v := mat.NewDense(total, c, nil)
	offset := 0
	for _, p := range parts {
		r, _ := p.Dims()
		v.Slice(offset, offset+r, 0, c).(*mat.Dense).Copy(p.Value)
		offset += r
	}
	n := t.op(v, parts...)
	n.backward = func() {
		offset := 0
		for _, p := range parts {
			r, _ := p.Dims()
			if p.requiresGrad {
				accumulate(p, n.Grad.Slice(offset, offset+r, 0, c))
			}
			offset += r
		}
	}
	return n
}

// ConcatCols joins nodes with equal row counts horizontally.
func (t *Tape) ConcatCols(parts ...*Node) *Node {
	r, _ := parts[0].Dims()
	total := 0
	for _, p := range parts {
		pr, c := p.Dims()
		if pr != r {
			panic(fmt.Sprintf("autodiff: ConcatCols row mismatch %d != %d", pr, r))
		}
		total += c
	}
	v := mat.NewDense(r, total, nil)
	offset := 0
	for _, p := range parts {
		_, c := p.Dims()
		v.Slice(0, r, offset, offset+c).(*mat.Dense).Copy(p.Value)
		offset += c
	}
	n := t.op(v, parts...)
	n.backward = func() {
		offset := 0
		for _, p := range parts {
			_, c := p.Dims()
			if p.requiresGrad {
				accumulate(p, n.Grad.Slice(0, r, offset, offset+c))
			}
			offset += c
		}
	}
	return n
}

// Unfold turns a TxD sequence into (T-k+1)x(k*D) windows so that a 1-D
// convolution of width k becomes a single matrix product.
func (t *Tape) Unfold(a *Node, k int) *Node {
	rows, _ := a.Dims()
	return t.UnfoldBlocks(a, rows, k)
}

// UnfoldBlocks unfolds each consecutive block of `block` rows independently so
// that windows never straddle two blocks. Trailing rows that do not fill a
// whole block are ignored. The result has blocks*(block-k+1) rows.
func (t *Tape) UnfoldBlocks(a *Node, block, k int) *Node {
	rows, d := a.Dims()
	if k < 1 || block < k || block > rows {
		panic(fmt.Sprintf("autodiff: Unfold width %d with block %d over %d rows", k, block, rows))
	}
	blocks := rows / block
	per := block - k + 1
	v := mat.NewDense(blocks*per, k*d, nil)
	for b := 0; b < blocks; b++ {
		for w := 0; w < per; w++ {
			dst := v.RawRowView(b*per + w)
			for j := 0; j < k; j++ {
				copy(dst[j*d:(j+1)*d], a.Value.RawRowView(b*block+w+j))
			}
		}
	}
	n := t.op(v, a)
	n.backward = func() {
		if !a.requiresGrad {
			return
		}
		g := mat.NewDense(rows, d, nil)
		for b := 0; b < blocks; b++ {
			for w := 0; w < per; w++ {
				src := n.Grad.RawRowView(b*per + w)
				for j := 0; j < k; j++ {
					dst := g.RawRowView(b*block + w + j)
					for x := 0; x < d; x++ {
						dst[x] += src[j*d+x]
					}
				}
			}
		}
		accumulate(a, g)
	}
	return n
}

// MaxRows records the column-wise maximum over rows (max-over-time pooling).
func (t *Tape) MaxRows(a *Node) *Node {
	rows, _ := a.Dims()
	return t.MaxPool(a, rows)
}

// MaxPool records the column-wise maximum of each consecutive group of rows,
// giving one output row per group. Ties route the gradient to the first
// maximal row.
func (t *Tape) MaxPool(a *Node, group int) *Node {
	r, c := a.Dims()
	if group < 1 || r%group != 0 {
		panic(fmt.Sprintf("autodiff: MaxPool group %d does not divide %d rows", group, r))
	}
	groups := r / group
	v := mat.NewDense(groups, c, nil)
	arg := make([]int, groups*c)
	for gi := 0; gi < groups; gi++ {
		for j := 0; j < c; j++ {
			best := math.Inf(-1)
			for i := gi * group; i < (gi+1)*group; i++ {
				if x := a.Value.At(i, j); x > best {
					best = x
					arg[gi*c+j] = i
				}
			}
			v.Set(gi, j, best)
		}
	}
	n := t.op(v, a)
	n.backward = func() {
		if !a.requiresGrad {
			return
		}
		g := mat.NewDense(r, c, nil)
		for gi := 0; gi < groups; gi++ {
			for j := 0; j < c; j++ {
				g.Set(arg[gi*c+j], j, g.At(arg[gi*c+j], j)+n.Grad.At(gi, j))
			}
		}
		accumulate(a, g)
	}
	return n
}

// Sum records the sum of all entries of a as a 1x1 node.
func (t *Tape) Sum(a *Node) *Node {
	n := t.op(mat.NewDense(1, 1, []float64{mat.Sum(a.Value)}), a)
	n.backward = func() {
		r, c := a.Dims()
		g := mat.NewDense(r, c, nil)
		up := n.Grad.At(0, 0)
		g.Apply(func(_, _ int, _ float64) float64 { return up }, g)
		accumulate(a, g)
	}
	return n
}

// Scale records s * a.
func (t *Tape) Scale(s float64, a *Node) *Node {
	v := new(mat.Dense)
	v.Scale(s, a.Value)
	n := t.op(v, a)
	n.backward = func() {
		var g mat.Dense
		g.Scale(s, n.Grad)
		accumulate(a, &g)
	}
	return n
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
