// Package autodiff implements reverse-mode differentiation over gonum dense matrices.
//
// A Tape records every operation in execution order, which is already a topological
// order of the computation graph, so Backward simply replays the tape in reverse.
// Leaves created with Var accumulate gradients; leaves created with Const do not.
// Parameter matrices are never written by the tape, so one parameter set can be
// shared read-only by many tapes running in parallel.
package autodiff

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrNotScalar is returned by Backward when the output is not a 1x1 node.
var ErrNotScalar = errors.New("autodiff: backward requires a 1x1 output")

// Node is one value on the tape.
type Node struct {
	Value *mat.Dense
	Grad  *mat.Dense

	requiresGrad bool
	backward     func()
}

// RequiresGrad reports whether gradients flow into this node.
func (n *Node) RequiresGrad() bool { return n.requiresGrad }

// Dims returns the shape of the node value.
func (n *Node) Dims() (int, int) { return n.Value.Dims() }

// Tape records operations for one forward pass.
type Tape struct {
	nodes []*Node
}

// NewTape creates an empty tape.
func NewTape() *Tape {
	return &Tape{nodes: make([]*Node, 0, 256)}
}

// Len returns the number of recorded nodes.
func (t *Tape) Len() int { return len(t.nodes) }

// Const records a leaf that never receives gradients.
func (t *Tape) Const(m *mat.Dense) *Node {
	return t.push(&Node{Value: m})
}

// Var records a leaf that accumulates gradients.
func (t *Tape) Var(m *mat.Dense) *Node {
	return t.push(&Node{Value: m, requiresGrad: true})
}

// Zeros records a constant zero matrix.
func (t *Tape) Zeros(r, c int) *Node {
	return t.Const(mat.NewDense(r, c, nil))
}

func (t *Tape) push(n *Node) *Node {
	t.nodes = append(t.nodes, n)
	return n
}

// op records a derived node whose gradient flag follows its inputs.
func (t *Tape) op(value *mat.Dense, inputs ...*Node) *Node {
	n := &Node{Value: value}
	for _, in := range inputs {
		if in.requiresGrad {
			n.requiresGrad = true
			break
		}
	}
	return t.push(n)
}

// Backward seeds d(out)/d(out) = 1 and propagates gradients to every Var.
func (t *Tape) Backward(out *Node) error {
	if r, c := out.Dims(); r != 1 || c != 1 {
		return fmt.Errorf("%w: got %dx%d", ErrNotScalar, r, c)
	}
	if !out.requiresGrad {
		return nil
	}
	out.Grad = mat.NewDense(1, 1, []float64{1})
	for i := len(t.nodes) - 1; i >= 0; i-- {
		n := t.nodes[i]
		if n.backward != nil && n.Grad != nil {
			n.backward()
		}
	}
	return nil
}

// accumulate adds g into n.Grad, allocating on first use.
func accumulate(n *Node, g mat.Matrix) {
	if !n.requiresGrad {
		return
	}
	if n.Grad == nil {
		r, c := n.Value.Dims()
		n.Grad = mat.NewDense(r, c, nil)
	}
	n.Grad.Add(n.Grad, g)
}

// GradOrZeros returns the accumulated gradient or a zero matrix of the node's shape.
func (n *Node) GradOrZeros() *mat.Dense {
	if n.Grad != nil {
		return n.Grad
	}
	r, c := n.Value.Dims()
	return mat.NewDense(r, c, nil)
}
