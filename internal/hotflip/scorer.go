package hotflip

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Scorer estimates, for every sequence, the loss increase of replacing
// position pos with symbol v as an [L, V] matrix.
type Scorer interface {
	Score(ctx context.Context, sess *Session, seqs [][]int, labels []int) ([]*mat.Dense, error)
}

// FlipScorer is the first-order HotFlip estimate
//
//	S[pos, v] = G[pos] . (E[v] - E[x_pos])
//
// where G is the gradient of the true-label loss with respect to the embedded
// input and E the embedding table. One backward pass covers the whole batch.
type FlipScorer struct{}

// Score implements Scorer. The self-replacement entry S[pos, x_pos] is exactly 0.
func (FlipScorer) Score(ctx context.Context, sess *Session, seqs [][]int, labels []int) ([]*mat.Dense, error) {
	if err := sess.check(); err != nil {
		return nil, err
	}
	grads, err := sess.clf.EmbeddingGradients(ctx, seqs, labels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoGradient, err)
	}
	if len(grads) != len(seqs) {
		return nil, fmt.Errorf("%w: %d gradients for %d sequences", ErrNoGradient, len(grads), len(seqs))
	}

	_, dim := sess.embedding.Dims()
	scores := make([]*mat.Dense, len(seqs))
	for i, g := range grads {
		if g == nil {
			return nil, fmt.Errorf("%w: sequence %d", ErrNoGradient, i)
		}
		if r, c := g.Dims(); r != len(seqs[i]) || c != dim {
			return nil, fmt.Errorf("%w: gradient %d is %dx%d, want %dx%d", ErrShapeMismatch, i, r, c, len(seqs[i]), dim)
		}
		s := new(mat.Dense)
		s.Mul(g, sess.embedding.T())
		for pos, sym := range seqs[i] {
			row := s.RawRowView(pos)
			self := row[sym]
			for v := range row {
				row[v] -= self
			}
		}
		scores[i] = s
	}
	return scores, nil
}
