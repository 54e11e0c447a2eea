// Package hotflip generates adversarial character sequences against a
// differentiable text classifier.
//
// A FlipScorer turns one backward pass into a first-order estimate of the loss
// change for every (position, replacement) pair; a Driver runs a beam search
// that applies up to MaxChars such flips at distinct positions; an
// Orchestrator tiles the driver over a dataset in fixed-size batches. All
// calls take an explicit *Session that owns the classifier, an embedding
// snapshot, the validated options and the metrics for one dataset pass.
package hotflip

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShapeMismatch reports data that does not match the configured geometry.
	ErrShapeMismatch = errors.New("hotflip: shape mismatch")
	// ErrSymbolOutOfRange reports a symbol outside [0, VocabSize).
	ErrSymbolOutOfRange = errors.New("hotflip: symbol out of range")
	// ErrNoGradient reports a classifier that could not produce embedding gradients.
	ErrNoGradient = errors.New("hotflip: classifier produced no gradient")
	// ErrInvalidOptions reports inconsistent attack options.
	ErrInvalidOptions = errors.New("hotflip: invalid options")
	// ErrResultTooLarge reports a result that exceeds Options.MaxResultCells.
	ErrResultTooLarge = errors.New("hotflip: result too large to materialize")
	// ErrSessionClosed reports use of a session after Close.
	ErrSessionClosed = errors.New("hotflip: session closed")
)

// Classifier is the differentiable model under attack.
type Classifier interface {
	// Predict returns [B, C] class probabilities.
	Predict(ctx context.Context, batch [][]int, training bool) (*mat.Dense, error)
	// EmbeddingGradients returns, per example, the [L, D] gradient of the
	// true-label loss with respect to the embedded input.
	EmbeddingGradients(ctx context.Context, batch [][]int, labels []int) ([]*mat.Dense, error)
	// Embedding returns the [V, D] embedding table.
	Embedding() *mat.Dense
	// NumClasses returns the number of label classes.
	NumClasses() int
}

// Options configures one attack. It is a value type; a Session copies and
// validates it once.
type Options struct {
	SeqLen    int // encoded sequence length L
	VocabSize int // V
	BatchSize int // rows per classifier call

	BeamWidth int // candidates kept per example
	MaxChars  int // flips per example, at distinct positions
	// FanOut is the number of children each candidate proposes per round.
	// 0 means BeamWidth; 1 with BeamWidth 1 is greedy HotFlip.
	FanOut int
	// RequireGain only accepts flips with a strictly positive estimate.
	RequireGain bool

	// Protected positions hold one of these symbols and are never flipped.
	Protected []int
	// Forbidden symbols are never introduced.
	Forbidden []int

	// MaxResultCells bounds BeamWidth*n*L for in-memory results. 0 disables the check.
	MaxResultCells int64
}

// DefaultOptions matches the reference attack: one candidate, ten flips.
func DefaultOptions(seqLen, vocabSize int) Options {
	return Options{
		SeqLen:         seqLen,
		VocabSize:      vocabSize,
		BatchSize:      64,
		BeamWidth:      1,
		MaxChars:       10,
		MaxResultCells: 1 << 28,
	}
}

// EffectiveFanOut resolves the zero value of FanOut.
func (o Options) EffectiveFanOut() int {
	if o.FanOut > 0 {
		return o.FanOut
	}
	return o.BeamWidth
}

// Validate checks the options. Every failure wraps ErrInvalidOptions or ErrSymbolOutOfRange.
func (o Options) Validate() error {
	switch {
	case o.SeqLen < 1:
		return fmt.Errorf("%w: seqlen %d", ErrInvalidOptions, o.SeqLen)
	case o.VocabSize < 2:
		return fmt.Errorf("%w: vocab size %d", ErrInvalidOptions, o.VocabSize)
	case o.BatchSize < 1:
		return fmt.Errorf("%w: batch size %d", ErrInvalidOptions, o.BatchSize)
	case o.BeamWidth < 1:
		return fmt.Errorf("%w: beam width %d", ErrInvalidOptions, o.BeamWidth)
	case o.MaxChars < 0:
		return fmt.Errorf("%w: max chars %d", ErrInvalidOptions, o.MaxChars)
	case o.FanOut < 0:
		return fmt.Errorf("%w: fan-out %d", ErrInvalidOptions, o.FanOut)
	case o.MaxResultCells < 0:
		return fmt.Errorf("%w: max result cells %d", ErrInvalidOptions, o.MaxResultCells)
	}
	for _, s := range o.Protected {
		if s < 0 || s >= o.VocabSize {
			return fmt.Errorf("%w: protected symbol %d", ErrSymbolOutOfRange, s)
		}
	}
	for _, s := range o.Forbidden {
		if s < 0 || s >= o.VocabSize {
			return fmt.Errorf("%w: forbidden symbol %d", ErrSymbolOutOfRange, s)
		}
	}
	return nil
}

// CheckResultSize reports ErrResultTooLarge when an in-memory result for n
// examples would hold more than MaxResultCells symbols.
func (o Options) CheckResultSize(n int) error {
	cells := int64(o.BeamWidth) * int64(n) * int64(o.SeqLen)
	if o.MaxResultCells > 0 && cells > o.MaxResultCells {
		return fmt.Errorf("%w: %d cells exceed limit %d", ErrResultTooLarge, cells, o.MaxResultCells)
	}
	return nil
}

// checkBatch validates sequences and labels against the options.
func (o Options) checkBatch(X [][]int, y []int) error {
	if len(X) != len(y) {
		return fmt.Errorf("%w: %d sequences but %d labels", ErrShapeMismatch, len(X), len(y))
	}
	for i, seq := range X {
		if len(seq) != o.SeqLen {
			return fmt.Errorf("%w: sequence %d has length %d, want %d", ErrShapeMismatch, i, len(seq), o.SeqLen)
		}
		for p, s := range seq {
			if s < 0 || s >= o.VocabSize {
				return fmt.Errorf("%w: sequence %d position %d holds %d, vocab %d", ErrSymbolOutOfRange, i, p, s, o.VocabSize)
			}
		}
	}
	return nil
}
