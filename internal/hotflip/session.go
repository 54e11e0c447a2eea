package hotflip

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"hotflip/internal/logging"
)

// Session is the scoped state of one dataset pass: the classifier, a snapshot
// of its embedding table, the validated options and the metrics. It is created
// by NewSession, passed to every scorer, driver and orchestrator call, and
// released with Close.
type Session struct {
	id        string
	clf       Classifier
	embedding *mat.Dense
	opts      Options
	protected []bool
	forbidden []bool
	metrics   *Metrics
	log       *logging.Logger
	closed    atomic.Bool
}

// NewSession validates opts against the classifier and snapshots its embedding.
// A nil metrics gets a private registry.
func NewSession(clf Classifier, opts Options, metrics *Metrics) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	emb := clf.Embedding()
	if emb == nil {
		return nil, fmt.Errorf("%w: classifier has no embedding table", ErrShapeMismatch)
	}
	if v, _ := emb.Dims(); v != opts.VocabSize {
		return nil, fmt.Errorf("%w: embedding has %d rows, vocab size is %d", ErrShapeMismatch, v, opts.VocabSize)
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Session{
		id:        uuid.NewString(),
		clf:       clf,
		embedding: mat.DenseCopyOf(emb),
		opts:      opts,
		protected: symbolSet(opts.VocabSize, opts.Protected),
		forbidden: symbolSet(opts.VocabSize, opts.Forbidden),
		metrics:   metrics,
	}
	// Options own their slices from here on.
	s.opts.Protected = append([]int(nil), opts.Protected...)
	s.opts.Forbidden = append([]int(nil), opts.Forbidden...)
	s.log = logging.Get(logging.CategoryAttack).WithContext(map[string]interface{}{"session": s.id})
	s.log.Debug("Session opened: L=%d V=%d beam=%d maxchars=%d fanout=%d",
		opts.SeqLen, opts.VocabSize, opts.BeamWidth, opts.MaxChars, opts.EffectiveFanOut())
	return s, nil
}

func symbolSet(vocab int, symbols []int) []bool {
	set := make([]bool, vocab)
	for _, s := range symbols {
		set[s] = true
	}
	return set
}

// ID identifies the session in logs and run records.
func (s *Session) ID() string { return s.id }

// Options returns a copy of the session options.
func (s *Session) Options() Options {
	o := s.opts
	o.Protected = append([]int(nil), s.opts.Protected...)
	o.Forbidden = append([]int(nil), s.opts.Forbidden...)
	return o
}

// Classifier returns the attacked classifier.
func (s *Session) Classifier() Classifier { return s.clf }

// Metrics returns the session metrics.
func (s *Session) Metrics() *Metrics { return s.metrics }

// Close releases the embedding snapshot. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.embedding = nil
	s.log.Debug("Session closed")
	return nil
}

func (s *Session) check() error {
	if s == nil || s.closed.Load() {
		return ErrSessionClosed
	}
	return nil
}

// eligibleSource reports whether a position currently holding sym may be flipped.
func (s *Session) eligibleSource(sym int) bool { return !s.protected[sym] }

// eligibleTarget reports whether sym may be introduced.
func (s *Session) eligibleTarget(sym int) bool { return !s.forbidden[sym] }
