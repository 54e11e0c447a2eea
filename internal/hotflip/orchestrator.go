package hotflip

import (
	"context"
	"fmt"
	"time"

	"hotflip/internal/batching"
)

// BatchResult is the output of one batch after the overlap has been trimmed.
// Row r of every slot corresponds to dataset row Start+r.
type BatchResult struct {
	Index  int
	Start  int
	Seqs   [][][]int   // [beam][rows][L]
	Scores [][]float64 // [beam][rows]
}

// Rows returns the number of dataset rows covered.
func (b BatchResult) Rows() int {
	if len(b.Seqs) == 0 {
		return 0
	}
	return len(b.Seqs[0])
}

// Sink receives batch results as they complete.
type Sink interface {
	// Completed returns the batch indices that are already stored.
	Completed(ctx context.Context) (map[int]bool, error)
	// WriteBatch stores one batch.
	WriteBatch(ctx context.Context, b BatchResult) error
}

// Result is the adversarial dataset: Seqs[slot][i] is the slot-th best
// candidate for example i, Scores its cumulative estimate.
type Result struct {
	Seqs   [][][]int
	Scores [][]float64
}

// NewResult allocates an empty result for beamWidth slots and n examples.
func NewResult(beamWidth, n int) *Result {
	r := &Result{Seqs: make([][][]int, beamWidth), Scores: make([][]float64, beamWidth)}
	for s := range r.Seqs {
		r.Seqs[s] = make([][]int, n)
		r.Scores[s] = make([]float64, n)
	}
	return r
}

// Shape returns [beam_width, n, L].
func (r *Result) Shape() [3]int {
	if len(r.Seqs) == 0 || len(r.Seqs[0]) == 0 {
		return [3]int{len(r.Seqs), 0, 0}
	}
	return [3]int{len(r.Seqs), len(r.Seqs[0]), len(r.Seqs[0][0])}
}

// Place copies a batch into the result.
func (r *Result) Place(b BatchResult) error {
	if len(b.Seqs) != len(r.Seqs) {
		return fmt.Errorf("%w: batch has %d slots, result %d", ErrShapeMismatch, len(b.Seqs), len(r.Seqs))
	}
	for s := range b.Seqs {
		if b.Start+len(b.Seqs[s]) > len(r.Seqs[s]) {
			return fmt.Errorf("%w: batch rows [%d,%d) beyond %d examples", ErrShapeMismatch, b.Start, b.Start+len(b.Seqs[s]), len(r.Seqs[s]))
		}
		copy(r.Seqs[s][b.Start:], b.Seqs[s])
		copy(r.Scores[s][b.Start:], b.Scores[s])
	}
	return nil
}

// Flatten reshapes the result slot-major to [beam_width*n][L] and tiles the
// labels beam_width times to match.
func (r *Result) Flatten(y []int) ([][]int, []int) {
	var X [][]int
	var labels []int
	for s := range r.Seqs {
		X = append(X, r.Seqs[s]...)
		labels = append(labels, y...)
	}
	return X, labels
}

// memorySink places batches into an in-memory Result.
type memorySink struct {
	res *Result
}

func (m *memorySink) Completed(context.Context) (map[int]bool, error) { return nil, nil }

func (m *memorySink) WriteBatch(_ context.Context, b BatchResult) error { return m.res.Place(b) }

// Orchestrator tiles the driver over a dataset in fixed-size batches.
type Orchestrator struct {
	driver *Driver
	// Progress, when set, is called after every batch with completed and total batch counts.
	Progress func(done, total int)
}

// NewOrchestrator creates an orchestrator around driver. A nil driver uses FlipScorer.
func NewOrchestrator(driver *Driver) *Orchestrator {
	if driver == nil {
		driver = NewDriver(nil)
	}
	return &Orchestrator{driver: driver}
}

// Run attacks every example and materializes the result in memory.
func (o *Orchestrator) Run(ctx context.Context, sess *Session, X [][]int, y []int) (*Result, error) {
	if err := sess.check(); err != nil {
		return nil, err
	}
	opts := sess.opts
	if err := opts.CheckResultSize(len(X)); err != nil {
		return nil, fmt.Errorf("%w, stream to a sink instead", err)
	}
	res := NewResult(opts.BeamWidth, len(X))
	if err := o.Stream(ctx, sess, X, y, &memorySink{res: res}); err != nil {
		return nil, err
	}
	return res, nil
}

// Stream attacks every example and hands each trimmed batch to sink, skipping
// batches the sink reports as complete. Cancellation is observed between batches.
func (o *Orchestrator) Stream(ctx context.Context, sess *Session, X [][]int, y []int, sink Sink) error {
	if err := sess.check(); err != nil {
		return err
	}
	opts := sess.opts
	if err := opts.checkBatch(X, y); err != nil {
		return err
	}
	classes := sess.clf.NumClasses()
	for i, label := range y {
		if label < 0 || label >= classes {
			return fmt.Errorf("%w: label %d of example %d outside [0,%d)", ErrShapeMismatch, label, i, classes)
		}
	}

	windows, err := batching.Plan(len(X), opts.BatchSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	done, err := sink.Completed(ctx)
	if err != nil {
		return fmt.Errorf("failed to read completed batches: %w", err)
	}
	if len(done) > 0 {
		sess.log.Info("Resuming: %d of %d batches already stored", len(done), len(windows))
	}

	for n, w := range windows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if done[w.Index] {
			o.progress(n+1, len(windows))
			continue
		}

		start := time.Now()
		beams, err := o.driver.Run(ctx, sess, batching.Gather(X, w), batching.Gather(y, w))
		if err != nil {
			return fmt.Errorf("batch %d: %w", w.Index, err)
		}

		b := trim(w, beams, opts.BeamWidth)
		if err := sink.WriteBatch(ctx, b); err != nil {
			return fmt.Errorf("failed to store batch %d: %w", w.Index, err)
		}

		elapsed := time.Since(start)
		sess.metrics.batches.Inc()
		sess.metrics.examples.Add(float64(b.Rows()))
		sess.metrics.batchTiming.Observe(elapsed.Seconds())
		sess.log.Debug("Batch %d/%d rows [%d,%d) done in %v", w.Index+1, len(windows), w.Keep, w.End, elapsed)
		o.progress(n+1, len(windows))
	}
	return nil
}

func (o *Orchestrator) progress(done, total int) {
	if o.Progress != nil {
		o.Progress(done, total)
	}
}

// trim keeps the rows of w that no earlier batch produced and drops padding.
func trim(w batching.Window, beams []Beam, width int) BatchResult {
	rows := w.End - w.Keep
	off := w.Offset()
	b := BatchResult{
		Index:  w.Index,
		Start:  w.Keep,
		Seqs:   make([][][]int, width),
		Scores: make([][]float64, width),
	}
	for s := 0; s < width; s++ {
		b.Seqs[s] = make([][]int, rows)
		b.Scores[s] = make([]float64, rows)
		for r := 0; r < rows; r++ {
			c := beams[off+r].Candidates[s]
			b.Seqs[s][r] = c.Seq
			b.Scores[s][r] = c.Score
		}
	}
	return b
}
