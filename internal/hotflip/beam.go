package hotflip

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Flip is one substitution with its estimated loss increase.
type Flip struct {
	Position    int
	Replacement int
	Score       float64
}

// Candidate is one perturbed sequence in a beam.
type Candidate struct {
	Seq     []int
	Flipped map[int]bool // positions already flipped
	Score   float64      // cumulative estimated loss increase
	Parent  int          // slot of the parent in the previous beam, -1 for the original
	Flips   []Flip       // applied flips in order
}

func (c *Candidate) child(f Flip, parent int) *Candidate {
	seq := append([]int(nil), c.Seq...)
	seq[f.Position] = f.Replacement
	flipped := make(map[int]bool, len(c.Flipped)+1)
	for p := range c.Flipped {
		flipped[p] = true
	}
	flipped[f.Position] = true
	return &Candidate{
		Seq:     seq,
		Flipped: flipped,
		Score:   c.Score + f.Score,
		Parent:  parent,
		Flips:   append(append([]Flip(nil), c.Flips...), f),
	}
}

// Beam holds the ranked candidates of one example, best first.
type Beam struct {
	Candidates []*Candidate
	// Survivors is the number of distinct candidates before padding.
	Survivors int
}

// Driver runs the beam search over one batch.
type Driver struct {
	scorer Scorer
}

// NewDriver creates a driver. A nil scorer means FlipScorer.
func NewDriver(scorer Scorer) *Driver {
	if scorer == nil {
		scorer = FlipScorer{}
	}
	return &Driver{scorer: scorer}
}

// poolEntry is a ranked proposal for the next beam.
type poolEntry struct {
	cand        *Candidate
	parent      int
	position    int // -1 for a carried-over candidate
	replacement int
}

// less ranks by cumulative score desc, then parent slot, position and replacement asc.
func (a poolEntry) less(b poolEntry) bool {
	if a.cand.Score != b.cand.Score {
		return a.cand.Score > b.cand.Score
	}
	if a.parent != b.parent {
		return a.parent < b.parent
	}
	if a.position != b.position {
		return a.position < b.position
	}
	return a.replacement < b.replacement
}

// Run searches up to MaxChars rounds and returns one beam per example, each
// padded to BeamWidth by repeating its last surviving candidate. Inputs are
// not modified.
func (d *Driver) Run(ctx context.Context, sess *Session, X [][]int, y []int) ([]Beam, error) {
	if err := sess.check(); err != nil {
		return nil, err
	}
	opts := sess.opts
	if err := opts.checkBatch(X, y); err != nil {
		return nil, err
	}

	beams := make([]Beam, len(X))
	for i, seq := range X {
		root := &Candidate{Seq: append([]int(nil), seq...), Flipped: map[int]bool{}, Parent: -1}
		beams[i] = Beam{Candidates: []*Candidate{root}}
	}

	for round := 1; round <= opts.MaxChars; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		produced, err := d.round(ctx, sess, beams, y)
		if err != nil {
			return nil, err
		}
		sess.metrics.rounds.Inc()
		if produced == 0 {
			sess.log.Debug("Beam search stopped early after %d of %d rounds", round-1, opts.MaxChars)
			sess.metrics.earlyStops.Inc()
			break
		}
	}

	for i := range beams {
		beams[i].Survivors = len(beams[i].Candidates)
		last := beams[i].Candidates[len(beams[i].Candidates)-1]
		for len(beams[i].Candidates) < opts.BeamWidth {
			beams[i].Candidates = append(beams[i].Candidates, last)
		}
	}
	return beams, nil
}

// round expands every live candidate once and prunes each beam. It returns the
// number of children produced across the batch.
func (d *Driver) round(ctx context.Context, sess *Session, beams []Beam, y []int) (int, error) {
	var seqs [][]int
	var labels []int
	for i, b := range beams {
		for _, c := range b.Candidates {
			seqs = append(seqs, c.Seq)
			labels = append(labels, y[i])
		}
	}
	scores, err := d.scorer.Score(ctx, sess, seqs, labels)
	if err != nil {
		return 0, err
	}
	if len(scores) != len(seqs) {
		return 0, fmt.Errorf("%w: scorer returned %d matrices for %d candidates", ErrShapeMismatch, len(scores), len(seqs))
	}

	fanOut := sess.opts.EffectiveFanOut()
	produced := 0
	k := 0
	for i := range beams {
		pool := make([]poolEntry, 0, len(beams[i].Candidates)*fanOut)
		for slot, c := range beams[i].Candidates {
			flips, err := sess.topFlips(c, scores[k], fanOut)
			k++
			if err != nil {
				return 0, err
			}
			if len(flips) == 0 {
				sess.metrics.carryOvers.Inc()
				pool = append(pool, poolEntry{cand: c, parent: slot, position: -1, replacement: -1})
				continue
			}
			sess.metrics.flipScores.Observe(flips[0].Score)
			for _, f := range flips {
				pool = append(pool, poolEntry{cand: c.child(f, slot), parent: slot, position: f.Position, replacement: f.Replacement})
				produced++
				sess.metrics.flips.Inc()
			}
		}
		beams[i].Candidates = prune(pool, sess.opts.BeamWidth)
	}
	return produced, nil
}

// prune sorts the pool, drops duplicate sequences (keeping the best-ranked copy)
// and keeps the top width entries.
func prune(pool []poolEntry, width int) []*Candidate {
	sort.SliceStable(pool, func(a, b int) bool { return pool[a].less(pool[b]) })
	seen := make(map[string]bool, len(pool))
	out := make([]*Candidate, 0, width)
	for _, e := range pool {
		key := seqKey(e.cand.Seq)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e.cand)
		if len(out) == width {
			break
		}
	}
	return out
}

func seqKey(seq []int) string {
	buf := make([]byte, 0, len(seq)*2)
	for _, s := range seq {
		buf = binary.AppendUvarint(buf, uint64(s))
	}
	return string(buf)
}

// topFlips returns up to k eligible flips for c ranked by score desc, then
// position asc, then replacement asc.
func (s *Session) topFlips(c *Candidate, scores *mat.Dense, k int) ([]Flip, error) {
	r, v := scores.Dims()
	if r != len(c.Seq) || v != s.opts.VocabSize {
		return nil, fmt.Errorf("%w: score matrix %dx%d, want %dx%d", ErrShapeMismatch, r, v, len(c.Seq), s.opts.VocabSize)
	}

	better := func(a, b Flip) bool {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.Replacement < b.Replacement
	}

	top := make([]Flip, 0, k)
	for pos, cur := range c.Seq {
		if c.Flipped[pos] || !s.eligibleSource(cur) {
			continue
		}
		row := scores.RawRowView(pos)
		for sym, score := range row {
			if sym == cur || !s.eligibleTarget(sym) {
				continue
			}
			if math.IsNaN(score) || math.IsInf(score, 0) {
				continue
			}
			if s.opts.RequireGain && score <= 0 {
				continue
			}
			f := Flip{Position: pos, Replacement: sym, Score: score}
			if len(top) == k && !better(f, top[k-1]) {
				continue
			}
			// insert keeping top sorted, dropping the worst when full
			at := sort.Search(len(top), func(i int) bool { return better(f, top[i]) })
			if len(top) < k {
				top = append(top, Flip{})
			}
			copy(top[at+1:], top[at:len(top)-1])
			top[at] = f
		}
	}
	return top, nil
}
