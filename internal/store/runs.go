package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hotflip/internal/hotflip"
	"hotflip/internal/logging"
)

// Run statuses.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunFailed   = "failed"
)

// Run is one attack over a dataset.
type Run struct {
	ID         string
	Checkpoint string
	Options    hotflip.Options
	Examples   int
	// Fingerprint identifies the attacked examples and labels.
	Fingerprint string
	Status      string
	Summary     json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateRun registers a new attack of n examples with opts against checkpoint.
// fingerprint identifies the data so a resume can refuse different rows.
func (s *Store) CreateRun(ctx context.Context, checkpoint string, opts hotflip.Options, n int, fingerprint string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}
	now := time.Now()
	run := &Run{
		ID:          uuid.New().String(),
		Checkpoint:  checkpoint,
		Options:     opts,
		Examples:    n,
		Fingerprint: fingerprint,
		Status:      RunRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, checkpoint, options, examples, fingerprint, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, checkpoint, string(optsJSON), n, fingerprint, run.Status, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	logging.Store("Created run %s (%d examples, checkpoint %q)", run.ID, n, checkpoint)
	return run, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var run Run
	var optsJSON string
	var summary sql.NullString
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, checkpoint, options, examples, fingerprint, status, summary, created_at, updated_at
		FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Checkpoint, &optsJSON, &run.Examples, &run.Fingerprint, &run.Status, &summary, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	if err := json.Unmarshal([]byte(optsJSON), &run.Options); err != nil {
		return nil, fmt.Errorf("failed to decode options of run %s: %w", id, err)
	}
	if summary.Valid {
		run.Summary = json.RawMessage(summary.String)
	}
	run.CreatedAt = time.Unix(created, 0)
	run.UpdatedAt = time.Unix(updated, 0)
	return &run, nil
}

// ResumeRun loads run id for continuing it against checkpoint over n examples
// with the given fingerprint. Any difference fails with ErrRunMismatch, since
// stored batches of other data would be stitched into the result.
func (s *Store) ResumeRun(ctx context.Context, id, checkpoint string, n int, fingerprint string) (*Run, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case run.Checkpoint != checkpoint:
		return nil, fmt.Errorf("%w: run %s attacked checkpoint %q, not %q", ErrRunMismatch, id, run.Checkpoint, checkpoint)
	case run.Examples != n:
		return nil, fmt.Errorf("%w: run %s covers %d examples, data has %d", ErrRunMismatch, id, run.Examples, n)
	case run.Fingerprint == "":
		return nil, fmt.Errorf("%w: run %s has no data fingerprint", ErrRunMismatch, id)
	case run.Fingerprint != fingerprint:
		return nil, fmt.Errorf("%w: run %s attacked different examples", ErrRunMismatch, id)
	}
	logging.Store("Resuming run %s (%d examples, checkpoint %q)", id, n, checkpoint)
	return run, nil
}

// FinishRun records the final status of a run and an optional summary,
// which is stored as JSON.
func (s *Store) FinishRun(ctx context.Context, id, status string, summary any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload sql.NullString
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, summary = ?, updated_at = ? WHERE id = ?",
		status, payload, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	logging.Store("Run %s %s", id, status)
	return nil
}

// RunSink streams attack batches into the run_batches table. It satisfies
// hotflip.Sink, so a stopped run can be resumed by streaming into the same sink.
type RunSink struct {
	store *Store
	runID string
}

var _ hotflip.Sink = (*RunSink)(nil)

// Sink returns the batch sink of run id.
func (s *Store) Sink(id string) *RunSink {
	return &RunSink{store: s, runID: id}
}

// Completed returns the batch indices already stored for the run.
func (r *RunSink) Completed(ctx context.Context) (map[int]bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rows, err := r.store.db.QueryContext(ctx, "SELECT batch_index FROM run_batches WHERE run_id = ?", r.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		done[idx] = true
	}
	return done, rows.Err()
}

// batchPayload is the stored form of a hotflip.BatchResult.
type batchPayload struct {
	Seqs   [][][]int   `json:"seqs"`
	Scores [][]float64 `json:"scores"`
}

// WriteBatch stores one trimmed batch, replacing an earlier copy.
func (r *RunSink) WriteBatch(ctx context.Context, b hotflip.BatchResult) error {
	payload, err := json.Marshal(batchPayload{Seqs: b.Seqs, Scores: b.Scores})
	if err != nil {
		return fmt.Errorf("failed to encode batch %d: %w", b.Index, err)
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	_, err = r.store.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_batches (run_id, batch_index, start_row, row_count, payload)
		VALUES (?, ?, ?, ?, ?)`,
		r.runID, b.Index, b.Start, b.Rows(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert batch %d: %w", b.Index, err)
	}
	if _, err := r.store.db.ExecContext(ctx, "UPDATE runs SET updated_at = ? WHERE id = ?", time.Now().Unix(), r.runID); err != nil {
		return fmt.Errorf("failed to touch run: %w", err)
	}
	logging.StoreDebug("Run %s: stored batch %d rows [%d,%d)", r.runID, b.Index, b.Start, b.Start+b.Rows())
	return nil
}

// LoadRunResult reassembles the adversarial dataset of a run from its batches.
// It fails with ErrRunIncomplete unless every example is covered, and with
// hotflip.ErrResultTooLarge when the run's options cap in-memory results
// below its size.
func (s *Store) LoadRunResult(ctx context.Context, id string) (*hotflip.Result, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := run.Options.CheckResultSize(run.Examples); err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	timer := logging.StartTimer(logging.CategoryStore, "LoadRunResult")
	defer timer.Stop()

	rows, err := s.db.QueryContext(ctx,
		"SELECT batch_index, start_row, payload FROM run_batches WHERE run_id = ? ORDER BY batch_index", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	res := hotflip.NewResult(run.Options.BeamWidth, run.Examples)
	covered := 0
	for rows.Next() {
		var b hotflip.BatchResult
		var raw string
		if err := rows.Scan(&b.Index, &b.Start, &raw); err != nil {
			return nil, err
		}
		var p batchPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to decode batch %d: %w", b.Index, err)
		}
		b.Seqs, b.Scores = p.Seqs, p.Scores
		if err := res.Place(b); err != nil {
			return nil, fmt.Errorf("batch %d: %w", b.Index, err)
		}
		covered += b.Rows()
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if covered != run.Examples {
		return nil, fmt.Errorf("%w: %d of %d examples stored", ErrRunIncomplete, covered, run.Examples)
	}
	return res, nil
}
