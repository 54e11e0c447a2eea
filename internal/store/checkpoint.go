package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"hotflip/internal/charlstm"
	"hotflip/internal/logging"
)

// CheckpointInfo describes a stored checkpoint without its tensors.
type CheckpointInfo struct {
	Name      string
	Config    charlstm.Config
	Tensors   int
	CreatedAt time.Time
}

// SaveCheckpoint stores cfg and params under name, replacing any previous
// checkpoint with the same name.
func (s *Store) SaveCheckpoint(ctx context.Context, name string, cfg charlstm.Config, params map[string]*mat.Dense) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "SaveCheckpoint")
	defer timer.Stop()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tensors WHERE checkpoint = ?", name); err != nil {
		return fmt.Errorf("failed to clear tensors: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO checkpoints (name, config, created_at) VALUES (?, ?, ?)",
		name, string(cfgJSON), time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO tensors (checkpoint, name, rows, cols, data) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare tensor insert: %w", err)
	}
	defer stmt.Close()

	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		t := params[n]
		r, c := t.Dims()
		blob, err := t.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode tensor %s: %w", n, err)
		}
		if _, err := stmt.ExecContext(ctx, name, n, r, c, blob); err != nil {
			return fmt.Errorf("failed to insert tensor %s: %w", n, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	logging.Store("Saved checkpoint %q (%d tensors)", name, len(names))
	return nil
}

// LoadCheckpoint returns the config and tensors stored under name.
func (s *Store) LoadCheckpoint(ctx context.Context, name string) (charlstm.Config, map[string]*mat.Dense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cfg charlstm.Config
	var cfgJSON string
	err := s.db.QueryRowContext(ctx, "SELECT config FROM checkpoints WHERE name = ?", name).Scan(&cfgJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, nil, fmt.Errorf("%w: %q", ErrCheckpointNotFound, name)
	}
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return cfg, nil, fmt.Errorf("failed to decode config of %q: %w", name, err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT name, rows, cols, data FROM tensors WHERE checkpoint = ?", name)
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to query tensors: %w", err)
	}
	defer rows.Close()

	params := make(map[string]*mat.Dense)
	for rows.Next() {
		var tname string
		var r, c int
		var blob []byte
		if err := rows.Scan(&tname, &r, &c, &blob); err != nil {
			return cfg, nil, fmt.Errorf("failed to scan tensor: %w", err)
		}
		var t mat.Dense
		if err := t.UnmarshalBinary(blob); err != nil {
			return cfg, nil, fmt.Errorf("failed to decode tensor %s: %w", tname, err)
		}
		if tr, tc := t.Dims(); tr != r || tc != c {
			return cfg, nil, fmt.Errorf("tensor %s: stored %dx%d but decoded %dx%d", tname, r, c, tr, tc)
		}
		params[tname] = &t
	}
	if err := rows.Err(); err != nil {
		return cfg, nil, err
	}
	logging.StoreDebug("Loaded checkpoint %q (%d tensors)", name, len(params))
	return cfg, params, nil
}

// LoadModel rebuilds the classifier stored under name.
func (s *Store) LoadModel(ctx context.Context, name string) (*charlstm.Model, error) {
	cfg, params, err := s.LoadCheckpoint(ctx, name)
	if err != nil {
		return nil, err
	}
	return charlstm.FromParams(cfg, params)
}

// SaveModel stores a classifier's config and parameters under name.
func (s *Store) SaveModel(ctx context.Context, name string, m *charlstm.Model) error {
	return s.SaveCheckpoint(ctx, name, m.Config(), m.Params())
}

// ListCheckpoints returns every stored checkpoint, newest first.
func (s *Store) ListCheckpoints(ctx context.Context) ([]CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.name, c.config, c.created_at, COUNT(t.name)
		FROM checkpoints c LEFT JOIN tensors t ON t.checkpoint = c.name
		GROUP BY c.name ORDER BY c.created_at DESC, c.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointInfo
	for rows.Next() {
		var info CheckpointInfo
		var cfgJSON string
		var created int64
		if err := rows.Scan(&info.Name, &cfgJSON, &created, &info.Tensors); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cfgJSON), &info.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config of %q: %w", info.Name, err)
		}
		info.CreatedAt = time.Unix(created, 0)
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteCheckpoint removes a checkpoint and its tensors.
func (s *Store) DeleteCheckpoint(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrCheckpointNotFound, name)
	}
	return nil
}
