package main

import (
	"context"
	"fmt"

	"hotflip/internal/charlstm"
	"hotflip/internal/config"
	"hotflip/internal/dataset"
	"hotflip/internal/logging"
	"hotflip/internal/store"
)

// loadCheckpoint opens the store and loads the named model. The model's
// stored geometry replaces cfg.Model so encoders and options match it.
func loadCheckpoint(ctx context.Context, cfg *config.Config) (*store.Store, *charlstm.Model, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	model, err := st.LoadModel(ctx, cfg.Name)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	stored := model.Config()
	if stored.CharLen() != cfg.Model.CharLen() || stored.VocabSize != cfg.Model.VocabSize {
		logging.Get(logging.CategoryModel).Warn("Checkpoint %q geometry (charlen %d, vocab %d) overrides config (charlen %d, vocab %d)",
			cfg.Name, stored.CharLen(), stored.VocabSize, cfg.Model.CharLen(), cfg.Model.VocabSize)
	}
	stored.Workers = cfg.Model.Workers
	cfg.Model = stored
	return st, model, nil
}

// loadSplit reads one split and checks it against the model geometry.
func loadSplit(cfg *config.Config, enc *dataset.Encoder, file string) (*dataset.Dataset, error) {
	path := cfg.Data.Path(file)
	ds, err := dataset.Load(path, enc, cfg.Model.Bipolar)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	if err := ds.Validate(cfg.CharLen(), cfg.Model.VocabSize, cfg.Model.NClasses); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logging.Data("Loaded %s: %d examples, per class %v", path, ds.Len(), ds.Classes(cfg.Model.NClasses))
	return ds, nil
}
