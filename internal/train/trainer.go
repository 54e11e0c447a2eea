// Package train fits a classifier with minibatch Adam.
package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"hotflip/internal/dataset"
	"hotflip/internal/eval"
	"hotflip/internal/logging"
)

// ErrConfig is returned for unusable training settings.
var ErrConfig = errors.New("train: invalid config")

// Model is what the trainer needs from a classifier.
type Model interface {
	eval.Predictor
	Gradients(ctx context.Context, batch [][]int, labels []int) (float64, map[string]*mat.Dense, error)
	Update(name string, delta *mat.Dense) error
}

// Config holds the optimizer settings.
type Config struct {
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	BatchSize    int     `yaml:"batch_size"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"epsilon"`
	Seed         int64   `yaml:"seed"`
}

// DefaultConfig returns the usual Adam settings.
func DefaultConfig() Config {
	return Config{
		Epochs:       5,
		LearningRate: 1e-3,
		BatchSize:    64,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		Seed:         1,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	switch {
	case c.Epochs < 1:
		return fmt.Errorf("%w: epochs %d", ErrConfig, c.Epochs)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate %v", ErrConfig, c.LearningRate)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size %d", ErrConfig, c.BatchSize)
	case c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1:
		return fmt.Errorf("%w: betas %v %v", ErrConfig, c.Beta1, c.Beta2)
	case c.Epsilon <= 0:
		return fmt.Errorf("%w: epsilon %v", ErrConfig, c.Epsilon)
	}
	return nil
}

// EpochStats reports one epoch.
type EpochStats struct {
	Epoch     int
	TrainLoss float64
	Valid     eval.Summary
	Duration  time.Duration
}

// Trainer holds the Adam moment estimates between steps.
type Trainer struct {
	cfg  Config
	m    map[string]*mat.Dense
	v    map[string]*mat.Dense
	step int
}

// NewTrainer creates a trainer after validating cfg.
func NewTrainer(cfg Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Trainer{cfg: cfg, m: map[string]*mat.Dense{}, v: map[string]*mat.Dense{}}, nil
}

// Step applies one Adam update from grads.
func (t *Trainer) Step(model Model, grads map[string]*mat.Dense) error {
	t.step++
	b1, b2 := t.cfg.Beta1, t.cfg.Beta2
	corr1 := 1 - math.Pow(b1, float64(t.step))
	corr2 := 1 - math.Pow(b2, float64(t.step))

	for name, g := range grads {
		r, c := g.Dims()
		m, ok := t.m[name]
		if !ok {
			m = mat.NewDense(r, c, nil)
			t.m[name] = m
			t.v[name] = mat.NewDense(r, c, nil)
		}
		v := t.v[name]

		delta := mat.NewDense(r, c, nil)
		gd, md, vd, dd := g.RawMatrix().Data, m.RawMatrix().Data, v.RawMatrix().Data, delta.RawMatrix().Data
		for i, gi := range gd {
			md[i] = b1*md[i] + (1-b1)*gi
			vd[i] = b2*vd[i] + (1-b2)*gi*gi
			dd[i] = -t.cfg.LearningRate * (md[i] / corr1) / (math.Sqrt(vd[i]/corr2) + t.cfg.Epsilon)
		}
		if err := model.Update(name, delta); err != nil {
			return err
		}
	}
	return nil
}

// Fit trains for cfg.Epochs over train, evaluating on valid (if non-nil) after
// each epoch. onEpoch, when set, runs after every epoch; returning an error stops training.
func (t *Trainer) Fit(ctx context.Context, model Model, trainSet, valid *dataset.Dataset, onEpoch func(EpochStats) error) ([]EpochStats, error) {
	if trainSet == nil || trainSet.Len() == 0 {
		return nil, dataset.ErrEmpty
	}
	rng := rand.New(rand.NewSource(t.cfg.Seed))
	var history []EpochStats

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		start := time.Now()
		perm := rng.Perm(trainSet.Len())

		var total float64
		batches := 0
		for lo := 0; lo < len(perm); lo += t.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			hi := min(lo+t.cfg.BatchSize, len(perm))
			batch := trainSet.Subset(perm[lo:hi])
			loss, grads, err := model.Gradients(ctx, batch.X, batch.Y)
			if err != nil {
				return history, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			if err := t.Step(model, grads); err != nil {
				return history, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			total += loss
			batches++
			logging.TrainDebug("epoch %d batch %d loss %.4f", epoch, batches, loss)
		}

		stats := EpochStats{Epoch: epoch, TrainLoss: total / float64(batches)}
		if valid != nil && valid.Len() > 0 {
			s, err := eval.Evaluate(ctx, model, valid.X, valid.Y, t.cfg.BatchSize)
			if err != nil {
				return history, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			stats.Valid = s
		}
		stats.Duration = time.Since(start)
		history = append(history, stats)
		logging.Train("Epoch %d/%d: train loss %.4f, valid %s (%v)", epoch, t.cfg.Epochs, stats.TrainLoss, stats.Valid, stats.Duration)

		if onEpoch != nil {
			if err := onEpoch(stats); err != nil {
				return history, err
			}
		}
	}
	return history, nil
}
