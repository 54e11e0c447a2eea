// Package charlstm implements the character-level CNN-highway-LSTM text
// classifier attacked by hotflip.
//
// An encoded sequence is embedded symbol by symbol, every word slot is run
// through a bank of 1-D convolutions with max-over-time pooling, the per-word
// features pass through highway layers and a stack of LSTMs, and the last
// hidden state feeds a dense output layer. Each example is computed on its own
// autodiff tape; examples of a batch run in parallel.
package charlstm

import (
	"errors"
	"fmt"
	"runtime"

	"hotflip/internal/dataset"
)

// ErrConfig is returned for inconsistent model geometry.
var ErrConfig = errors.New("charlstm: invalid config")

// Embedding kinds.
const (
	EmbeddingOneHot  = "onehot"
	EmbeddingLearned = "learned"
)

// Config is the model geometry. It is persisted with every checkpoint.
type Config struct {
	VocabSize    int     `yaml:"vocab_size" json:"vocab_size"`
	EmbeddingDim int     `yaml:"embedding_dim" json:"embedding_dim"`
	Embedding    string  `yaml:"embedding" json:"embedding"`
	FeatureMaps  []int   `yaml:"feature_maps" json:"feature_maps"`
	KernelSizes  []int   `yaml:"kernel_sizes" json:"kernel_sizes"`
	Highways     int     `yaml:"highways" json:"highways"`
	LSTMUnits    int     `yaml:"lstm_units" json:"lstm_units"`
	LSTMs        int     `yaml:"lstms" json:"lstms"`
	NClasses     int     `yaml:"n_classes" json:"n_classes"`
	SeqLen       int     `yaml:"seqlen" json:"seqlen"`
	WordLen      int     `yaml:"wordlen" json:"wordlen"`
	DropRate     float64 `yaml:"drop_rate" json:"drop_rate"`
	Bipolar      bool    `yaml:"bipolar" json:"bipolar"`
	Seed         int64   `yaml:"seed" json:"seed"`

	// Workers bounds per-example parallelism inside one call. 0 means NumCPU.
	Workers int `yaml:"workers,omitempty" json:"-"`
}

// DefaultConfig mirrors the reference CharLSTM hyperparameters.
func DefaultConfig() Config {
	return Config{
		VocabSize:    128,
		EmbeddingDim: 128,
		Embedding:    EmbeddingOneHot,
		FeatureMaps:  []int{25, 50, 75, 100, 125, 150},
		KernelSizes:  []int{1, 2, 3, 4, 5, 6},
		Highways:     1,
		LSTMUnits:    256,
		LSTMs:        2,
		NClasses:     2,
		SeqLen:       300,
		WordLen:      20,
		DropRate:     0.2,
		Seed:         1,
	}
}

// CharLen is the encoded sequence length.
func (c Config) CharLen() int { return dataset.CharLen(c.SeqLen, c.WordLen) }

// SlotWidth is the number of symbols per word slot.
func (c Config) SlotWidth() int { return c.WordLen + 3 }

// Features is the width of the concatenated convolution output.
func (c Config) Features() int {
	total := 0
	for _, f := range c.FeatureMaps {
		total += f
	}
	return total
}

// Outputs is the width of the dense layer: one logit for binary tasks.
func (c Config) Outputs() int {
	if c.NClasses > 2 {
		return c.NClasses
	}
	return 1
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// Validate checks the geometry. A one-hot embedding forces EmbeddingDim = VocabSize.
func (c Config) Validate() error {
	switch {
	case c.VocabSize < 1:
		return fmt.Errorf("%w: vocab_size %d", ErrConfig, c.VocabSize)
	case c.SeqLen < 1 || c.WordLen < 1:
		return fmt.Errorf("%w: seqlen %d wordlen %d", ErrConfig, c.SeqLen, c.WordLen)
	case c.NClasses < 2:
		return fmt.Errorf("%w: n_classes must be >= 2, got %d", ErrConfig, c.NClasses)
	case c.Bipolar && c.NClasses != 2:
		return fmt.Errorf("%w: bipolar labels need n_classes = 2", ErrConfig)
	case c.LSTMs < 1 || c.LSTMUnits < 1:
		return fmt.Errorf("%w: lstms %d lstm_units %d", ErrConfig, c.LSTMs, c.LSTMUnits)
	case c.Highways < 0:
		return fmt.Errorf("%w: highways %d", ErrConfig, c.Highways)
	case c.DropRate < 0 || c.DropRate >= 1:
		return fmt.Errorf("%w: drop_rate %v outside [0,1)", ErrConfig, c.DropRate)
	case len(c.FeatureMaps) == 0 || len(c.FeatureMaps) != len(c.KernelSizes):
		return fmt.Errorf("%w: %d feature maps for %d kernel sizes", ErrConfig, len(c.FeatureMaps), len(c.KernelSizes))
	}
	switch c.Embedding {
	case EmbeddingOneHot:
		if c.EmbeddingDim != c.VocabSize {
			return fmt.Errorf("%w: one-hot embedding needs embedding_dim = vocab_size (%d != %d)", ErrConfig, c.EmbeddingDim, c.VocabSize)
		}
	case EmbeddingLearned:
		if c.EmbeddingDim < 1 {
			return fmt.Errorf("%w: embedding_dim %d", ErrConfig, c.EmbeddingDim)
		}
	default:
		return fmt.Errorf("%w: unknown embedding %q", ErrConfig, c.Embedding)
	}
	seenKernel := make(map[int]bool)
	for i, k := range c.KernelSizes {
		if k < 1 || k > c.SlotWidth() {
			return fmt.Errorf("%w: kernel size %d outside [1,%d]", ErrConfig, k, c.SlotWidth())
		}
		if seenKernel[k] {
			return fmt.Errorf("%w: duplicate kernel size %d", ErrConfig, k)
		}
		seenKernel[k] = true
		if c.FeatureMaps[i] < 1 {
			return fmt.Errorf("%w: feature maps %d for kernel %d", ErrConfig, c.FeatureMaps[i], k)
		}
	}
	return nil
}

// ParamShapes lists every parameter tensor and its shape.
func (c Config) ParamShapes() map[string][2]int {
	shapes := map[string][2]int{
		"embedding": {c.VocabSize, c.EmbeddingDim},
	}
	for i, k := range c.KernelSizes {
		shapes[convName(k, "w")] = [2]int{k * c.EmbeddingDim, c.FeatureMaps[i]}
		shapes[convName(k, "b")] = [2]int{1, c.FeatureMaps[i]}
	}
	f := c.Features()
	for i := 0; i < c.Highways; i++ {
		shapes[highwayName(i, "wh")] = [2]int{f, f}
		shapes[highwayName(i, "bh")] = [2]int{1, f}
		shapes[highwayName(i, "wt")] = [2]int{f, f}
		shapes[highwayName(i, "bt")] = [2]int{1, f}
	}
	in := f
	h := c.LSTMUnits
	for l := 0; l < c.LSTMs; l++ {
		shapes[lstmName(l, "wx")] = [2]int{in, 4 * h}
		shapes[lstmName(l, "wh")] = [2]int{h, 4 * h}
		shapes[lstmName(l, "b")] = [2]int{1, 4 * h}
		in = h
	}
	shapes["output/w"] = [2]int{h, c.Outputs()}
	shapes["output/b"] = [2]int{1, c.Outputs()}
	return shapes
}

func convName(k int, part string) string    { return fmt.Sprintf("conv/k%d/%s", k, part) }
func highwayName(i int, part string) string { return fmt.Sprintf("highway/%d/%s", i, part) }
func lstmName(l int, part string) string    { return fmt.Sprintf("lstm/%d/%s", l, part) }
