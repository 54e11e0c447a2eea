package dataset

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"hotflip/internal/logging"
)

var (
	// ErrEmpty is returned when a split holds no examples.
	ErrEmpty = errors.New("dataset: no examples")
	// ErrBadLabel is returned for labels outside the configured convention.
	ErrBadLabel = errors.New("dataset: invalid label")
)

// Dataset is an encoded split: X is [n][charlen], Y holds class indices in [0, nClasses).
type Dataset struct {
	X [][]int
	Y []int
}

// Len returns the number of examples.
func (d *Dataset) Len() int { return len(d.X) }

// Fingerprint is a hex SHA-256 of the examples and labels in order. Two
// datasets share a fingerprint only if they hold the same rows.
func (d *Dataset) Fingerprint() string {
	h := sha256.New()
	var buf [binary.MaxVarintLen64]byte
	put := func(v int) {
		h.Write(buf[:binary.PutVarint(buf[:], int64(v))])
	}
	put(len(d.X))
	for _, row := range d.X {
		put(len(row))
		for _, s := range row {
			put(s)
		}
	}
	put(len(d.Y))
	for _, y := range d.Y {
		put(y)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Load reads a split from a text file ("label text" per line), from an
// encoded X_<split>.npy file whose labels live next to it in y_<split>.npy,
// or from an np.savez archive addressed as "archive.npz#<split>".
func Load(path string, enc *Encoder, bipolar bool) (*Dataset, error) {
	if archive, split, _ := strings.Cut(path, "#"); strings.EqualFold(filepath.Ext(archive), ".npz") {
		return LoadNPZ(archive, split, bipolar)
	}
	if strings.EqualFold(filepath.Ext(path), ".npy") {
		return LoadNPY(path, bipolar)
	}
	return LoadText(path, enc, bipolar)
}

// LoadText reads "label text" lines and encodes every text with enc.
// With bipolar labels each label must be -1 or +1 and is mapped to (y+1)/2.
func LoadText(path string, enc *Encoder, bipolar bool) (*Dataset, error) {
	timer := logging.StartTimer(logging.CategoryData, "LoadText "+filepath.Base(path))
	defer timer.Stop()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	ds := &Dataset{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.SplitN(text, " ", 2)
		raw, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w: %q", path, line, ErrBadLabel, fields[0])
		}
		label, err := normalizeLabel(raw, bipolar)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		body := ""
		if len(fields) == 2 {
			body = fields[1]
		}
		ds.X = append(ds.X, enc.Encode(body))
		ds.Y = append(ds.Y, label)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmpty)
	}

	logging.Data("Loaded %d examples from %s (charlen=%d)", ds.Len(), path, enc.CharLen())
	return ds, nil
}

func normalizeLabel(y int, bipolar bool) (int, error) {
	if !bipolar {
		if y < 0 {
			return 0, fmt.Errorf("%w: %d", ErrBadLabel, y)
		}
		return y, nil
	}
	if y != -1 && y != 1 {
		return 0, fmt.Errorf("%w: bipolar label %d", ErrBadLabel, y)
	}
	return (y + 1) / 2, nil
}

// Validate checks shapes and ranges against the model geometry.
func (d *Dataset) Validate(charLen, vocabSize, nClasses int) error {
	if d.Len() == 0 {
		return ErrEmpty
	}
	if len(d.Y) != len(d.X) {
		return fmt.Errorf("dataset: %d sequences but %d labels", len(d.X), len(d.Y))
	}
	for i, seq := range d.X {
		if len(seq) != charLen {
			return fmt.Errorf("dataset: example %d has length %d, want %d", i, len(seq), charLen)
		}
		for p, s := range seq {
			if s < 0 || s >= vocabSize {
				return fmt.Errorf("dataset: example %d position %d symbol %d outside [0,%d)", i, p, s, vocabSize)
			}
		}
	}
	for i, y := range d.Y {
		if y < 0 || y >= nClasses {
			return fmt.Errorf("%w: example %d label %d outside [0,%d)", ErrBadLabel, i, y, nClasses)
		}
	}
	return nil
}

// Subset returns the examples at idx. Rows are shared, not copied.
func (d *Dataset) Subset(idx []int) *Dataset {
	out := &Dataset{X: make([][]int, len(idx)), Y: make([]int, len(idx))}
	for i, j := range idx {
		out.X[i] = d.X[j]
		out.Y[i] = d.Y[j]
	}
	return out
}

// Sample draws n examples without replacement using a seeded permutation.
// n <= 0 returns d unchanged; n larger than the split returns a permutation of all of it.
func (d *Dataset) Sample(n int, seed int64) *Dataset {
	if n <= 0 {
		return d
	}
	perm := rand.New(rand.NewSource(seed)).Perm(d.Len())
	if n < len(perm) {
		perm = perm[:n]
	}
	return d.Subset(perm)
}

// Classes counts examples per label.
func (d *Dataset) Classes(nClasses int) []int {
	counts := make([]int, nClasses)
	for _, y := range d.Y {
		if y >= 0 && y < nClasses {
			counts[y]++
		}
	}
	return counts
}
