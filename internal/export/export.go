// Package export writes adversarial samples to disk, one file pair per class.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"hotflip/internal/dataset"
	"hotflip/internal/logging"
)

// ErrLabels is returned when labels do not line up with the samples.
var ErrLabels = errors.New("export: invalid labels")

// Decoder turns an encoded sequence back into text.
type Decoder interface {
	Decode(seq []int) string
}

// WriteByClass splits X by label and writes {outfile}-{class}.npy (a float64
// [rows, L] array) for every class in [0, nClasses). When dec is non-nil a
// {outfile}-{class}.txt with one decoded sample per line is written next to
// it. Classes without samples still get an empty [0, L] array. The written
// paths are returned in class order.
func WriteByClass(outfile string, X [][]int, y []int, nClasses int, dec Decoder) ([]string, error) {
	if len(X) != len(y) {
		return nil, fmt.Errorf("%w: %d samples but %d labels", ErrLabels, len(X), len(y))
	}
	width := 0
	if len(X) > 0 {
		width = len(X[0])
	}

	byClass := make([][][]int, nClasses)
	for i, label := range y {
		if label < 0 || label >= nClasses {
			return nil, fmt.Errorf("%w: label %d of sample %d outside [0,%d)", ErrLabels, label, i, nClasses)
		}
		byClass[label] = append(byClass[label], X[i])
	}

	if err := os.MkdirAll(filepath.Dir(outfile), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var paths []string
	for c, rows := range byClass {
		base := fmt.Sprintf("%s-%d", outfile, c)

		arr := dataset.Matrix(rows, false)
		arr.Shape = []int{len(rows), width}
		path := base + ".npy"
		logging.Export("Saving %s (%d samples)", path, len(rows))
		if err := dataset.WriteNPYFile(path, arr); err != nil {
			return paths, err
		}
		paths = append(paths, path)

		if dec != nil {
			path := base + ".txt"
			if err := writeText(path, rows, dec); err != nil {
				return paths, err
			}
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func writeText(path string, rows [][]int, dec Decoder) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for _, seq := range rows {
		w.WriteString(dec.Decode(seq))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
