// Package batching partitions a dataset into fixed-size batches.
//
// Every batch has exactly Size rows so the classifier always sees the same
// batch dimension. The last batch is shifted back to end at the dataset
// boundary and overlaps the previous one; rows before Keep were already
// produced by an earlier batch and are discarded. A dataset smaller than one
// batch is padded by repeating its last example.
package batching

import "fmt"

// Window describes one fixed-size batch.
type Window struct {
	Index int // batch number
	Start int // first dataset row in the batch (inclusive)
	End   int // last dataset row in the batch (exclusive)
	Keep  int // first dataset row whose output is new
	Pad   int // trailing rows that repeat End-1
}

// Size is the number of rows fed to the classifier.
func (w Window) Size() int { return w.End - w.Start + w.Pad }

// Offset is the index within the batch of the first kept row.
func (w Window) Offset() int { return w.Keep - w.Start }

// Rows lists the dataset row for every batch slot, padding included.
func (w Window) Rows() []int {
	rows := make([]int, 0, w.Size())
	for i := w.Start; i < w.End; i++ {
		rows = append(rows, i)
	}
	for i := 0; i < w.Pad; i++ {
		rows = append(rows, w.End-1)
	}
	return rows
}

// Plan partitions n rows into ceil(n/size) windows.
func Plan(n, size int) ([]Window, error) {
	if size < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	if n < 1 {
		return nil, nil
	}
	if n < size {
		return []Window{{Index: 0, Start: 0, End: n, Keep: 0, Pad: size - n}}, nil
	}

	count := (n + size - 1) / size
	windows := make([]Window, count)
	for b := 0; b < count; b++ {
		end := min((b+1)*size, n)
		windows[b] = Window{
			Index: b,
			Start: end - size,
			End:   end,
			Keep:  b * size,
		}
	}
	return windows, nil
}

// Gather returns the batch rows of src for w, padding included. Rows are shared.
func Gather[T any](src []T, w Window) []T {
	out := make([]T, 0, w.Size())
	for _, r := range w.Rows() {
		out = append(out, src[r])
	}
	return out
}
