package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/sbinet/npyio"
	"github.com/sbinet/npyio/npy"
	"github.com/sbinet/npyio/npz"

	"hotflip/internal/logging"
)

// ErrNPYFormat is returned for .npy files this package cannot read.
var ErrNPYFormat = errors.New("dataset: unsupported npy file")

// maxNPYElems bounds the element count a header may declare.
const maxNPYElems = 1 << 28

// Array is a dense row-major numeric array read from or written to an .npy file.
// Data always holds float64 values; Int reports whether the on-disk dtype is integral.
type Array struct {
	Shape []int
	Data  []float64
	Int   bool
}

// checkShape returns the element count of shape, rejecting negative dims
// and counts that overflow or exceed maxNPYElems.
func checkShape(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: scalar arrays are not supported", ErrNPYFormat)
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in shape %v", ErrNPYFormat, shape)
		}
		if d > 0 && n > maxNPYElems/d {
			return 0, fmt.Errorf("%w: shape %v is too large", ErrNPYFormat, shape)
		}
		n *= d
	}
	return n, nil
}

// value lays a out as a nested fixed-size Go array so npyio records the
// full shape. Integral arrays become int64 ('<i8'), the rest float64 ('<f8').
func (a Array) value() (any, error) {
	n, err := checkShape(a.Shape)
	if err != nil {
		return nil, err
	}
	if n != len(a.Data) {
		return nil, fmt.Errorf("npy: shape %v holds %d values, got %d", a.Shape, n, len(a.Data))
	}
	typ := reflect.TypeOf(float64(0))
	if a.Int {
		typ = reflect.TypeOf(int64(0))
	}
	for i := len(a.Shape) - 1; i >= 0; i-- {
		typ = reflect.ArrayOf(a.Shape[i], typ)
	}
	v := reflect.New(typ).Elem()
	fill(v, a.Data, a.Int)
	return v.Interface(), nil
}

func fill(v reflect.Value, data []float64, isInt bool) []float64 {
	if v.Kind() == reflect.Array {
		for i := 0; i < v.Len(); i++ {
			data = fill(v.Index(i), data, isInt)
		}
		return data
	}
	if isInt {
		v.SetInt(int64(data[0]))
	} else {
		v.SetFloat(data[0])
	}
	return data[1:]
}

// WriteNPY writes a as an .npy file.
func WriteNPY(w io.Writer, a Array) error {
	v, err := a.value()
	if err != nil {
		return err
	}
	if len(a.Data) == 0 && len(a.Shape) > 1 {
		return writeEmptyNPY(w, a)
	}
	return npyio.Write(w, v)
}

// writeEmptyNPY writes the header of a zero-element array. npyio derives the
// shape from the value and records any empty array as (0,), which loses the
// trailing dims that np.save keeps for e.g. a (0, L) class split.
func writeEmptyNPY(w io.Writer, a Array) error {
	descr := "<f8"
	if a.Int {
		descr = "<i8"
	}
	dims := make([]string, len(a.Shape))
	for i, d := range a.Shape {
		dims[i] = strconv.Itoa(d)
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, strings.Join(dims, ", "))
	// magic(6) + version(2) + length(2) + header + newline, padded to 64 bytes.
	if pad := (len(npy.Magic) + 4 + len(header) + 1) % 64; pad != 0 {
		header += strings.Repeat(" ", 64-pad)
	}
	header += "\n"

	var prefix [10]byte
	copy(prefix[:], npy.Magic[:])
	prefix[6] = 1
	binary.LittleEndian.PutUint16(prefix[8:], uint16(len(header)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, header)
	return err
}

// ReadNPY reads a C-ordered .npy file of dtype <f8, <f4, <i8 or <i4.
func ReadNPY(r io.Reader) (a Array, err error) {
	// npyio slices the header dictionary without bounds checks.
	defer func() {
		if p := recover(); p != nil {
			a, err = Array{}, fmt.Errorf("%w: malformed header: %v", ErrNPYFormat, p)
		}
	}()

	rr, err := npyio.NewReader(r)
	if err != nil {
		return Array{}, fmt.Errorf("%w: %v", ErrNPYFormat, err)
	}
	hdr := rr.Header
	if hdr.Descr.Fortran {
		return Array{}, fmt.Errorf("%w: fortran order", ErrNPYFormat)
	}
	n, err := checkShape(hdr.Descr.Shape)
	if err != nil {
		return Array{}, err
	}

	a = Array{Shape: append([]int(nil), hdr.Descr.Shape...), Data: make([]float64, n)}
	switch hdr.Descr.Type {
	case "<f8":
		err = readAs[float64](rr, a.Data)
	case "<f4":
		err = readAs[float32](rr, a.Data)
	case "<i8":
		a.Int = true
		err = readAs[int64](rr, a.Data)
	case "<i4":
		a.Int = true
		err = readAs[int32](rr, a.Data)
	default:
		return Array{}, fmt.Errorf("%w: dtype %s", ErrNPYFormat, hdr.Descr.Type)
	}
	if err != nil {
		return Array{}, fmt.Errorf("%w: truncated data: %v", ErrNPYFormat, err)
	}
	return a, nil
}

func readAs[T int32 | int64 | float32 | float64](rr *npyio.Reader, dst []float64) error {
	if len(dst) == 0 {
		return nil
	}
	buf := make([]T, len(dst))
	if err := rr.Read(&buf); err != nil {
		return err
	}
	for i, v := range buf {
		dst[i] = float64(v)
	}
	return nil
}

// WriteNPYFile writes a to path, creating parent directories.
func WriteNPYFile(path string, a Array) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteNPY(f, a); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// ReadNPYFile reads the array stored at path.
func ReadNPYFile(path string) (Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return Array{}, err
	}
	defer f.Close()
	a, err := ReadNPY(f)
	if err != nil {
		return Array{}, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// Matrix converts rows of symbols to a 2-D array.
func Matrix(rows [][]int, asInt bool) Array {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	data := make([]float64, 0, len(rows)*cols)
	for _, r := range rows {
		for _, v := range r {
			data = append(data, float64(v))
		}
	}
	return Array{Shape: []int{len(rows), cols}, Data: data, Int: asInt}
}

// Vector converts labels to a 1-D integral array.
func Vector(v []int) Array {
	data := make([]float64, len(v))
	for i, x := range v {
		data[i] = float64(x)
	}
	return Array{Shape: []int{len(v)}, Data: data, Int: true}
}

// SaveNPY writes X_<split>.npy and y_<split>.npy into dir. Labels are written
// in their on-disk convention (-1/+1 when bipolar).
func (d *Dataset) SaveNPY(dir, split string, bipolar bool) error {
	if err := WriteNPYFile(filepath.Join(dir, "X_"+split+".npy"), Matrix(d.X, true)); err != nil {
		return err
	}
	return WriteNPYFile(filepath.Join(dir, "y_"+split+".npy"), Vector(d.RawLabels(bipolar)))
}

// RawLabels maps class indices back to the file convention.
func (d *Dataset) RawLabels(bipolar bool) []int {
	out := make([]int, len(d.Y))
	for i, y := range d.Y {
		if bipolar {
			out[i] = 2*y - 1
		} else {
			out[i] = y
		}
	}
	return out
}

// LoadNPY reads X from path and labels from the sibling file whose name
// starts with "y_" instead of "X_".
func LoadNPY(path string, bipolar bool) (*Dataset, error) {
	dir, base := filepath.Split(path)
	if !strings.HasPrefix(base, "X_") {
		return nil, fmt.Errorf("%w: %s does not start with X_", ErrNPYFormat, base)
	}
	labelPath := filepath.Join(dir, "y_"+strings.TrimPrefix(base, "X_"))

	xa, err := ReadNPYFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sequences: %w", err)
	}
	ya, err := ReadNPYFile(labelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	ds, err := fromArrays(xa, ya, bipolar)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logging.Data("Loaded %d encoded examples from %s", ds.Len(), path)
	return ds, nil
}

// SaveNPZ writes every split into one archive laid out like np.savez:
// entries X_<split>.npy and y_<split>.npy.
func SaveNPZ(path string, splits map[string]*Dataset, bipolar bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	w, err := npz.Create(path)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(splits))
	for name := range splits {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := splits[name]
		for entry, a := range map[string]Array{
			"X_" + name + ".npy": Matrix(d.X, true),
			"y_" + name + ".npy": Vector(d.RawLabels(bipolar)),
		} {
			v, err := a.value()
			if err != nil {
				w.Close()
				return fmt.Errorf("%s: %w", entry, err)
			}
			if err := w.Write(entry, v); err != nil {
				w.Close()
				return err
			}
		}
	}
	return w.Close()
}

// LoadNPZ reads one split from an np.savez archive. With an empty split the
// archive must hold exactly one X_ entry.
func LoadNPZ(path, split string, bipolar bool) (*Dataset, error) {
	rz, err := npz.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNPYFormat, err)
	}
	defer rz.Close()

	if split == "" {
		var found []string
		for _, key := range rz.Keys() {
			if strings.HasPrefix(key, "X_") && strings.HasSuffix(key, ".npy") {
				found = append(found, strings.TrimSuffix(strings.TrimPrefix(key, "X_"), ".npy"))
			}
		}
		if len(found) != 1 {
			return nil, fmt.Errorf("%w: %s holds splits %v, name one as %s#<split>", ErrNPYFormat, path, found, path)
		}
		split = found[0]
	}

	xa, err := readEntry(rz, "X_"+split+".npy")
	if err != nil {
		return nil, fmt.Errorf("failed to read sequences: %w", err)
	}
	ya, err := readEntry(rz, "y_"+split+".npy")
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	ds, err := fromArrays(xa, ya, bipolar)
	if err != nil {
		return nil, fmt.Errorf("%s#%s: %w", path, split, err)
	}
	logging.Data("Loaded %d encoded examples from %s#%s", ds.Len(), path, split)
	return ds, nil
}

func readEntry(rz *npz.Reader, name string) (Array, error) {
	rc, err := rz.Open(name)
	if err != nil {
		return Array{}, fmt.Errorf("%w: %v", ErrNPYFormat, err)
	}
	defer rc.Close()
	a, err := ReadNPY(rc)
	if err != nil {
		return Array{}, fmt.Errorf("%s: %w", name, err)
	}
	return a, nil
}

// fromArrays builds a dataset from a 2-D symbol matrix and its labels.
func fromArrays(xa, ya Array, bipolar bool) (*Dataset, error) {
	if len(xa.Data) == 0 {
		return nil, ErrEmpty
	}
	if len(xa.Shape) != 2 {
		return nil, fmt.Errorf("%w: sequences must be 2-D, got shape %v", ErrNPYFormat, xa.Shape)
	}
	rows, cols := xa.Shape[0], xa.Shape[1]
	if len(ya.Data) != rows {
		return nil, fmt.Errorf("%w: %d sequences but %d labels", ErrNPYFormat, rows, len(ya.Data))
	}

	ds := &Dataset{X: make([][]int, rows), Y: make([]int, rows)}
	for i := 0; i < rows; i++ {
		row := make([]int, cols)
		for j := range row {
			v := xa.Data[i*cols+j]
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("%w: row %d holds non-integral symbol %v", ErrNPYFormat, i, v)
			}
			row[j] = int(v)
		}
		ds.X[i] = row
		label, err := normalizeLabel(int(ya.Data[i]), bipolar)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		ds.Y[i] = label
	}
	return ds, nil
}
