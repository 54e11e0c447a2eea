package dataset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEncoder(t *testing.T) *Encoder {
	t.Helper()
	enc, err := NewEncoder(3, 4, 128)
	require.NoError(t, err)
	return enc
}

func TestEncoder_Layout(t *testing.T) {
	enc := newTestEncoder(t)
	assert.Equal(t, 3*(4+2+1)+1, enc.CharLen())

	got := enc.Encode("hi there")
	want := []int{
		BOW, 'h', 'i', EOW, PAD, PAD, Space,
		BOW, 't', 'h', 'e', 'r', EOW, Space,
		PAD, PAD, PAD, PAD, PAD, PAD, PAD,
		EOS,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "hi ther", enc.Decode(got))
}

func TestEncoder_TruncatesWordsAndMapsUnknown(t *testing.T) {
	enc := newTestEncoder(t)

	seq := enc.Encode("a b c d e é")
	assert.Len(t, seq, enc.CharLen())
	assert.Equal(t, "a b c", enc.Decode(seq))

	seq = enc.Encode("x\x02é")
	assert.Equal(t, []int{BOW, 'x', Unknown, Unknown, EOW, PAD, Space}, seq[:7])
	require.NoError(t, enc.Check(seq))
}

func TestEncoder_Check(t *testing.T) {
	enc := newTestEncoder(t)
	assert.Error(t, enc.Check([]int{1, 2}))

	seq := enc.Encode("ok")
	seq[1] = 500
	assert.Error(t, enc.Check(seq))
}

func TestEncoder_DecodeRoundTripLength(t *testing.T) {
	enc := newTestEncoder(t)
	for _, text := range []string{"", "one", "one two three four", "abcdefgh ij"} {
		seq := enc.Encode(text)
		again := enc.Encode(enc.Decode(seq))
		assert.Len(t, again, enc.CharLen(), text)
		assert.Equal(t, seq, again, text)
	}
}

func TestNewEncoder_Invalid(t *testing.T) {
	_, err := NewEncoder(0, 4, 128)
	assert.Error(t, err)
	_, err = NewEncoder(3, 4, 16)
	assert.Error(t, err)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadText(t *testing.T) {
	enc := newTestEncoder(t)
	dir := t.TempDir()

	path := writeFile(t, dir, "test.txt", "1 good movie\n\n0 bad\n2 meh meh\n")
	ds, err := LoadText(path, enc, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 2}, ds.Y)
	assert.Equal(t, 3, ds.Len())
	require.NoError(t, ds.Validate(enc.CharLen(), 128, 3))
	assert.ErrorIs(t, ds.Validate(enc.CharLen(), 128, 2), ErrBadLabel)
	assert.Equal(t, []int{1, 1, 1}, ds.Classes(3))
}

func TestLoadText_Bipolar(t *testing.T) {
	enc := newTestEncoder(t)
	dir := t.TempDir()

	ds, err := LoadText(writeFile(t, dir, "b.txt", "-1 no\n1 yes\n"), enc, true)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, ds.Y)
	assert.Equal(t, []int{-1, 1}, ds.RawLabels(true))

	_, err = LoadText(writeFile(t, dir, "bad.txt", "0 zero\n"), enc, true)
	assert.True(t, errors.Is(err, ErrBadLabel))

	_, err = LoadText(writeFile(t, dir, "empty.txt", "\n\n"), enc, false)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestSample(t *testing.T) {
	ds := &Dataset{}
	for i := 0; i < 10; i++ {
		ds.X = append(ds.X, []int{i})
		ds.Y = append(ds.Y, i%2)
	}

	a := ds.Sample(4, 42)
	b := ds.Sample(4, 42)
	assert.Equal(t, a.X, b.X)
	assert.Equal(t, 4, a.Len())
	for i := range a.X {
		assert.Equal(t, a.X[i][0]%2, a.Y[i])
	}

	assert.Same(t, ds, ds.Sample(0, 1))
	assert.Equal(t, 10, ds.Sample(50, 1).Len())
}

func TestFingerprint(t *testing.T) {
	a := &Dataset{X: [][]int{{10, 11}, {12, 13}}, Y: []int{0, 1}}
	same := &Dataset{X: [][]int{{10, 11}, {12, 13}}, Y: []int{0, 1}}
	assert.Equal(t, a.Fingerprint(), same.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)

	for name, other := range map[string]*Dataset{
		"symbols":   {X: [][]int{{20, 21}, {22, 23}}, Y: []int{0, 1}},
		"labels":    {X: [][]int{{10, 11}, {12, 13}}, Y: []int{1, 1}},
		"order":     {X: [][]int{{12, 13}, {10, 11}}, Y: []int{1, 0}},
		"row split": {X: [][]int{{10}, {11, 12, 13}}, Y: []int{0, 1}},
	} {
		assert.NotEqual(t, a.Fingerprint(), other.Fingerprint(), name)
	}
}

func TestNPY_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Array{Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}}
	require.NoError(t, WriteNPY(&buf, in))
	assert.Contains(t, buf.String(), "'shape': (2, 3)")

	out, err := ReadNPY(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	buf.Reset()
	require.NoError(t, WriteNPY(&buf, Vector([]int{-1, 1, 1})))
	assert.Contains(t, buf.String(), "'shape': (3,)")
	out, err = ReadNPY(&buf)
	require.NoError(t, err)
	assert.True(t, out.Int)
	assert.Equal(t, []float64{-1, 1, 1}, out.Data)

	buf.Reset()
	require.NoError(t, WriteNPY(&buf, Array{Shape: []int{0, 7}, Data: []float64{}}))
	out, err = ReadNPY(&buf)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 7}, out.Shape, "empty rows keep their width")
	assert.Empty(t, out.Data)
}

func TestNPY_Rejects(t *testing.T) {
	_, err := ReadNPY(bytes.NewReader([]byte("not numpy")))
	assert.ErrorIs(t, err, ErrNPYFormat)

	assert.Error(t, WriteNPY(&bytes.Buffer{}, Array{Shape: []int{2, 2}, Data: []float64{1}}))
}

// rawNPY frames header as a version 1.0 .npy file followed by payload.
func rawNPY(header string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	buf.Write(payload)
	return buf.Bytes()
}

func TestNPY_MalformedHeaders(t *testing.T) {
	payload := make([]byte, 8*4)
	tests := []struct {
		name   string
		header string
	}{
		{"negative dim", "{'descr': '<f8', 'fortran_order': False, 'shape': (-1, 4), }\n"},
		{"overflowing dims", "{'descr': '<f8', 'fortran_order': False, 'shape': (4611686018427387904, 4), }\n"},
		{"missing newline", "{'descr': '<f8', 'fortran_order': False, 'shape': (4,), }"},
		{"missing shape", "{'descr': '<f8', 'fortran_order': False, }\n"},
		{"fortran order", "{'descr': '<f8', 'fortran_order': True, 'shape': (2, 2), }\n"},
		{"unsupported dtype", "{'descr': '<c16', 'fortran_order': False, 'shape': (2,), }\n"},
		{"truncated data", "{'descr': '<f8', 'fortran_order': False, 'shape': (8,), }\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() {
				_, err = ReadNPY(bytes.NewReader(rawNPY(tt.header, payload)))
			})
			assert.ErrorIs(t, err, ErrNPYFormat)
		})
	}
}

func TestNPY_ReadsNarrowDtypes(t *testing.T) {
	payload := make([]byte, 0, 12)
	for _, v := range []int32{7, -2, 40} {
		payload = binary.LittleEndian.AppendUint32(payload, uint32(v))
	}
	a, err := ReadNPY(bytes.NewReader(rawNPY("{'descr': '<i4', 'fortran_order': False, 'shape': (3,), }\n", payload)))
	require.NoError(t, err)
	assert.True(t, a.Int)
	assert.Equal(t, []int{3}, a.Shape)
	assert.Equal(t, []float64{7, -2, 40}, a.Data)
}

func TestSaveAndLoadNPY(t *testing.T) {
	enc := newTestEncoder(t)
	dir := t.TempDir()

	ds, err := LoadText(writeFile(t, dir, "train.txt", "1 up\n-1 down\n"), enc, true)
	require.NoError(t, err)
	require.NoError(t, ds.SaveNPY(dir, "train", true))

	loaded, err := Load(filepath.Join(dir, "X_train.npy"), enc, true)
	require.NoError(t, err)
	if diff := cmp.Diff(ds, loaded); diff != "" {
		t.Fatalf("npy round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveAndLoadNPZ(t *testing.T) {
	enc := newTestEncoder(t)
	dir := t.TempDir()

	train, err := LoadText(writeFile(t, dir, "train.txt", "1 up\n-1 down\n1 left\n"), enc, true)
	require.NoError(t, err)
	test, err := LoadText(writeFile(t, dir, "test.txt", "-1 right\n"), enc, true)
	require.NoError(t, err)

	archive := filepath.Join(dir, "data.npz")
	require.NoError(t, SaveNPZ(archive, map[string]*Dataset{"train": train, "test": test}, true))

	loaded, err := Load(archive+"#test", enc, true)
	require.NoError(t, err)
	if diff := cmp.Diff(test, loaded); diff != "" {
		t.Fatalf("npz test split mismatch (-want +got):\n%s", diff)
	}
	loaded, err = Load(archive+"#train", enc, true)
	require.NoError(t, err)
	assert.Equal(t, train.X, loaded.X)

	_, err = Load(archive, enc, true)
	assert.ErrorIs(t, err, ErrNPYFormat, "two splits need an explicit name")

	_, err = Load(archive+"#valid", enc, true)
	assert.ErrorIs(t, err, ErrNPYFormat)

	single := filepath.Join(dir, "only.npz")
	require.NoError(t, SaveNPZ(single, map[string]*Dataset{"valid": test}, true))
	loaded, err = Load(single, enc, true)
	require.NoError(t, err)
	assert.Equal(t, test.Y, loaded.Y)
}
