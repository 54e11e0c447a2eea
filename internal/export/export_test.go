package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotflip/internal/dataset"
)

func TestWriteByClass(t *testing.T) {
	enc, err := dataset.NewEncoder(2, 4, 128)
	require.NoError(t, err)

	texts := []string{"ab cd", "xyz", "q"}
	X := make([][]int, len(texts))
	for i, s := range texts {
		X[i] = enc.Encode(s)
	}
	y := []int{1, 0, 1}

	out := filepath.Join(t.TempDir(), "out", "adv")
	paths, err := WriteByClass(out, X, y, 3, enc)
	require.NoError(t, err)
	assert.Equal(t, []string{
		out + "-0.npy", out + "-0.txt",
		out + "-1.npy", out + "-1.txt",
		out + "-2.npy", out + "-2.txt",
	}, paths)

	a, err := dataset.ReadNPYFile(out + "-1.npy")
	require.NoError(t, err)
	assert.Equal(t, []int{2, enc.CharLen()}, a.Shape)
	assert.False(t, a.Int, "samples are stored as float64")
	assert.Equal(t, float64(X[2][1]), a.Data[enc.CharLen()+1])

	txt, err := os.ReadFile(out + "-1.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"ab cd", "q"}, strings.Split(strings.TrimSpace(string(txt)), "\n"))

	empty, err := dataset.ReadNPYFile(out + "-2.npy")
	require.NoError(t, err)
	assert.Equal(t, []int{0, enc.CharLen()}, empty.Shape)
}

func TestWriteByClass_NoText(t *testing.T) {
	out := filepath.Join(t.TempDir(), "adv")
	paths, err := WriteByClass(out, [][]int{{1, 2}}, []int{0}, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{out + "-0.npy", out + "-1.npy"}, paths)
}

func TestWriteByClass_BadLabels(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteByClass(filepath.Join(dir, "a"), [][]int{{1}}, []int{0, 1}, 2, nil)
	assert.ErrorIs(t, err, ErrLabels)

	_, err = WriteByClass(filepath.Join(dir, "a"), [][]int{{1}}, []int{2}, 2, nil)
	assert.ErrorIs(t, err, ErrLabels)
}
