package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotflip/internal/charlstm"
	"hotflip/internal/dataset"
	"hotflip/internal/hotflip"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "hotflip.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func tinyConfig() charlstm.Config {
	return charlstm.Config{
		VocabSize:    40,
		EmbeddingDim: 6,
		Embedding:    charlstm.EmbeddingLearned,
		FeatureMaps:  []int{2},
		KernelSizes:  []int{2},
		Highways:     1,
		LSTMUnits:    3,
		LSTMs:        1,
		NClasses:     3,
		SeqLen:       2,
		WordLen:      3,
		Seed:         4,
		Workers:      1,
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	for _, table := range []string{"checkpoints", "tensors", "runs", "run_batches"} {
		if n, ok := stats[table]; !ok || n != 0 {
			t.Errorf("table %s: got %d (present=%v), want empty", table, n, ok)
		}
	}
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	m, err := charlstm.New(tinyConfig())
	require.NoError(t, err)
	require.NoError(t, s.SaveModel(ctx, "tiny", m))

	cfg, params, err := s.LoadCheckpoint(ctx, "tiny")
	require.NoError(t, err)
	want := m.Config()
	want.Workers = 0 // not persisted
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, params, len(m.Params()))
	for name, want := range m.Params() {
		got, ok := params[name]
		require.True(t, ok, name)
		assert.Equal(t, want.RawMatrix().Data, got.RawMatrix().Data, name)
	}

	loaded, err := s.LoadModel(ctx, "tiny")
	require.NoError(t, err)
	batch := [][]int{make([]int, cfg.CharLen())}
	p1, err := m.Predict(ctx, batch, false)
	require.NoError(t, err)
	p2, err := loaded.Predict(ctx, batch, false)
	require.NoError(t, err)
	assert.Equal(t, p1.RawMatrix().Data, p2.RawMatrix().Data)
}

func TestCheckpoint_ReplaceAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	cfg := tinyConfig()
	a, err := charlstm.New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.SaveModel(ctx, "m", a))

	cfg.Seed = 99
	b, err := charlstm.New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.SaveModel(ctx, "m", b))

	infos, err := s.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "m", infos[0].Name)
	assert.Equal(t, int64(99), infos[0].Config.Seed)
	assert.Equal(t, len(b.Params()), infos[0].Tensors)

	require.NoError(t, s.DeleteCheckpoint(ctx, "m"))
	_, _, err = s.LoadCheckpoint(ctx, "m")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	assert.ErrorIs(t, s.DeleteCheckpoint(ctx, "m"), ErrCheckpointNotFound)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats["tensors"])
}

func TestLoadCheckpoint_Missing(t *testing.T) {
	s := openTemp(t)
	_, err := s.LoadModel(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestRun_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	opts := hotflip.DefaultOptions(5, 40)
	opts.BeamWidth = 2
	opts.Protected = []int{0, 2}
	run, err := s.CreateRun(ctx, "tiny", opts, 3, "abc123")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, got.Status)
	assert.Equal(t, 3, got.Examples)
	assert.Equal(t, "abc123", got.Fingerprint)
	if diff := cmp.Diff(opts, got.Options); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, s.FinishRun(ctx, run.ID, RunFinished, map[string]float64{"accuracy": 0.5}))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFinished, got.Status)
	var summary map[string]float64
	require.NoError(t, json.Unmarshal(got.Summary, &summary))
	assert.Equal(t, 0.5, summary["accuracy"])

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.FinishRun(ctx, "missing", RunFailed, nil), ErrRunNotFound)
}

func TestRunSink_StoresAndReassembles(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	opts := hotflip.DefaultOptions(2, 10)
	opts.BeamWidth = 2
	run, err := s.CreateRun(ctx, "tiny", opts, 3, "")
	require.NoError(t, err)
	sink := s.Sink(run.ID)

	done, err := sink.Completed(ctx)
	require.NoError(t, err)
	assert.Empty(t, done)

	require.NoError(t, sink.WriteBatch(ctx, hotflip.BatchResult{
		Index:  0,
		Start:  0,
		Seqs:   [][][]int{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}},
		Scores: [][]float64{{0.9, 0.8}, {0.5, 0.4}},
	}))

	_, err = s.LoadRunResult(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunIncomplete)

	require.NoError(t, sink.WriteBatch(ctx, hotflip.BatchResult{
		Index:  1,
		Start:  2,
		Seqs:   [][][]int{{{9, 9}}, {{0, 1}}},
		Scores: [][]float64{{1.5}, {-0.25}},
	}))

	done, err = sink.Completed(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: true, 1: true}, done)

	res, err := s.LoadRunResult(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 3, 2}, res.Shape())
	want := [][][]int{
		{{1, 2}, {3, 4}, {9, 9}},
		{{5, 6}, {7, 8}, {0, 1}},
	}
	if diff := cmp.Diff(want, res.Seqs); diff != "" {
		t.Errorf("sequences mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, [][]float64{{0.9, 0.8, 1.5}, {0.5, 0.4, -0.25}}, res.Scores)
}

func TestRunSink_ResumeSkipsStoredBatches(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	cfg := tinyConfig()
	cfg.Embedding = charlstm.EmbeddingOneHot
	cfg.EmbeddingDim = cfg.VocabSize
	m, err := charlstm.New(cfg)
	require.NoError(t, err)

	X := make([][]int, 5)
	for i := range X {
		X[i] = make([]int, cfg.CharLen())
		for p := range X[i] {
			X[i][p] = 5 + (i+p)%20
		}
	}
	y := []int{0, 1, 2, 0, 1}

	opts := hotflip.DefaultOptions(cfg.CharLen(), cfg.VocabSize)
	opts.BatchSize = 2
	opts.MaxChars = 2
	sess, err := hotflip.NewSession(m, opts, nil)
	require.NoError(t, err)
	defer sess.Close()

	fingerprint := (&dataset.Dataset{X: X, Y: y}).Fingerprint()
	run, err := s.CreateRun(ctx, "tiny", opts, len(X), fingerprint)
	require.NoError(t, err)
	sink := s.Sink(run.ID)

	// Interrupt after the first batch.
	stopCtx, cancel := context.WithCancel(ctx)
	orch := hotflip.NewOrchestrator(nil)
	orch.Progress = func(done, total int) {
		if done == 1 {
			cancel()
		}
	}
	err = orch.Stream(stopCtx, sess, X, y, sink)
	assert.ErrorIs(t, err, context.Canceled)

	done, err := sink.Completed(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: true}, done)

	_, err = s.ResumeRun(ctx, run.ID, "tiny", len(X), fingerprint)
	require.NoError(t, err)

	var progress []int
	orch.Progress = func(done, total int) { progress = append(progress, done) }
	require.NoError(t, orch.Stream(ctx, sess, X, y, sink))
	assert.Equal(t, []int{1, 2, 3}, progress)

	resumed, err := s.LoadRunResult(ctx, run.ID)
	require.NoError(t, err)

	direct, err := hotflip.NewOrchestrator(nil).Run(ctx, sess, X, y)
	require.NoError(t, err)
	if diff := cmp.Diff(direct.Seqs, resumed.Seqs); diff != "" {
		t.Errorf("resumed run differs from a direct run (-direct +resumed):\n%s", diff)
	}
}

func TestResumeRun_RefusesDifferentData(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	fill := func(base int) *dataset.Dataset {
		d := &dataset.Dataset{Y: []int{0, 1, 0, 1}}
		for i := 0; i < 4; i++ {
			d.X = append(d.X, []int{base + i, base + i})
		}
		return d
	}
	first, second := fill(10), fill(20)

	opts := hotflip.DefaultOptions(2, 40)
	opts.BatchSize = 2
	run, err := s.CreateRun(ctx, "tiny", opts, first.Len(), first.Fingerprint())
	require.NoError(t, err)

	got, err := s.ResumeRun(ctx, run.ID, "tiny", first.Len(), first.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = s.ResumeRun(ctx, run.ID, "tiny", second.Len(), second.Fingerprint())
	assert.ErrorIs(t, err, ErrRunMismatch, "same row count, different rows")

	_, err = s.ResumeRun(ctx, run.ID, "tiny", 3, first.Fingerprint())
	assert.ErrorIs(t, err, ErrRunMismatch)

	_, err = s.ResumeRun(ctx, run.ID, "other", first.Len(), first.Fingerprint())
	assert.ErrorIs(t, err, ErrRunMismatch)

	_, err = s.ResumeRun(ctx, "missing", "tiny", first.Len(), first.Fingerprint())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestLoadRunResult_EnforcesResultLimit(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	opts := hotflip.DefaultOptions(2, 10)
	opts.BeamWidth = 2
	opts.MaxResultCells = 1
	run, err := s.CreateRun(ctx, "tiny", opts, 1, "")
	require.NoError(t, err)
	require.NoError(t, s.Sink(run.ID).WriteBatch(ctx, hotflip.BatchResult{
		Index:  0,
		Seqs:   [][][]int{{{1, 2}}, {{3, 4}}},
		Scores: [][]float64{{0.5}, {0.25}},
	}))

	_, err = s.LoadRunResult(ctx, run.ID)
	assert.ErrorIs(t, err, hotflip.ErrResultTooLarge)
}

func TestOpen_MigratesLegacyRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`
	CREATE TABLE runs (
		id TEXT PRIMARY KEY,
		checkpoint TEXT NOT NULL,
		options TEXT NOT NULL,
		examples INTEGER NOT NULL,
		status TEXT NOT NULL,
		summary TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	INSERT INTO runs VALUES ('old', 'tiny', '{}', 4, 'running', NULL, 0, 0);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	run, err := s.GetRun(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, run.Fingerprint)

	_, err = s.ResumeRun(ctx, "old", "tiny", 4, "f00d")
	assert.ErrorIs(t, err, ErrRunMismatch, "legacy runs cannot prove what they attacked")
}
