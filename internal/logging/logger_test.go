package logging

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(level)
	SetBase(zap.New(core))
	t.Cleanup(func() { SetBase(nil) })
	return logs
}

func TestCategoryFieldAttached(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel)

	Attack("round %d of %d", 1, 3)
	StoreDebug("opened %s", "runs.db")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "round 1 of 3" {
		t.Errorf("unexpected message %q", entries[0].Message)
	}
	if got := entries[0].ContextMap()["category"]; got != "attack" {
		t.Errorf("expected category=attack, got %v", got)
	}
	if got := entries[1].ContextMap()["category"]; got != "store" {
		t.Errorf("expected category=store, got %v", got)
	}
	if entries[1].Level != zapcore.DebugLevel {
		t.Errorf("expected debug level, got %v", entries[1].Level)
	}
}

func TestLevelFiltering(t *testing.T) {
	logs := observe(t, zapcore.WarnLevel)

	Get(CategoryTrain).Info("dropped")
	Get(CategoryTrain).Warn("kept")

	if logs.Len() != 1 || logs.All()[0].Message != "kept" {
		t.Fatalf("expected only the warning to pass, got %v", logs.All())
	}
}

func TestWithContext(t *testing.T) {
	logs := observe(t, zapcore.InfoLevel)

	Get(CategoryAttack).WithContext(map[string]interface{}{"batch": 7}).Info("done")

	if got := logs.All()[0].ContextMap()["batch"]; got != int64(7) {
		t.Fatalf("expected batch=7, got %v (%T)", got, got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q)=%v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestInitializeWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "hotflip.log")
	if err := Initialize(Config{Level: "debug", Format: "json", File: path}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { SetBase(nil) })

	Boot("hello")
	Sync()
	if !Base().Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}
}

func TestTimerReturnsElapsed(t *testing.T) {
	observe(t, zapcore.DebugLevel)
	timer := StartTimer(CategoryModel, "forward")
	time.Sleep(time.Millisecond)
	if d := timer.StopWithThreshold(time.Hour); d <= 0 {
		t.Fatalf("expected positive duration, got %v", d)
	}
}
