package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotflip/internal/dataset"
	"hotflip/internal/hotflip"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "charlstm" {
		t.Errorf("expected Name=charlstm, got %s", cfg.Name)
	}
	if cfg.CharLen() != 300*23+1 {
		t.Errorf("expected CharLen=%d, got %d", 300*23+1, cfg.CharLen())
	}
	if cfg.Attack.BeamWidth != 1 || cfg.Attack.MaxChars != 10 {
		t.Errorf("expected beam_width=1 max_chars=10, got %d %d", cfg.Attack.BeamWidth, cfg.Attack.MaxChars)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("HOTFLIP_DB", "")
	t.Setenv("HOTFLIP_DATA", "")
	t.Setenv("HOTFLIP_LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "nested", "hotflip.yaml")

	cfg := DefaultConfig()
	cfg.Name = "ag_news"
	cfg.Model.NClasses = 4
	cfg.Model.KernelSizes = []int{1, 2}
	cfg.Model.FeatureMaps = []int{8, 16}
	cfg.Attack.BeamWidth = 5
	cfg.Output.Report = true

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assert.Equal(t, cfg, loaded)
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	t.Setenv("HOTFLIP_DB", "")
	t.Setenv("HOTFLIP_DATA", "")
	t.Setenv("HOTFLIP_LOG_LEVEL", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hotflip.yaml")
	require.NoError(t, os.WriteFile(path, []byte("attack:\n  beam_width: 3\nmodel:\n  seqlen: 10\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Attack.BeamWidth)
	assert.Equal(t, 10, cfg.Attack.MaxChars)
	assert.Equal(t, 10, cfg.Model.SeqLen)
	assert.Equal(t, 20, cfg.Model.WordLen)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hotflip.yaml")
	require.NoError(t, os.WriteFile(path, []byte("attack: [unterminated"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HOTFLIP_DB", "/tmp/runs.db")
	t.Setenv("HOTFLIP_DATA", "/data/ag")
	t.Setenv("HOTFLIP_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/tmp/runs.db", cfg.Store.Path)
	assert.Equal(t, "/data/ag", cfg.Data.Dir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, filepath.Join("/data/ag", "test.txt"), cfg.Data.Path(cfg.Data.TestFile))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = " " }},
		{"bad model", func(c *Config) { c.Model.NClasses = 1 }},
		{"negative samples", func(c *Config) { c.Attack.Samples = -1 }},
		{"zero beam width", func(c *Config) { c.Attack.BeamWidth = 0 }},
		{"zero attack batch", func(c *Config) { c.Attack.BatchSize = 0 }},
		{"negative max chars", func(c *Config) { c.Attack.MaxChars = -1 }},
		{"negative fan-out", func(c *Config) { c.Attack.FanOut = -2 }},
		{"negative result cells", func(c *Config) { c.Attack.MaxResultCells = -1 }},
		{"bad train", func(c *Config) { c.Train.Epochs = 0 }},
		{"no store", func(c *Config) { c.Store.Path = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_ValidateWrapsAttackOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Attack.BeamWidth = 0
	assert.ErrorIs(t, cfg.Validate(), hotflip.ErrInvalidOptions)
}

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.SeqLen = 4
	cfg.Model.WordLen = 5
	cfg.Attack.BeamWidth = 2
	cfg.Attack.FanOut = 3
	cfg.Attack.RequireGain = true

	opts := cfg.Options()
	require.NoError(t, opts.Validate())
	assert.Equal(t, 4*8+1, opts.SeqLen)
	assert.Equal(t, 128, opts.VocabSize)
	assert.Equal(t, 2, opts.BeamWidth)
	assert.Equal(t, 3, opts.EffectiveFanOut())
	assert.True(t, opts.RequireGain)

	enc, err := cfg.Encoder()
	require.NoError(t, err)
	assert.ElementsMatch(t, enc.StructuralSymbols(), opts.Protected)
	assert.ElementsMatch(t, enc.StructuralSymbols(), opts.Forbidden)
	assert.Equal(t, enc.CharLen(), opts.SeqLen)

	cfg.Attack.ProtectStructure = false
	opts = cfg.Options()
	assert.Empty(t, opts.Protected)
	assert.Empty(t, opts.Forbidden)
	assert.Equal(t, dataset.CharLen(4, 5), opts.SeqLen)
}

func TestLoggingConfig_ToLogging(t *testing.T) {
	l := LoggingConfig{Level: "warn", Format: "json", File: "x.log"}.ToLogging()
	assert.Equal(t, "warn", l.Level)
	assert.Equal(t, "json", l.Format)
	assert.Equal(t, "x.log", l.File)
}
