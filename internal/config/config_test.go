package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.SlidingWindow != 4096 {
		t.Errorf("expected SlidingWindow 4096, got %d", cfg.SlidingWindow)
	}
	if cfg.MaxBatchSize != 3 {
		t.Errorf("expected MaxBatchSize 3, got %d", cfg.MaxBatchSize)
	}
	if cfg.KVDim() != 8*128 {
		t.Errorf("expected KVDim 1024, got %d", cfg.KVDim())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if cfg.GetArchitecture() != "mistral" {
		t.Errorf("expected architecture mistral, got %q", cfg.GetArchitecture())
	}
}

func validModel() Model {
	return Model{
		Dim:           64,
		Layers:        2,
		Heads:         4,
		KVHeads:       2,
		HeadDim:       16,
		VocabSize:     100,
		SlidingWindow: 8,
		MaxBatchSize:  2,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Model)
		wantErr string
	}{
		{"valid config", func(*Model) {}, ""},
		{"invalid dim", func(m *Model) { m.Dim = 0 }, "invalid dim"},
		{"invalid layers", func(m *Model) { m.Layers = -1 }, "invalid layers"},
		{"invalid heads", func(m *Model) { m.Heads = 0 }, "invalid heads"},
		{"kv heads above heads", func(m *Model) { m.KVHeads = 8 }, "must be <= heads"},
		{"kv heads not dividing heads", func(m *Model) { m.KVHeads = 3 }, "must divide heads"},
		{"dim mismatch", func(m *Model) { m.HeadDim = 8 }, "dim mismatch"},
		{"invalid vocab", func(m *Model) { m.VocabSize = 0 }, "invalid vocab_size"},
		{"invalid window", func(m *Model) { m.SlidingWindow = 0 }, "invalid sliding_window"},
		{"invalid batch", func(m *Model) { m.MaxBatchSize = 0 }, "invalid max_batch_size"},
		{"negative eps", func(m *Model) { m.NormEps = -1 }, "invalid norm_eps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validModel()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCacheWindow(t *testing.T) {
	m := validModel()

	if got := m.CacheWindow(3, 2); got != 5 {
		t.Errorf("short batch: expected window 5, got %d", got)
	}
	if got := m.CacheWindow(6, 10); got != 8 {
		t.Errorf("long batch: expected window clipped to 8, got %d", got)
	}
	if got := m.CacheWindow(4, 0); got != 4 {
		t.Errorf("no decode: expected window 4, got %d", got)
	}
}

func TestParseParams(t *testing.T) {
	data := []byte(`{
		"dim": 64, "n_layers": 2, "head_dim": 16, "hidden_dim": 128,
		"n_heads": 4, "n_kv_heads": 2, "norm_eps": 1e-6,
		"sliding_window": 8, "vocab_size": 100
	}`)

	m, err := ParseParams(data)
	if err != nil {
		t.Fatalf("ParseParams: %v", err)
	}
	if m.Layers != 2 || m.KVHeads != 2 || m.HeadDim != 16 || m.VocabSize != 100 {
		t.Errorf("unexpected model: %+v", m)
	}
	if m.SlidingWindow != 8 {
		t.Errorf("expected sliding window 8, got %d", m.SlidingWindow)
	}
	if m.MaxBatchSize != 3 {
		t.Errorf("expected default max batch size 3, got %d", m.MaxBatchSize)
	}
}

func TestParseParamsRejectsInvalid(t *testing.T) {
	if _, err := ParseParams([]byte(`{"dim": 10, "n_heads": 4, "head_dim": 16}`)); err == nil {
		t.Error("expected dim mismatch error")
	}
	if _, err := ParseParams([]byte(`not json`)); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")
	if err := os.WriteFile(path, []byte(`{"sliding_window": 1024, "max_batch_size": 5}`), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadParams(path)
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	if m.SlidingWindow != 1024 || m.MaxBatchSize != 5 {
		t.Errorf("unexpected model: %+v", m)
	}

	if _, err := LoadParams(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestGenerateValidate(t *testing.T) {
	def := DefaultGenerate()
	if err := def.Validate(); err != nil {
		t.Fatalf("default options should validate: %v", err)
	}
	if def.TopP != 0.8 || def.Temperature != 0.7 || def.MaxTokens != 256 {
		t.Errorf("unexpected defaults: %+v", def)
	}

	tests := []struct {
		name string
		opts Generate
		ok   bool
	}{
		{"zero tokens", Generate{MaxTokens: 0, TopP: 1}, true},
		{"greedy", Generate{MaxTokens: 4, Temperature: 0, TopP: 0.5}, true},
		{"negative tokens", Generate{MaxTokens: -1, TopP: 1}, false},
		{"negative chunk", Generate{ChunkSize: -2, TopP: 1}, false},
		{"negative temperature", Generate{Temperature: -0.1, TopP: 1}, false},
		{"zero top_p", Generate{TopP: 0}, false},
		{"top_p above one", Generate{TopP: 1.5}, false},
		{"NaN temperature", Generate{Temperature: math.NaN(), TopP: 1}, false},
		{"infinite temperature", Generate{Temperature: math.Inf(1), TopP: 1}, false},
		{"NaN top_p", Generate{Temperature: 0.7, TopP: math.NaN()}, false},
		{"tiny temperature", Generate{Temperature: 1e-320, TopP: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}
