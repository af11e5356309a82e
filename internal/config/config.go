package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Model describes the fixed shape of a loaded transformer. It is supplied by
// the model at load time and is read-only afterwards.
type Model struct {
	Architecture  string
	Dim           int
	HiddenDim     int
	Layers        int
	Heads         int
	KVHeads       int
	HeadDim       int
	VocabSize     int
	NormEps       float32
	SlidingWindow int // attention span in tokens
	MaxBatchSize  int // number of batch slots in the KV cache
}

func (c *Model) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("invalid kv_heads: %d (must divide heads: %d)", c.KVHeads, c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SlidingWindow <= 0 {
		return fmt.Errorf("invalid sliding_window: %d (must be positive)", c.SlidingWindow)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("invalid max_batch_size: %d (must be positive)", c.MaxBatchSize)
	}
	if c.NormEps < 0 {
		return fmt.Errorf("invalid norm_eps: %f (must be non-negative)", c.NormEps)
	}
	return nil
}

func (c *Model) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// KVDim is the width of one cached key or value row.
func (c *Model) KVDim() int {
	return c.KVHeads * c.HeadDim
}

// CacheWindow returns the rotating buffer size for a batch whose longest
// prompt has maxPromptLen tokens and which generates maxTokens tokens.
func (c *Model) CacheWindow(maxPromptLen, maxTokens int) int {
	return min(c.SlidingWindow, maxPromptLen+maxTokens)
}

// Default returns the Mistral-7B shape.
func Default() Model {
	return Model{
		Architecture:  "mistral",
		Dim:           4096,
		HiddenDim:     14336,
		Layers:        32,
		Heads:         32,
		KVHeads:       8,
		HeadDim:       128,
		VocabSize:     32000,
		NormEps:       1e-5,
		SlidingWindow: 4096,
		MaxBatchSize:  3,
	}
}

// params mirrors the params.json file shipped next to consolidated weights.
type params struct {
	Dim           int     `json:"dim"`
	NLayers       int     `json:"n_layers"`
	HeadDim       int     `json:"head_dim"`
	HiddenDim     int     `json:"hidden_dim"`
	NHeads        int     `json:"n_heads"`
	NKVHeads      int     `json:"n_kv_heads"`
	NormEps       float32 `json:"norm_eps"`
	SlidingWindow int     `json:"sliding_window"`
	VocabSize     int     `json:"vocab_size"`
	MaxBatchSize  int     `json:"max_batch_size,omitempty"`
	Architecture  string  `json:"architecture,omitempty"`
}

// LoadParams reads a params.json file. Fields missing from the file keep
// their Default values; max_batch_size is not part of the upstream format and
// is normally set by the caller.
func LoadParams(path string) (Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Model{}, fmt.Errorf("read params: %w", err)
	}
	return ParseParams(data)
}

func ParseParams(data []byte) (Model, error) {
	var p params
	if err := json.Unmarshal(data, &p); err != nil {
		return Model{}, fmt.Errorf("parse params: %w", err)
	}

	m := Default()
	if p.Architecture != "" {
		m.Architecture = p.Architecture
	}
	setIf(&m.Dim, p.Dim)
	setIf(&m.Layers, p.NLayers)
	setIf(&m.HeadDim, p.HeadDim)
	setIf(&m.HiddenDim, p.HiddenDim)
	setIf(&m.Heads, p.NHeads)
	setIf(&m.KVHeads, p.NKVHeads)
	setIf(&m.SlidingWindow, p.SlidingWindow)
	setIf(&m.VocabSize, p.VocabSize)
	setIf(&m.MaxBatchSize, p.MaxBatchSize)
	if p.NormEps > 0 {
		m.NormEps = p.NormEps
	}

	if err := m.Validate(); err != nil {
		return Model{}, err
	}
	return m, nil
}

func setIf(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
