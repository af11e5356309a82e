package config

import (
	"fmt"
	"math"
)

// Generate holds the per-call options of a batch.
type Generate struct {
	MaxTokens   int
	ChunkSize   int // 0 means one chunk of the longest prompt
	Temperature float64
	TopP        float64
	Seed        uint64 // 0 picks a random seed per call
	BatchID     string // tags logs, traces and exports; empty mints a new id
}

func (g *Generate) Validate() error {
	if g.MaxTokens < 0 {
		return fmt.Errorf("invalid max_tokens: %d (must be non-negative)", g.MaxTokens)
	}
	if g.ChunkSize < 0 {
		return fmt.Errorf("invalid chunk_size: %d (must be non-negative)", g.ChunkSize)
	}
	if math.IsNaN(g.Temperature) || math.IsInf(g.Temperature, 0) || g.Temperature < 0 {
		return fmt.Errorf("invalid temperature: %f (must be non-negative)", g.Temperature)
	}
	if math.IsNaN(g.TopP) || g.TopP <= 0 || g.TopP > 1 {
		return fmt.Errorf("invalid top_p: %f (must be in (0, 1])", g.TopP)
	}
	return nil
}

// DefaultGenerate matches the settings the service shipped with.
func DefaultGenerate() Generate {
	return Generate{
		MaxTokens:   256,
		Temperature: 0.7,
		TopP:        0.8,
	}
}
