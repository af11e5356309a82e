package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"
)

// StepLog summarises the logits of one forward call.
type StepLog struct {
	BatchID    string  `json:"batch_id"`
	Phase      string  `json:"phase"`
	Step       int     `json:"step"`
	Seqlens    []int   `json:"seqlens"`
	Tokens     []int   `json:"tokens,omitempty"` // decode inputs
	MaxAbs     float32 `json:"max_abs_logit"`
	NaNCount   int     `json:"nan_count"`
	InfCount   int     `json:"inf_count"`
	DurationMS float64 `json:"duration_ms"`
}

// Tracer collects step summaries across batches. A nil *Tracer records
// nothing.
type Tracer struct {
	mu    sync.Mutex
	steps []StepLog
}

func NewTracer() *Tracer {
	return &Tracer{}
}

func (t *Tracer) record(batchID, phase string, step int, seqlens, tokens []int, logits []float32, d time.Duration) {
	if t == nil {
		return
	}
	nan, inf := countNaNInf(logits)
	s := StepLog{
		BatchID:    batchID,
		Phase:      phase,
		Step:       step,
		Seqlens:    append([]int(nil), seqlens...),
		MaxAbs:     maxAbs(logits),
		NaNCount:   nan,
		InfCount:   inf,
		DurationMS: float64(d.Microseconds()) / 1000,
	}
	if tokens != nil {
		s.Tokens = append([]int(nil), tokens...)
	}

	t.mu.Lock()
	t.steps = append(t.steps, s)
	t.mu.Unlock()
}

// Steps returns a copy of everything recorded so far.
func (t *Tracer) Steps() []StepLog {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]StepLog(nil), t.steps...)
}

// SaveToFile writes the recorded steps as indented JSON.
func (t *Tracer) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(t.Steps(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	return nil
}

func maxAbs(data []float32) float32 {
	var m float32
	for _, v := range data {
		if a := float32(math.Abs(float64(v))); a > m {
			m = a
		}
	}
	return m
}

func countNaNInf(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		} else if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return nanCount, infCount
}
