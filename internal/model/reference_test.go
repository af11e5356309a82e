package model

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/23skdu/longbow-window/internal/kvcache"
)

const testVocab = 50

func newTestModel(t *testing.T, window int) *Reference {
	t.Helper()
	p := SmallParams(testVocab)
	p.SlidingWindow = window
	m, err := NewReference(p, 7)
	if err != nil {
		t.Fatalf("NewReference: %v", err)
	}
	return m
}

func newCache(t *testing.T, m *Reference, batch, window int) *kvcache.RotatingBufferCache {
	t.Helper()
	p := m.Params()
	c, err := kvcache.New(kvcache.Shape{
		Layers:    p.Layers,
		BatchSize: batch,
		Window:    window,
		KVHeads:   p.KVHeads,
		HeadDim:   p.HeadDim,
	})
	if err != nil {
		t.Fatalf("kvcache.New: %v", err)
	}
	return c
}

func rows(t *testing.T, m *Reference, c *kvcache.RotatingBufferCache, ids []int, seqlens []int) [][]float32 {
	t.Helper()
	l, err := m.Forward(ids, c, seqlens)
	if err != nil {
		t.Fatalf("Forward(%v, %v): %v", ids, seqlens, err)
	}
	out := make([][]float32, l.Rows())
	for i := range out {
		out[i] = append([]float32(nil), l.Row(i)...)
	}
	return out
}

func TestNewReferenceRejectsInvalidParams(t *testing.T) {
	p := SmallParams(testVocab)
	p.KVHeads = 3
	if _, err := NewReference(p, 1); err == nil {
		t.Error("expected error for kv heads not dividing heads")
	}
}

func TestForwardDeterministic(t *testing.T) {
	ids := []int{1, 5, 9, 13}
	a := newTestModel(t, 8)
	b := newTestModel(t, 8)

	got := rows(t, a, newCache(t, a, 1, 8), ids, []int{4})
	want := rows(t, b, newCache(t, b, 1, 8), ids, []int{4})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("same seed produced different logits (-want +got):\n%s", diff)
	}
	for _, r := range got {
		for _, v := range r {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("non-finite logit %v", v)
			}
		}
	}
}

func TestForwardCommitsCache(t *testing.T) {
	m := newTestModel(t, 8)
	c := newCache(t, m, 2, 8)

	rows(t, m, c, []int{1, 2, 3, 4, 5}, []int{3, 2})
	if c.Position(0) != 3 || c.Position(1) != 2 {
		t.Errorf("unexpected positions %d, %d", c.Position(0), c.Position(1))
	}
}

// Splitting a sequence into chunks, wrapping the buffer several times, gives
// bit-identical logits to a single pass with a cache large enough to never
// wrap, as long as the attention span is the same.
func TestForwardChunkInvariance(t *testing.T) {
	const window = 4
	ids := []int{3, 1, 4, 1, 5, 9, 2, 6, 5, 3, 5}

	m := newTestModel(t, window)
	whole := make([][]float32, 0, len(ids))
	c := newCache(t, m, 1, window)
	for _, chunk := range [][]int{ids[:4], ids[4:8], ids[8:]} {
		whole = append(whole, rows(t, m, c, chunk, []int{len(chunk)})...)
	}

	for _, size := range []int{1, 2, 3} {
		c := newCache(t, m, 1, window)
		var got [][]float32
		for i := 0; i < len(ids); i += size {
			chunk := ids[i:min(i+size, len(ids))]
			got = append(got, rows(t, m, c, chunk, []int{len(chunk)})...)
		}
		if diff := cmp.Diff(whole, got); diff != "" {
			t.Errorf("chunk size %d changed logits (-want +got):\n%s", size, diff)
		}
	}
}

func TestForwardBatchIndependence(t *testing.T) {
	m := newTestModel(t, 8)
	a := []int{1, 2, 3}
	b := []int{7, 8}

	alone := rows(t, m, newCache(t, m, 1, 8), b, []int{2})
	batched := rows(t, m, newCache(t, m, 2, 8), append(append([]int(nil), a...), b...), []int{3, 2})
	if diff := cmp.Diff(alone, batched[3:]); diff != "" {
		t.Errorf("batch neighbour changed logits (-want +got):\n%s", diff)
	}
}

func TestForwardErrors(t *testing.T) {
	m := newTestModel(t, 4)
	c := newCache(t, m, 1, 4)

	if _, err := m.Forward([]int{1, 2}, c, []int{3}); err == nil {
		t.Error("expected error for ids and seqlens mismatch")
	}
	if _, err := m.Forward([]int{testVocab}, c, []int{1}); err == nil {
		t.Error("expected error for out of vocabulary id")
	}
	if _, err := m.Forward([]int{1, 2, 3, 4, 5}, c, []int{5}); err == nil {
		t.Error("expected error for chunk larger than window")
	}
	if _, err := m.Forward(nil, c, []int{0}); err == nil {
		t.Error("expected error for empty step")
	}

	other, _ := kvcache.New(kvcache.Shape{Layers: 1, BatchSize: 1, Window: 4, KVHeads: 2, HeadDim: 8})
	if _, err := m.Forward([]int{1}, other, []int{1}); err == nil {
		t.Error("expected error for mismatched cache shape")
	}
}

func TestKernels(t *testing.T) {
	x := []float64{3, 4}
	out := make([]float64, 2)
	rmsNorm(x, out, 0)
	// rms of (3, 4) is sqrt(12.5)
	want := []float64{3 / math.Sqrt(12.5), 4 / math.Sqrt(12.5)}
	if diff := cmp.Diff(want, out, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("rmsNorm mismatch (-want +got):\n%s", diff)
	}

	head := []float64{1, 0, 5}
	rope(head, 0, ropeTheta)
	if diff := cmp.Diff([]float64{1, 0, 5}, head); diff != "" {
		t.Errorf("rope at position 0 should be identity (-want +got):\n%s", diff)
	}

	scores := []float64{1, 1, 1, 1}
	softmaxInPlace(scores)
	for _, s := range scores {
		if math.Abs(s-0.25) > 1e-12 {
			t.Fatalf("expected uniform softmax, got %v", scores)
		}
	}

	gated := make([]float64, 2)
	swiGLU([]float64{0, 100}, []float64{1, 1}, gated)
	if gated[0] != 0 || math.Abs(gated[1]-10/(1+math.Exp(-10))) > 1e-12 {
		t.Errorf("unexpected swiGLU output %v", gated)
	}
}
