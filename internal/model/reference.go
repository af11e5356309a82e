// Package model provides a small deterministic sliding-window transformer.
// It is the collaborator the engine drives in the CLI and in tests: weights
// are derived from a seed, so two instances built from the same parameters
// and seed produce bit-identical logits.
package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-window/internal/config"
	"github.com/23skdu/longbow-window/internal/kvcache"
	"github.com/23skdu/longbow-window/internal/tensor"
)

const ropeTheta = 10000.0

type layer struct {
	wq, wk, wv, wo matrix
	w1, w2, w3     matrix
}

// Reference is a pre-norm transformer with grouped-query attention, rotary
// positions, a SwiGLU feed-forward block and tied input/output embeddings.
//
// Tokens are processed one at a time per sequence, all layers before the next
// token, so a token's logits depend only on the cached history and never on
// how the history was split into forward calls.
type Reference struct {
	params config.Model
	embed  matrix // vocab x dim
	layers []layer
}

// NewReference builds a model whose weights are drawn from a PCG stream
// seeded with seed.
func NewReference(params config.Model, seed uint64) (*Reference, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model parameters: %w", err)
	}

	rng := rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	qDim := params.Heads * params.HeadDim
	kvDim := params.KVDim()

	m := &Reference{
		params: params,
		embed:  randomMatrix(rng, params.VocabSize, params.Dim, 1.0),
		layers: make([]layer, params.Layers),
	}
	for l := range m.layers {
		m.layers[l] = layer{
			wq: randomMatrix(rng, qDim, params.Dim, 1/math.Sqrt(float64(params.Dim))),
			wk: randomMatrix(rng, kvDim, params.Dim, 1/math.Sqrt(float64(params.Dim))),
			wv: randomMatrix(rng, kvDim, params.Dim, 1/math.Sqrt(float64(params.Dim))),
			wo: randomMatrix(rng, params.Dim, qDim, 1/math.Sqrt(float64(qDim))),
			w1: randomMatrix(rng, params.HiddenDim, params.Dim, 1/math.Sqrt(float64(params.Dim))),
			w3: randomMatrix(rng, params.HiddenDim, params.Dim, 1/math.Sqrt(float64(params.Dim))),
			w2: randomMatrix(rng, params.Dim, params.HiddenDim, 1/math.Sqrt(float64(params.HiddenDim))),
		}
	}
	return m, nil
}

func randomMatrix(rng *rand.Rand, rows, cols int, scale float64) matrix {
	m := matrix{rows: rows, cols: cols, data: make([][]float64, rows)}
	for r := range m.data {
		row := make([]float64, cols)
		for c := range row {
			row[c] = (rng.Float64()*2 - 1) * scale
		}
		m.data[r] = row
	}
	return m
}

func (m *Reference) Params() config.Model {
	return m.params
}

// Forward runs one step over the flattened ids of every sequence in the
// batch. seqlens[i] tokens of ids belong to batch slot i. The returned logits
// have one row per id. Every token's keys and values are written to the cache
// and the step is committed before returning.
func (m *Reference) Forward(ids []int, cache *kvcache.RotatingBufferCache, seqlens []int) (*tensor.Logits, error) {
	md, err := cache.Metadata(seqlens)
	if err != nil {
		return nil, err
	}
	if len(ids) != len(md.Positions) {
		return nil, fmt.Errorf("got %d ids for seqlens summing to %d", len(ids), len(md.Positions))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty forward step")
	}
	if s := cache.Shape(); s.Layers != m.params.Layers || s.KVHeads != m.params.KVHeads || s.HeadDim != m.params.HeadDim {
		return nil, fmt.Errorf("cache shape %+v does not match model", s)
	}

	vocab := m.params.VocabSize
	out, err := tensor.NewLogits(len(ids), vocab)
	if err != nil {
		return nil, err
	}

	st := m.newState()
	for i, id := range ids {
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("token id %d out of vocabulary [0, %d)", id, vocab)
		}
		if err := m.token(st, cache, md.Seqs[i], md.Positions[i], id, out.Row(i)); err != nil {
			return nil, err
		}
	}

	if err := cache.Commit(seqlens); err != nil {
		return nil, err
	}
	return out, nil
}

// state holds scratch buffers reused across the tokens of one step.
type state struct {
	x, xn     []float64
	q, k, v   []float64
	att, proj []float64
	gate, up  []float64
	hidden    []float64
	k32, v32  []float32
	scores    []float64
}

func (m *Reference) newState() *state {
	p := m.params
	qDim := p.Heads * p.HeadDim
	kvDim := p.KVDim()
	return &state{
		x:      make([]float64, p.Dim),
		xn:     make([]float64, p.Dim),
		q:      make([]float64, qDim),
		k:      make([]float64, kvDim),
		v:      make([]float64, kvDim),
		att:    make([]float64, qDim),
		proj:   make([]float64, p.Dim),
		gate:   make([]float64, p.HiddenDim),
		up:     make([]float64, p.HiddenDim),
		hidden: make([]float64, p.HiddenDim),
		k32:    make([]float32, kvDim),
		v32:    make([]float32, kvDim),
	}
}

func (m *Reference) token(st *state, cache *kvcache.RotatingBufferCache, seq, pos, id int, logits []float32) error {
	p := m.params
	eps := float64(p.NormEps)
	copy(st.x, m.embed.data[id])

	for l := range m.layers {
		w := &m.layers[l]

		rmsNorm(st.x, st.xn, eps)
		w.wq.mulVec(st.xn, st.q)
		w.wk.mulVec(st.xn, st.k)
		w.wv.mulVec(st.xn, st.v)
		for h := 0; h < p.Heads; h++ {
			rope(st.q[h*p.HeadDim:(h+1)*p.HeadDim], pos, ropeTheta)
		}
		for h := 0; h < p.KVHeads; h++ {
			rope(st.k[h*p.HeadDim:(h+1)*p.HeadDim], pos, ropeTheta)
		}

		// the cache holds float32
		for i := range st.k {
			st.k32[i] = float32(st.k[i])
			st.v32[i] = float32(st.v[i])
		}
		if err := cache.Store(l, seq, pos, st.k32, st.v32); err != nil {
			return err
		}
		view, err := cache.View(l, seq, pos)
		if err != nil {
			return err
		}
		m.attend(st, view)

		w.wo.mulVec(st.att, st.proj)
		for i := range st.x {
			st.x[i] += st.proj[i]
		}

		rmsNorm(st.x, st.xn, eps)
		w.w1.mulVec(st.xn, st.gate)
		w.w3.mulVec(st.xn, st.up)
		swiGLU(st.gate, st.up, st.hidden)
		w.w2.mulVec(st.hidden, st.proj)
		for i := range st.x {
			st.x[i] += st.proj[i]
		}
	}

	rmsNorm(st.x, st.xn, eps)
	for t := range logits {
		var sum float64
		row := m.embed.data[t]
		for i, v := range st.xn {
			sum += row[i] * v
		}
		logits[t] = float32(sum)
	}
	return nil
}

// attend computes grouped-query attention of st.q over the cached view into
// st.att. Query head h reads kv head h / (heads / kvHeads).
func (m *Reference) attend(st *state, view kvcache.View) {
	p := m.params
	group := p.Heads / p.KVHeads
	scale := 1 / math.Sqrt(float64(p.HeadDim))

	n := view.Len()
	if cap(st.scores) < n {
		st.scores = make([]float64, n)
	}
	scores := st.scores[:n]

	for h := 0; h < p.Heads; h++ {
		q := st.q[h*p.HeadDim : (h+1)*p.HeadDim]
		kvOff := (h / group) * p.HeadDim

		for j := 0; j < n; j++ {
			k := view.Keys[j][kvOff : kvOff+p.HeadDim]
			var dot float64
			for d, qv := range q {
				dot += qv * float64(k[d])
			}
			scores[j] = dot * scale
		}
		softmaxInPlace(scores)

		out := st.att[h*p.HeadDim : (h+1)*p.HeadDim]
		for d := range out {
			out[d] = 0
		}
		for j := 0; j < n; j++ {
			v := view.Values[j][kvOff : kvOff+p.HeadDim]
			for d := range out {
				out[d] += scores[j] * float64(v[d])
			}
		}
	}
}

// SmallParams is a shape small enough to run on a CPU in tests and demos.
func SmallParams(vocab int) config.Model {
	return config.Model{
		Architecture:  "reference",
		Dim:           32,
		HiddenDim:     64,
		Layers:        2,
		Heads:         4,
		KVHeads:       2,
		HeadDim:       8,
		VocabSize:     vocab,
		NormEps:       1e-5,
		SlidingWindow: 64,
		MaxBatchSize:  3,
	}
}
