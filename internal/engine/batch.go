package engine

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-window/internal/config"
	"github.com/23skdu/longbow-window/internal/kvcache"
	"github.com/23skdu/longbow-window/internal/logger"
	"github.com/23skdu/longbow-window/internal/tensor"
)

// batch is the state of one Generate call. It owns its cache; nothing in it
// is shared with other calls.
type batch struct {
	id     string
	model  Transformer
	params config.Model
	opts   config.Generate

	seqs    []*Sequence
	chunk   int
	plan    [][]int // seqlens of each prefill step
	cache   *kvcache.RotatingBufferCache
	sampler *Sampler
	acct    *Accountant

	phase Phase
	trace *Tracer
	log   *logger.Logger
}

// newBatch validates prompts against the model and options and allocates the
// cache. Every configuration and precondition check happens here, before the
// first forward call.
func newBatch(id string, model Transformer, prompts [][]int, opts config.Generate, seed uint64) (*batch, error) {
	params := model.Params()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("%w: no prompts", ErrPrecondition)
	}
	if len(prompts) > params.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d prompts exceed max batch size %d", ErrPrecondition, len(prompts), params.MaxBatchSize)
	}

	maxLen := 0
	seqs := make([]*Sequence, len(prompts))
	for i, p := range prompts {
		if len(p) == 0 {
			return nil, fmt.Errorf("%w: prompt %d is empty", ErrPrecondition, i)
		}
		for _, id := range p {
			if id < 0 || id >= params.VocabSize {
				return nil, fmt.Errorf("%w: prompt %d: token id %d outside vocabulary of %d", ErrPrecondition, i, id, params.VocabSize)
			}
		}
		maxLen = max(maxLen, len(p))
		seqs[i] = &Sequence{
			Prompt:    append([]int(nil), p...),
			Generated: make([]int, 0, opts.MaxTokens),
			Slot:      i,
		}
	}

	chunk := opts.ChunkSize
	if chunk == 0 || chunk > maxLen {
		chunk = maxLen
	}
	window := params.CacheWindow(maxLen, opts.MaxTokens)
	if chunk > window {
		return nil, fmt.Errorf("%w: chunk size %d exceeds cache window %d", ErrConfiguration, chunk, window)
	}

	plan, err := planChunks(prompts, maxLen, chunk)
	if err != nil {
		return nil, err
	}

	cache, err := kvcache.New(kvcache.Shape{
		Layers:    params.Layers,
		BatchSize: len(prompts),
		Window:    window,
		KVHeads:   params.KVHeads,
		HeadDim:   params.HeadDim,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	return &batch{
		id:      id,
		model:   model,
		params:  params,
		opts:    opts,
		seqs:    seqs,
		chunk:   chunk,
		plan:    plan,
		cache:   cache,
		sampler: NewSampler(opts.Temperature, opts.TopP, seed, len(prompts)),
		acct:    NewAccountant(len(prompts)),
		phase:   Idle,
	}, nil
}

// planChunks returns the seqlens of every prefill step. All prompts advance in
// lockstep, so every prompt must still have tokens left at every step.
func planChunks(prompts [][]int, maxLen, chunk int) ([][]int, error) {
	var plan [][]int
	for start := 0; start < maxLen; start += chunk {
		seqlens := make([]int, len(prompts))
		for i, p := range prompts {
			n := min(len(p)-start, chunk)
			if n <= 0 {
				return nil, fmt.Errorf("%w: prompt %d (%d tokens) has no chunk at offset %d", ErrPrecondition, i, len(p), start)
			}
			seqlens[i] = n
		}
		plan = append(plan, seqlens)
	}
	return plan, nil
}

func (b *batch) advance(to Phase) error {
	if b.phase == Done || b.phase == Failed || to <= b.phase {
		return fmt.Errorf("invalid phase transition %s -> %s", b.phase, to)
	}
	b.phase = to
	return nil
}

func (b *batch) fail(err error) error {
	b.phase = Failed
	return err
}

// forward runs one model step and checks the collaborator's side of the
// contract: logits shape, finite values and cache positions advanced by
// exactly seqlens.
func (b *batch) forward(phase string, step int, ids, seqlens []int) (*tensor.Logits, error) {
	before := make([]int, len(seqlens))
	for i := range seqlens {
		before[i] = b.cache.Position(i)
	}

	start := time.Now()
	logits, err := b.model.Forward(ids, b.cache, seqlens)
	if err != nil {
		return nil, collaborator("forward", err)
	}
	if logits == nil {
		return nil, collaborator("forward", fmt.Errorf("no logits returned"))
	}

	var decoded []int
	if phase == "decode" {
		decoded = ids
	}
	b.trace.record(b.id, phase, step, seqlens, decoded, logits.Data(), time.Since(start))

	rows, vocab := logits.Shape()
	if rows != len(ids) || vocab != b.params.VocabSize {
		return nil, collaborator("forward", fmt.Errorf("logits shape (%d, %d), want (%d, %d)", rows, vocab, len(ids), b.params.VocabSize))
	}
	for i, n := range seqlens {
		if got := b.cache.Position(i); got != before[i]+n {
			return nil, collaborator("forward", fmt.Errorf("cache position of sequence %d is %d after step, want %d", i, got, before[i]+n))
		}
	}
	if r := logits.NonFiniteRow(); r >= 0 {
		return nil, collaborator("forward", fmt.Errorf("%w in row %d", ErrNonFinite, r))
	}
	for _, s := range b.seqs {
		s.Position = b.cache.Position(s.Slot)
	}
	return logits, nil
}
