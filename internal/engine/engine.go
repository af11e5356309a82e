// Package engine runs batched text generation over a sliding-window
// transformer: chunked prompt prefill into a rotating KV cache, a fixed-length
// decode loop with temperature and nucleus sampling, and per-token
// log-probability accounting.
package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-window/internal/config"
	"github.com/23skdu/longbow-window/internal/logger"
	"github.com/23skdu/longbow-window/internal/metrics"
)

// Engine is safe for concurrent use. Each call runs as an independent batch
// with its own cache.
type Engine struct {
	model  Transformer
	tok    Tokenizer
	params config.Model
	tracer *Tracer
}

func New(model Transformer, tok Tokenizer) (*Engine, error) {
	params := model.Params()
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return &Engine{model: model, tok: tok, params: params}, nil
}

func (e *Engine) Params() config.Model {
	return e.params
}

// SetTracer records a summary of every forward call into t. Pass nil to stop.
func (e *Engine) SetTracer(t *Tracer) {
	e.tracer = t
}

// Generate encodes each prompt with a leading BOS, generates opts.MaxTokens
// tokens for all of them as one batch and decodes the results. Results are
// only returned if the whole batch succeeds.
func (e *Engine) Generate(ctx context.Context, prompts []string, opts config.Generate) ([]Result, error) {
	results, err := e.generate(ctx, prompts, opts)
	metrics.RecordBatchOutcome(err, errorKind(err))
	return results, err
}

func (e *Engine) generate(ctx context.Context, prompts []string, opts config.Generate) ([]Result, error) {
	if e.tok == nil {
		return nil, fmt.Errorf("%w: engine has no tokenizer", ErrConfiguration)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("%w: no prompts", ErrPrecondition)
	}

	encoded := make([][]int, len(prompts))
	for i, p := range prompts {
		if p == "" {
			return nil, fmt.Errorf("%w: prompt %d is empty", ErrPrecondition, i)
		}
		ids, err := e.tok.Encode(p, true)
		if err != nil {
			return nil, collaborator("encode", err)
		}
		encoded[i] = ids
	}

	seqs, err := e.run(ctx, encoded, opts)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(seqs))
	for i := range seqs {
		s := &seqs[i]
		text, err := e.tok.Decode(s.Tokens())
		if err != nil {
			return nil, collaborator("decode", err)
		}
		completion, err := e.tok.Decode(s.Generated)
		if err != nil {
			return nil, collaborator("decode", err)
		}
		results[i] = Result{
			Text:         text,
			Completion:   completion,
			PromptTokens: s.Prompt,
			Tokens:       s.Generated,
			Logprobs:     s.Logprobs,
		}
	}
	return results, nil
}

// GenerateTokens is Generate on already encoded prompts.
func (e *Engine) GenerateTokens(ctx context.Context, prompts [][]int, opts config.Generate) ([]Sequence, error) {
	seqs, err := e.run(ctx, prompts, opts)
	metrics.RecordBatchOutcome(err, errorKind(err))
	return seqs, err
}

func (e *Engine) run(ctx context.Context, prompts [][]int, opts config.Generate) ([]Sequence, error) {
	log := logger.Log.With("engine")
	id := opts.BatchID
	if id == "" {
		id = uuid.NewString()
	}

	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
		log.Debug("drew random seed", "batch_id", id, "seed", seed)
	}

	b, err := newBatch(id, e.model, prompts, opts, seed)
	if err != nil {
		return nil, err
	}
	b.trace = e.tracer
	b.log = log

	promptTokens := 0
	for _, p := range prompts {
		promptTokens += len(p)
		metrics.RecordContextLength(len(p) + opts.MaxTokens)
	}
	metrics.RecordBatch(len(prompts), promptTokens)
	if opts.Temperature > 0 {
		metrics.RecordSampling(opts.Temperature, opts.TopP)
	}

	log.Info("batch started",
		"batch_id", id,
		"sequences", len(prompts),
		"prompt_tokens", promptTokens,
		"max_tokens", opts.MaxTokens,
		"chunk_size", b.chunk,
		"window", b.cache.Window(),
		"seed", seed)
	start := time.Now()

	last, err := b.prefill(ctx)
	if err != nil {
		log.Error("prefill failed", "batch_id", id, "err", err)
		return nil, b.fail(err)
	}
	if err := b.decode(ctx, last); err != nil {
		log.Error("decode failed", "batch_id", id, "err", err)
		return nil, b.fail(err)
	}

	out := make([]Sequence, len(b.seqs))
	for i, s := range b.seqs {
		out[i] = Sequence{
			Prompt:    s.Prompt,
			Generated: s.Generated,
			Logprobs:  append([]float64(nil), b.acct.Logprobs(i)...),
			Slot:      s.Slot,
			Position:  s.Position,
		}
	}

	generated := len(b.seqs) * opts.MaxTokens
	dur := time.Since(start)
	metrics.RecordInference(generated, dur)
	log.Info("batch finished",
		"batch_id", id,
		"generated_tokens", generated,
		"duration", dur)
	return out, nil
}
