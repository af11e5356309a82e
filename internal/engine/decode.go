package engine

import (
	"context"
	"time"

	"github.com/23skdu/longbow-window/internal/metrics"
	"github.com/23skdu/longbow-window/internal/tensor"
)

// decode runs exactly opts.MaxTokens steps. There is no early stop: every
// sequence generates the same number of tokens, end-of-sequence included.
// The model is called after every sample, the last one included, so the
// cache always holds every generated token.
func (b *batch) decode(ctx context.Context, last *tensor.Logits) error {
	if b.opts.MaxTokens == 0 {
		return b.advance(Done)
	}
	if err := b.advance(Decoding); err != nil {
		return err
	}

	ones := make([]int, len(b.seqs))
	for i := range ones {
		ones[i] = 1
	}

	for step := 0; step < b.opts.MaxTokens; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()

		next, err := b.sampler.Sample(last)
		if err != nil {
			return collaborator("sample", err)
		}
		for i, id := range next {
			if _, err := b.acct.Record(i, last.Row(i), id); err != nil {
				return err
			}
			b.seqs[i].Generated = append(b.seqs[i].Generated, id)
		}

		if last, err = b.forward("decode", step, next, ones); err != nil {
			return err
		}

		metrics.RecordDecodeStep(time.Since(start))
		b.log.Debug("decode step",
			"batch_id", b.id,
			"step", step,
			"tokens", next,
			"duration", time.Since(start))
	}

	return b.advance(Done)
}
