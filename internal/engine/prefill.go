package engine

import (
	"context"
	"time"

	"github.com/23skdu/longbow-window/internal/metrics"
	"github.com/23skdu/longbow-window/internal/tensor"
)

// prefill feeds the prompts through the model one chunk step at a time and
// returns the last-token logits of every sequence.
//
// Prompt tokens are scored against the known next token: token j+1 of a chunk by row
// j of the same step, and the first token of a later chunk by the previous
// step's last-token logits. The first prompt token is never scored.
func (b *batch) prefill(ctx context.Context) (*tensor.Logits, error) {
	var last *tensor.Logits
	for step, seqlens := range b.plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		offset := step * b.chunk

		chunks := make([][]int, len(b.seqs))
		ids := make([]int, 0, len(b.seqs)*b.chunk)
		for i, s := range b.seqs {
			chunks[i] = s.Prompt[offset : offset+seqlens[i]]
			ids = append(ids, chunks[i]...)
		}

		logits, err := b.forward("prefill", step, ids, seqlens)
		if err != nil {
			return nil, err
		}

		if last != nil {
			for i, c := range chunks {
				if _, err := b.acct.Record(i, last.Row(i), c[0]); err != nil {
					return nil, err
				}
			}
		}

		row := 0
		lastRows := make([]int, len(chunks))
		for i, c := range chunks {
			for j := 0; j < len(c)-1; j++ {
				if _, err := b.acct.Record(i, logits.Row(row+j), c[j+1]); err != nil {
					return nil, err
				}
			}
			row += len(c)
			lastRows[i] = row - 1
		}

		if last, err = logits.Gather(lastRows); err != nil {
			return nil, err
		}

		metrics.RecordPrefillChunk(time.Since(start))
		b.log.Debug("prefill step",
			"batch_id", b.id,
			"step", step,
			"seqlens", seqlens,
			"duration", time.Since(start))
	}

	if err := b.advance(Prefilled); err != nil {
		return nil, err
	}
	return last, nil
}
