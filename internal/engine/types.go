package engine

import (
	"github.com/23skdu/longbow-window/internal/config"
	"github.com/23skdu/longbow-window/internal/kvcache"
	"github.com/23skdu/longbow-window/internal/tensor"
)

// Transformer is the model collaborator. Forward consumes the flattened ids
// of one step, seqlens[i] of them for batch slot i, and returns one row of
// logits per id. It must store every token in the cache and commit the step.
type Transformer interface {
	Params() config.Model
	Forward(ids []int, cache *kvcache.RotatingBufferCache, seqlens []int) (*tensor.Logits, error)
}

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string, bos bool) ([]int, error)
	Decode(ids []int) (string, error)
}

// Phase is the lifecycle stage of a batch. Transitions only move forward.
type Phase int

const (
	Idle Phase = iota
	Prefilled
	Decoding
	Done
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Prefilled:
		return "prefilled"
	case Decoding:
		return "decoding"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sequence is one prompt of a batch and everything generated for it.
//
// Logprobs holds, in order, the log-probability of every prompt token after
// the first, then of every generated token.
type Sequence struct {
	Prompt    []int
	Generated []int
	Logprobs  []float64

	Slot     int // batch slot in the cache
	Position int // tokens committed to the cache so far
}

// Tokens returns the prompt followed by the generated ids.
func (s *Sequence) Tokens() []int {
	out := make([]int, 0, len(s.Prompt)+len(s.Generated))
	out = append(out, s.Prompt...)
	return append(out, s.Generated...)
}

// Result is the decoded output of one prompt.
type Result struct {
	Text         string    `json:"text"` // prompt and completion decoded together
	Completion   string    `json:"completion"`
	PromptTokens []int     `json:"prompt_tokens"`
	Tokens       []int     `json:"tokens"` // generated ids
	Logprobs     []float64 `json:"logprobs"`
}
