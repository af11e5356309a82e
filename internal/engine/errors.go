package engine

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports a batch the engine cannot be configured for:
	// invalid options, invalid model parameters or a cache too small for the
	// requested chunking. It is raised before any forward call.
	ErrConfiguration = errors.New("configuration error")

	// ErrPrecondition reports invalid caller input: no prompts, an empty
	// prompt, more prompts than batch slots, a chunk step with an exhausted
	// prompt or an out-of-vocabulary token id.
	ErrPrecondition = errors.New("precondition violated")

	// ErrNonFinite reports NaN or Inf logits.
	ErrNonFinite = errors.New("non-finite logits")
)

// CollaboratorError wraps a failure of the model or the tokenizer.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

func collaborator(op string, err error) error {
	return &CollaboratorError{Op: op, Err: err}
}

// errorKind labels an error for the engine error counter.
func errorKind(err error) string {
	var ce *CollaboratorError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrPrecondition):
		return "precondition"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &ce):
		if errors.Is(err, ErrNonFinite) {
			return "numeric"
		}
		return "collaborator"
	default:
		return "internal"
	}
}
