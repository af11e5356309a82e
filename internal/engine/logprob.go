package engine

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-window/internal/metrics"
)

// Accountant accumulates per-sequence log-probabilities in emission order.
type Accountant struct {
	logprobs [][]float64
	scratch  []float64
}

func NewAccountant(sequences int) *Accountant {
	return &Accountant{logprobs: make([][]float64, sequences)}
}

// Record appends log softmax(row)[token] to sequence seq.
func (a *Accountant) Record(seq int, row []float32, token int) (float64, error) {
	if seq < 0 || seq >= len(a.logprobs) {
		return 0, fmt.Errorf("sequence %d out of range [0, %d)", seq, len(a.logprobs))
	}
	if token < 0 || token >= len(row) {
		return 0, fmt.Errorf("%w: token id %d outside vocabulary of %d", ErrPrecondition, token, len(row))
	}
	lp := a.logSoftmaxAt(row, token)
	a.logprobs[seq] = append(a.logprobs[seq], lp)
	metrics.RecordLogprob(lp)
	return lp, nil
}

// Logprobs returns the values recorded for seq so far.
func (a *Accountant) Logprobs(seq int) []float64 {
	return a.logprobs[seq]
}

func (a *Accountant) logSoftmaxAt(row []float32, token int) float64 {
	if cap(a.scratch) < len(row) {
		a.scratch = make([]float64, len(row))
	}
	s := a.scratch[:len(row)]
	for i, v := range row {
		s[i] = float64(v)
	}
	return s[token] - floats.LogSumExp(s)
}
