// Package tensor holds the dense matrices exchanged with the model.
package tensor

import (
	"fmt"
	"math"

	ggtensor "gorgonia.org/tensor"
)

// Logits is a (tokens x vocab) matrix of unnormalised scores, one row per
// token position of a forward pass.
type Logits struct {
	d     *ggtensor.Dense
	data  []float32
	rows  int
	vocab int
}

// NewLogits allocates a zeroed rows x vocab matrix.
func NewLogits(rows, vocab int) (*Logits, error) {
	if rows <= 0 || vocab <= 0 {
		return nil, fmt.Errorf("invalid logits shape (%d, %d)", rows, vocab)
	}
	return FromSlice(make([]float32, rows*vocab), rows, vocab)
}

// FromSlice wraps data without copying. len(data) must equal rows*vocab.
func FromSlice(data []float32, rows, vocab int) (*Logits, error) {
	if rows <= 0 || vocab <= 0 {
		return nil, fmt.Errorf("invalid logits shape (%d, %d)", rows, vocab)
	}
	if len(data) != rows*vocab {
		return nil, fmt.Errorf("logits backing has %d values, want %d x %d", len(data), rows, vocab)
	}
	d := ggtensor.New(ggtensor.WithShape(rows, vocab), ggtensor.WithBacking(data))
	return &Logits{d: d, data: data, rows: rows, vocab: vocab}, nil
}

// FromRows copies equally sized rows into a new matrix.
func FromRows(rows [][]float32) (*Logits, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no logits rows")
	}
	vocab := len(rows[0])
	data := make([]float32, 0, len(rows)*vocab)
	for i, r := range rows {
		if len(r) != vocab {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(r), vocab)
		}
		data = append(data, r...)
	}
	return FromSlice(data, len(rows), vocab)
}

func (l *Logits) Rows() int  { return l.rows }
func (l *Logits) Vocab() int { return l.vocab }

// Shape reports the dense shape as (rows, vocab).
func (l *Logits) Shape() (int, int) {
	s := l.d.Shape()
	return s[0], s[1]
}

// Row returns a view of row i. Callers must not retain it past the next
// mutation of the matrix.
func (l *Logits) Row(i int) []float32 {
	return l.data[i*l.vocab : (i+1)*l.vocab]
}

// Data returns the row-major backing slice.
func (l *Logits) Data() []float32 {
	return l.data
}

// Dense exposes the underlying tensor.
func (l *Logits) Dense() *ggtensor.Dense {
	return l.d
}

// Gather copies the given rows, in order, into a new matrix.
func (l *Logits) Gather(rows []int) (*Logits, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("gather: no rows requested")
	}
	out := make([]float32, 0, len(rows)*l.vocab)
	for _, r := range rows {
		if r < 0 || r >= l.rows {
			return nil, fmt.Errorf("gather: row %d out of range [0, %d)", r, l.rows)
		}
		view, err := l.d.Slice(ggtensor.S(r))
		if err != nil {
			return nil, fmt.Errorf("gather: row %d: %w", r, err)
		}
		row, ok := ggtensor.Materialize(view).Data().([]float32)
		if !ok || len(row) != l.vocab {
			return nil, fmt.Errorf("gather: row %d has unexpected layout", r)
		}
		out = append(out, row...)
	}
	return FromSlice(out, len(rows), l.vocab)
}

// ArgMax returns the index of the largest value of every row. Ties go to the
// lowest index. Rows must be finite.
func (l *Logits) ArgMax() ([]int, error) {
	am, err := l.d.Argmax(1)
	if err != nil {
		return nil, fmt.Errorf("argmax: %w", err)
	}
	switch v := am.Data().(type) {
	case []int:
		return append([]int(nil), v...), nil
	case int:
		return []int{v}, nil
	}
	return nil, fmt.Errorf("argmax: unexpected result %T", am.Data())
}

// NonFiniteRow reports the first row holding a NaN or Inf, or -1.
func (l *Logits) NonFiniteRow() int {
	for i, v := range l.data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i / l.vocab
		}
	}
	return -1
}
