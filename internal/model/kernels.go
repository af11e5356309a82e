package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// matrix is a dense row-major weight matrix.
type matrix struct {
	rows, cols int
	data       [][]float64
}

func (m matrix) mulVec(x, out []float64) {
	for r := 0; r < m.rows; r++ {
		out[r] = floats.Dot(m.data[r], x)
	}
}

func rmsNorm(x, out []float64, eps float64) {
	ms := floats.Dot(x, x) / float64(len(x))
	inv := 1.0 / math.Sqrt(ms+eps)
	copy(out, x)
	floats.Scale(inv, out)
}

// rope rotates consecutive pairs of one head by angles that depend on the
// absolute position. An odd trailing element is left as is.
func rope(head []float64, pos int, theta float64) {
	n := len(head)
	for i := 0; i+1 < n; i += 2 {
		freq := 1.0 / math.Pow(theta, float64(i)/float64(n))
		s, c := math.Sincos(float64(pos) * freq)
		x0, x1 := head[i], head[i+1]
		head[i] = x0*c - x1*s
		head[i+1] = x0*s + x1*c
	}
}

// swiGLU writes silu(gate) * up into out. The gate is clamped to [-10, 10]
// before the sigmoid.
func swiGLU(gate, up, out []float64) {
	for i, g := range gate {
		g = math.Max(-10, math.Min(10, g))
		out[i] = up[i] * g / (1 + math.Exp(-g))
	}
}

// softmaxInPlace normalises scores into probabilities.
func softmaxInPlace(scores []float64) {
	lse := floats.LogSumExp(scores)
	for i, s := range scores {
		scores[i] = math.Exp(s - lse)
	}
}
