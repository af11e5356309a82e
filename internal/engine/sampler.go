package engine

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/23skdu/longbow-window/internal/metrics"
	"github.com/23skdu/longbow-window/internal/tensor"
)

type tokenProb struct {
	id   int
	prob float64
}

// Sampler draws one token per sequence from last-token logits. Each batch
// slot owns an independent random stream so a sequence's draws do not depend
// on its neighbours.
type Sampler struct {
	Temperature float64
	TopP        float64
	rngs        []*rand.Rand
}

// NewSampler seeds one PCG stream per batch slot from (seed, slot).
func NewSampler(temperature, topP float64, seed uint64, slots int) *Sampler {
	s := &Sampler{Temperature: temperature, TopP: topP, rngs: make([]*rand.Rand, slots)}
	for i := range s.rngs {
		s.rngs[i] = rand.New(rand.NewPCG(seed, uint64(i)))
	}
	return s
}

// Sample returns one token id per row of logits. Row i is drawn with the
// stream of batch slot i.
func (s *Sampler) Sample(logits *tensor.Logits) ([]int, error) {
	if logits.Rows() != len(s.rngs) {
		return nil, fmt.Errorf("sampler has %d streams, got %d rows", len(s.rngs), logits.Rows())
	}
	if r := logits.NonFiniteRow(); r >= 0 {
		return nil, fmt.Errorf("sequence %d: %w", r, ErrNonFinite)
	}

	greedy, err := logits.ArgMax()
	if err != nil {
		return nil, err
	}
	if s.Temperature == 0 {
		return greedy, nil
	}

	out := make([]int, len(greedy))
	for i := range out {
		out[i] = s.sampleRow(logits.Row(i), greedy[i], s.rngs[i])
	}
	return out, nil
}

func (s *Sampler) sampleRow(logits []float32, greedy int, rng *rand.Rand) int {
	probs := sortedProbs(logits, s.Temperature)
	if probs == nil {
		return greedy
	}
	candidates := applyTopP(probs, s.TopP)
	metrics.RecordNucleus(len(candidates))
	return sampleFromCandidates(candidates, rng)
}

// sortedProbs returns softmax(logits / temperature) ordered by descending
// probability, ties by ascending id. It returns nil when the temperature is
// so small that the scaled logits overflow; the caller falls back to the
// arg-max.
func sortedProbs(logits []float32, temperature float64) []tokenProb {
	maxVal := math.Inf(-1)
	for _, v := range logits {
		maxVal = math.Max(maxVal, float64(v)/temperature)
	}
	if math.IsInf(maxVal, 0) {
		return nil
	}

	candidates := make([]tokenProb, len(logits))
	sum := 0.0
	for i, v := range logits {
		p := math.Exp(float64(v)/temperature - maxVal)
		candidates[i] = tokenProb{id: i, prob: p}
		sum += p
	}
	for i := range candidates {
		candidates[i].prob /= sum
	}

	slices.SortStableFunc(candidates, func(a, b tokenProb) int {
		switch {
		case a.prob > b.prob:
			return -1
		case a.prob < b.prob:
			return 1
		}
		return 0
	})
	return candidates
}

// applyTopP keeps the shortest prefix of descending candidates whose mass
// reaches p, boundary token included, and renormalises it. p >= 1 keeps
// everything; p <= 0 keeps the most likely token.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 {
		return candidates
	}
	if p <= 0.0 {
		return []tokenProb{{id: candidates[0].id, prob: 1}}
	}

	sum := 0.0
	cut := len(candidates)
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			cut = i + 1
			break
		}
	}
	selected := candidates[:cut]

	total := 0.0
	for _, c := range selected {
		total += c.prob
	}
	for i := range selected {
		selected[i].prob /= total
	}
	return selected
}

func sampleFromCandidates(candidates []tokenProb, rng *rand.Rand) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}

	r := rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}
