// Package kvcache implements the rotating buffer key/value cache used for
// sliding-window attention.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-window/internal/metrics"
)

var (
	ErrOutOfBounds = errors.New("kv cache access out of bounds")
	ErrStale       = errors.New("kv cache slot overwritten")
)

// Shape fixes the dimensions of a cache for its whole lifetime.
type Shape struct {
	Layers    int
	BatchSize int
	Window    int
	KVHeads   int
	HeadDim   int
}

func (s Shape) validate() error {
	switch {
	case s.Layers <= 0:
		return fmt.Errorf("invalid cache shape: layers=%d", s.Layers)
	case s.BatchSize <= 0:
		return fmt.Errorf("invalid cache shape: batch_size=%d", s.BatchSize)
	case s.Window <= 0:
		return fmt.Errorf("invalid cache shape: window=%d", s.Window)
	case s.KVHeads <= 0 || s.HeadDim <= 0:
		return fmt.Errorf("invalid cache shape: kvDim=%d", s.KVHeads*s.HeadDim)
	}
	return nil
}

// StepMetadata places every token of one forward pass in the cache. The
// slices are parallel and follow the flattened token order.
type StepMetadata struct {
	Seqlens   []int
	Seqs      []int // batch slot of each token
	Positions []int // logical position within its sequence
	Slots     []int // physical window slot, Positions[i] mod window
}

// View is the retained history of one sequence in one layer, oldest first.
// Keys and Values alias cache storage and are only valid until the next Store.
type View struct {
	Positions []int
	Keys      [][]float32
	Values    [][]float32
}

func (v View) Len() int { return len(v.Positions) }

// RotatingBufferCache stores keys and values for Layers x BatchSize sequences
// in a circular buffer of Window slots. Logical position p of a sequence
// always lives in slot p mod Window.
//
// The cache is not safe for concurrent use; one batch owns one cache.
type RotatingBufferCache struct {
	shape Shape
	kvDim int

	// per layer, laid out [batch][window][kvHeads*headDim]
	keys   [][]float32
	values [][]float32

	// per layer, [batch][window] logical position held by each slot, -1 if empty
	owner [][]int

	// tokens committed per batch slot
	seqlens []int
}

// New allocates the full cache up front. It never grows afterwards.
func New(shape Shape) (*RotatingBufferCache, error) {
	if err := shape.validate(); err != nil {
		return nil, err
	}

	c := &RotatingBufferCache{
		shape:   shape,
		kvDim:   shape.KVHeads * shape.HeadDim,
		keys:    make([][]float32, shape.Layers),
		values:  make([][]float32, shape.Layers),
		owner:   make([][]int, shape.Layers),
		seqlens: make([]int, shape.BatchSize),
	}

	cells := shape.BatchSize * shape.Window * c.kvDim
	for l := 0; l < shape.Layers; l++ {
		c.keys[l] = make([]float32, cells)
		c.values[l] = make([]float32, cells)
		c.owner[l] = make([]int, shape.BatchSize*shape.Window)
	}
	c.Reset()

	metrics.RecordKVCacheStats(c.Capacity(), 0)
	metrics.RecordKVCacheWindow(shape.Window)
	return c, nil
}

// Reset logically empties every slot and rewinds every sequence to position 0.
func (c *RotatingBufferCache) Reset() {
	for l := range c.owner {
		for i := range c.owner[l] {
			c.owner[l][i] = -1
		}
	}
	for i := range c.seqlens {
		c.seqlens[i] = 0
	}
	metrics.KVCacheUsedBytes.Set(0)
}

func (c *RotatingBufferCache) Shape() Shape { return c.shape }
func (c *RotatingBufferCache) Window() int  { return c.shape.Window }
func (c *RotatingBufferCache) KVDim() int   { return c.kvDim }

// Slot maps a logical position to its physical window slot.
func (c *RotatingBufferCache) Slot(pos int) int {
	return pos % c.shape.Window
}

// Position returns the number of tokens committed for a batch slot, which is
// also the logical position of its next token.
func (c *RotatingBufferCache) Position(seq int) int {
	if seq < 0 || seq >= len(c.seqlens) {
		return -1
	}
	return c.seqlens[seq]
}

// Capacity returns the storage size in bytes of keys and values together.
func (c *RotatingBufferCache) Capacity() int64 {
	s := c.shape
	return int64(s.Layers) * 2 * int64(s.BatchSize) * int64(s.Window) * int64(c.kvDim) * 4
}

// Metadata computes where the tokens of a forward pass will be written.
// seqlens holds one chunk length per batch slot, starting at slot 0.
func (c *RotatingBufferCache) Metadata(seqlens []int) (StepMetadata, error) {
	if len(seqlens) > c.shape.BatchSize {
		return StepMetadata{}, fmt.Errorf("%w: %d sequences for %d batch slots", ErrOutOfBounds, len(seqlens), c.shape.BatchSize)
	}

	total := 0
	for i, n := range seqlens {
		if n < 0 {
			return StepMetadata{}, fmt.Errorf("negative chunk length %d for sequence %d", n, i)
		}
		if n > c.shape.Window {
			// a chunk longer than the window would overwrite its own history
			metrics.RecordKVCacheOutOfBounds(n, c.shape.Window)
			return StepMetadata{}, fmt.Errorf("%w: chunk of %d tokens exceeds window %d", ErrOutOfBounds, n, c.shape.Window)
		}
		total += n
	}

	md := StepMetadata{
		Seqlens:   append([]int(nil), seqlens...),
		Seqs:      make([]int, 0, total),
		Positions: make([]int, 0, total),
		Slots:     make([]int, 0, total),
	}
	for seq, n := range seqlens {
		start := c.seqlens[seq]
		for j := 0; j < n; j++ {
			pos := start + j
			md.Seqs = append(md.Seqs, seq)
			md.Positions = append(md.Positions, pos)
			md.Slots = append(md.Slots, c.Slot(pos))
		}
	}
	return md, nil
}

func (c *RotatingBufferCache) offset(seq, slot int) int {
	return (seq*c.shape.Window + slot) * c.kvDim
}

func (c *RotatingBufferCache) checkIndex(layer, seq int) error {
	if layer < 0 || layer >= c.shape.Layers {
		return fmt.Errorf("%w: layer %d", ErrOutOfBounds, layer)
	}
	if seq < 0 || seq >= c.shape.BatchSize {
		return fmt.Errorf("%w: batch slot %d", ErrOutOfBounds, seq)
	}
	return nil
}

// Store writes the key and value of logical position pos of sequence seq.
// Positions before the sequence's committed length are read-only.
func (c *RotatingBufferCache) Store(layer, seq, pos int, key, value []float32) error {
	if err := c.checkIndex(layer, seq); err != nil {
		return err
	}
	if len(key) != c.kvDim || len(value) != c.kvDim {
		return fmt.Errorf("kv width mismatch: key=%d value=%d want %d", len(key), len(value), c.kvDim)
	}
	committed := c.seqlens[seq]
	if pos < committed || pos >= committed+c.shape.Window {
		metrics.RecordKVCacheOutOfBounds(pos, c.shape.Window)
		return fmt.Errorf("%w: position %d for sequence %d (committed %d, window %d)",
			ErrOutOfBounds, pos, seq, committed, c.shape.Window)
	}

	slot := c.Slot(pos)
	off := c.offset(seq, slot)
	copy(c.keys[layer][off:off+c.kvDim], key)
	copy(c.values[layer][off:off+c.kvDim], value)

	ownerIdx := seq*c.shape.Window + slot
	wrapped := c.owner[layer][ownerIdx] >= 0 && c.owner[layer][ownerIdx] != pos
	c.owner[layer][ownerIdx] = pos

	metrics.RecordKVCacheSlidingWindow(c.shape.Window, pos, wrapped)
	return nil
}

// View returns the history visible from logical position pos of sequence
// seq: positions max(0, pos-window+1) through pos, oldest first.
func (c *RotatingBufferCache) View(layer, seq, pos int) (View, error) {
	if err := c.checkIndex(layer, seq); err != nil {
		return View{}, err
	}
	if pos < 0 {
		return View{}, fmt.Errorf("%w: negative position %d", ErrOutOfBounds, pos)
	}

	start := max(0, pos-c.shape.Window+1)
	n := pos - start + 1
	v := View{
		Positions: make([]int, 0, n),
		Keys:      make([][]float32, 0, n),
		Values:    make([][]float32, 0, n),
	}
	for p := start; p <= pos; p++ {
		slot := c.Slot(p)
		if held := c.owner[layer][seq*c.shape.Window+slot]; held != p {
			return View{}, fmt.Errorf("%w: layer %d sequence %d slot %d holds position %d, want %d",
				ErrStale, layer, seq, slot, held, p)
		}
		off := c.offset(seq, slot)
		v.Positions = append(v.Positions, p)
		v.Keys = append(v.Keys, c.keys[layer][off:off+c.kvDim])
		v.Values = append(v.Values, c.values[layer][off:off+c.kvDim])
	}

	metrics.KVCacheHits.Inc()
	return v, nil
}

// Commit advances every sequence by its chunk length once a forward pass has
// stored all of its tokens.
func (c *RotatingBufferCache) Commit(seqlens []int) error {
	if len(seqlens) > c.shape.BatchSize {
		return fmt.Errorf("%w: %d sequences for %d batch slots", ErrOutOfBounds, len(seqlens), c.shape.BatchSize)
	}
	for seq, n := range seqlens {
		if n < 0 {
			return fmt.Errorf("negative chunk length %d for sequence %d", n, seq)
		}
		c.seqlens[seq] += n
	}

	metrics.KVCacheUsedBytes.Set(float64(c.usedBytes()))
	return nil
}

func (c *RotatingBufferCache) usedBytes() int64 {
	var slots int64
	for _, n := range c.seqlens {
		slots += int64(min(n, c.shape.Window))
	}
	return int64(c.shape.Layers) * 2 * slots * int64(c.kvDim) * 4
}
