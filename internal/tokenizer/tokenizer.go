package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/23skdu/longbow-window/internal/metrics"
)

// SpaceMarker replaces ASCII spaces inside pieces.
const SpaceMarker = "▁"

const (
	unkPiece = "<unk>"
	bosPiece = "<s>"
	eosPiece = "</s>"
)

// Tokenizer is a greedy longest-match tokenizer over a sentencepiece style
// vocabulary. Bytes with no matching piece fall back to <0xNN> pieces.
type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int

	BOS int
	EOS int
	UNK int

	byteID  [256]int
	byteOf  map[int]byte
	control map[int]bool
	maxLen  int
}

// New builds a tokenizer from an ordered piece list. The list must contain
// <unk>, <s> and </s>.
func New(pieces []string) (*Tokenizer, error) {
	t := &Tokenizer{
		Tokens:  make([]string, len(pieces)),
		Vocab:   make(map[string]int, len(pieces)),
		byteOf:  make(map[int]byte),
		control: make(map[int]bool),
	}
	for i := range t.byteID {
		t.byteID[i] = -1
	}

	for i, p := range pieces {
		if p == "" {
			return nil, fmt.Errorf("token %d is empty", i)
		}
		if _, dup := t.Vocab[p]; dup {
			return nil, fmt.Errorf("duplicate token %q at %d", p, i)
		}
		t.Tokens[i] = p
		t.Vocab[p] = i
		if b, ok := parseBytePiece(p); ok {
			t.byteID[b] = i
			t.byteOf[i] = b
			continue
		}
		t.maxLen = max(t.maxLen, len(p))
	}

	var ok bool
	if t.UNK, ok = t.Vocab[unkPiece]; !ok {
		return nil, fmt.Errorf("vocabulary has no %s piece", unkPiece)
	}
	if t.BOS, ok = t.Vocab[bosPiece]; !ok {
		return nil, fmt.Errorf("vocabulary has no %s piece", bosPiece)
	}
	if t.EOS, ok = t.Vocab[eosPiece]; !ok {
		return nil, fmt.Errorf("vocabulary has no %s piece", eosPiece)
	}
	t.control[t.UNK] = true
	t.control[t.BOS] = true
	t.control[t.EOS] = true
	return t, nil
}

// NewByteLevel returns a vocabulary of the three control pieces, all 256
// byte pieces and any extra pieces, in that order.
func NewByteLevel(extra ...string) (*Tokenizer, error) {
	pieces := make([]string, 0, 3+256+len(extra))
	pieces = append(pieces, unkPiece, bosPiece, eosPiece)
	for b := 0; b < 256; b++ {
		pieces = append(pieces, bytePiece(byte(b)))
	}
	pieces = append(pieces, extra...)
	return New(pieces)
}

// LoadFile reads one piece per line. Anything after a tab (a score column)
// is ignored.
func LoadFile(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()

	var pieces []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			line = line[:i]
		}
		if line == "" {
			continue
		}
		pieces = append(pieces, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return New(pieces)
}

func (t *Tokenizer) VocabSize() int {
	return len(t.Tokens)
}

// Encode splits text into ids, optionally prefixed with the BOS id.
func (t *Tokenizer) Encode(text string, bos bool) ([]int, error) {
	var ids []int
	if bos {
		ids = append(ids, t.BOS)
	}
	if text == "" {
		return ids, nil
	}

	s := SpaceMarker + strings.ReplaceAll(text, " ", SpaceMarker)
	fallback := 0
	for i := 0; i < len(s); {
		id, n := t.longestMatch(s[i:])
		if n > 0 {
			ids = append(ids, id)
			i += n
			continue
		}
		b := s[i]
		if t.byteID[b] >= 0 {
			ids = append(ids, t.byteID[b])
		} else {
			ids = append(ids, t.UNK)
		}
		fallback++
		i++
	}

	metrics.RecordTokenizerEncode(len(ids), fallback)
	return ids, nil
}

func (t *Tokenizer) longestMatch(s string) (int, int) {
	for n := min(t.maxLen, len(s)); n > 0; n-- {
		if id, ok := t.Vocab[s[:n]]; ok && !t.control[id] {
			if _, isByte := t.byteOf[id]; !isByte {
				return id, n
			}
		}
	}
	return 0, 0
}

// Decode turns ids back into text. Control pieces are dropped and the
// leading space introduced by encoding is removed.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	start := time.Now()
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			return "", fmt.Errorf("token id %d out of range [0, %d)", id, len(t.Tokens))
		}
		if t.control[id] {
			continue
		}
		if b, ok := t.byteOf[id]; ok {
			sb.WriteByte(b)
			continue
		}
		sb.WriteString(t.Tokens[id])
	}

	out := strings.ReplaceAll(sb.String(), SpaceMarker, " ")
	out = strings.TrimPrefix(out, " ")
	metrics.RecordTokenizerDecode(len(ids), time.Since(start))
	return out, nil
}

func bytePiece(b byte) string {
	return fmt.Sprintf("<0x%02X>", b)
}

func parseBytePiece(p string) (byte, bool) {
	if len(p) != 6 || !strings.HasPrefix(p, "<0x") || p[5] != '>' {
		return 0, false
	}
	b, err := strconv.ParseUint(p[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(b), true
}
