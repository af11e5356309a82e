package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testVocab(t *testing.T) *Tokenizer {
	t.Helper()
	tk, err := NewByteLevel("▁Hello", "▁World", "▁Wor", "!")
	if err != nil {
		t.Fatalf("NewByteLevel: %v", err)
	}
	return tk
}

func TestNewRequiresControlPieces(t *testing.T) {
	tests := []struct {
		name   string
		pieces []string
	}{
		{"no unk", []string{"<s>", "</s>", "a"}},
		{"no bos", []string{"<unk>", "</s>", "a"}},
		{"no eos", []string{"<unk>", "<s>", "a"}},
		{"duplicate", []string{"<unk>", "<s>", "</s>", "a", "a"}},
		{"empty piece", []string{"<unk>", "<s>", "</s>", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.pieces); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEncodeLongestMatch(t *testing.T) {
	tk := testVocab(t)
	hello := tk.Vocab["▁Hello"]
	world := tk.Vocab["▁World"]
	bang := tk.Vocab["!"]

	ids, err := tk.Encode("Hello World!", true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if diff := cmp.Diff([]int{tk.BOS, hello, world, bang}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	ids, _ = tk.Encode("Hello", false)
	if diff := cmp.Diff([]int{hello}, ids); diff != "" {
		t.Errorf("ids without bos mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeByteFallback(t *testing.T) {
	tk := testVocab(t)
	ids, err := tk.Encode("Hello é", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// "▁Hello", then "▁" and the two bytes of é as byte pieces
	want := []int{
		tk.Vocab["▁Hello"],
		tk.Vocab["<0xE2>"], tk.Vocab["<0x96>"], tk.Vocab["<0x81>"],
		tk.Vocab["<0xC3>"], tk.Vocab["<0xA9>"],
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	text, err := tk.Decode(ids)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "Hello é" {
		t.Errorf("expected round trip, got %q", text)
	}
}

func TestEncodeEmpty(t *testing.T) {
	tk := testVocab(t)
	ids, _ := tk.Encode("", true)
	if diff := cmp.Diff([]int{tk.BOS}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	ids, _ = tk.Encode("", false)
	if len(ids) != 0 {
		t.Errorf("expected no ids, got %v", ids)
	}
}

func TestDecode(t *testing.T) {
	tk := testVocab(t)
	tests := []struct {
		name string
		ids  []int
		want string
	}{
		{"words", []int{tk.BOS, tk.Vocab["▁Hello"], tk.Vocab["▁World"]}, "Hello World"},
		{"control pieces dropped", []int{tk.Vocab["▁Wor"], tk.EOS, tk.Vocab["<0x64>"]}, "Word"},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tk.Decode(tt.ids)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}

	if _, err := tk.Decode([]int{tk.VocabSize()}); err == nil {
		t.Error("expected error for out of range id")
	}
}

func TestRoundTrip(t *testing.T) {
	tk := Default()
	for _, s := range []string{
		"This is a test",
		"This is another test",
		"What is the capital of France?",
		"tabs\tand\nnewlines",
	} {
		ids, err := tk.Encode(s, true)
		if err != nil {
			t.Fatalf("Encode(%q): %v", s, err)
		}
		got, err := tk.Decode(ids)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != s {
			t.Errorf("round trip: expected %q, got %q", s, got)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	data := "<unk>\t0\n<s>\t0\n</s>\t0\n▁hi\t-1.5\n\n!\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	tk, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if tk.VocabSize() != 5 {
		t.Fatalf("expected 5 pieces, got %d", tk.VocabSize())
	}
	ids, _ := tk.Encode("hi!", false)
	if diff := cmp.Diff([]int{3, 4}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	// no byte pieces: unknown bytes map to <unk>
	ids, _ = tk.Encode("hi?", false)
	if diff := cmp.Diff([]int{3, tk.UNK}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFormatInstruction(t *testing.T) {
	if got := FormatInstruction("", "hi"); got != "[INST] hi [/INST] " {
		t.Errorf("unexpected template %q", got)
	}
	want := "[INST] <<SYS>>be brief<</SYS>>hi [/INST] "
	if got := FormatInstruction("be brief", "hi"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
