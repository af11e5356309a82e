package tokenizer

import "fmt"

// FormatInstruction wraps a user prompt in the instruction template, with an
// optional system prompt. The leading <s> is left to the encoder's BOS.
func FormatInstruction(system, user string) string {
	if system == "" {
		return fmt.Sprintf("[INST] %s [/INST] ", user)
	}
	return fmt.Sprintf("[INST] <<SYS>>%s<</SYS>>%s [/INST] ", system, user)
}

// commonPieces covers frequent English words and the template markers so
// short prompts do not fall back to single bytes.
var commonPieces = []string{
	"▁", "▁the", "▁a", "▁an", "▁is", "▁are", "▁was", "▁this", "▁This",
	"▁that", "▁it", "▁of", "▁to", "▁and", "▁in", "▁on", "▁for", "▁with",
	"▁test", "▁another", "▁what", "▁What", "▁how", "▁How", "▁you", "▁I",
	"▁we", "▁be", "▁not", "▁as", "▁at", "▁by", "▁from", "▁or", "▁can",
	"▁[INST]", "▁[/INST]", "[INST]", "[/INST]", "<<SYS>>", "<</SYS>>",
	"ing", "ed", "er", "es", "s", ".", ",", "?", "!",
}

// Default returns the built-in byte-level vocabulary extended with common
// English pieces.
func Default() *Tokenizer {
	t, err := NewByteLevel(commonPieces...)
	if err != nil {
		panic(fmt.Sprintf("tokenizer: built-in vocabulary: %v", err))
	}
	return t
}
