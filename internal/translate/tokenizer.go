package translate

import "strings"

// defaultCharsPerToken is used when config doesn't override it; roughly
// matches English-prose token density for Claude-family tokenizers.
const defaultCharsPerToken = 4.0

// Tokenizer is a local approximate token counter (spec.md §4.6
// handle_count_tokens: "a local approximate tokenizer (character/word
// heuristic)"). Kiro exposes no token-counting endpoint, so this never
// calls upstream.
type Tokenizer struct {
	charsPerToken float64
}

// NewTokenizer builds a Tokenizer. charsPerToken <= 0 falls back to the
// default ratio.
func NewTokenizer(charsPerToken float64) *Tokenizer {
	if charsPerToken <= 0 {
		charsPerToken = defaultCharsPerToken
	}
	return &Tokenizer{charsPerToken: charsPerToken}
}

// CountTokens estimates the token count of s by blending a character-based
// and a word-based heuristic, then taking the larger of the two — cheap
// text (lots of whitespace) is bounded by word count, dense text (code,
// CJK) is bounded by character count.
func (t *Tokenizer) CountTokens(s string) int {
	if s == "" {
		return 0
	}
	byChars := float64(len([]rune(s))) / t.charsPerToken
	byWords := float64(len(strings.Fields(s))) * 1.3

	est := byChars
	if byWords > est {
		est = byWords
	}
	n := int(est + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}

// CountMessage estimates the token cost of one translated text turn,
// including a small fixed per-turn overhead for role/framing tokens.
func (t *Tokenizer) CountMessage(role, text string) int {
	const perTurnOverhead = 4
	return perTurnOverhead + t.CountTokens(role) + t.CountTokens(text)
}
