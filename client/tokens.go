package client

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const tokenEncoding = "cl100k_base"

// tokenCounter counts message tokens for the token-budget trigger. The
// BPE encoder needs its ranks loaded once; when that fails (offline
// installs) every count falls back to the chars/4 estimate.
type tokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (t *tokenCounter) Count(text string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err == nil {
			t.enc = enc
		}
	})
	if t.enc != nil {
		return len(t.enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens is the ceil(chars/4) fallback.
func estimateTokens(text string) int {
	chars := utf8.RuneCountInString(text)
	return (chars + 3) / 4
}
