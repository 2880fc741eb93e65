package training

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// tokenCounter counts BPE tokens for corpus accounting. The encoding loads
// lazily on first use; tiktoken may fetch rank files over the network, which
// must not happen at worker startup.
type tokenCounter struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func newTokenCounter(encoding string) *tokenCounter {
	if encoding == "" {
		encoding = defaultEncoding
	}
	return &tokenCounter{encoding: encoding}
}

// Count returns the token count of text, or an estimate when the encoding
// cannot be loaded. Accounting never fails an emit.
func (c *tokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			slog.Warn("token encoding unavailable, falling back to estimation",
				slog.String("encoding", c.encoding),
				slog.Any("error", err))
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return estimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// estimateTokens approximates GPT-family tokenization at four bytes per
// token, rounding up so non-empty text never counts as zero.
func estimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
