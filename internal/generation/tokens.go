package generation

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter estimates prompt sizes.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	once  sync.Once
	model string
	enc   *tiktoken.Tiktoken
	log   *zap.Logger
}

// NewTokenCounter uses the model's tiktoken encoding, falling back to
// cl100k_base, and to a 4-bytes-per-token estimate when no encoding loads.
func NewTokenCounter(model string, logger *zap.Logger) TokenCounter {
	return &tiktokenCounter{model: model, log: logger.Named("TokenCounter")}
}

func (c *tiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(c.model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err != nil {
			c.log.Warn("No tokenizer available, using byte estimate", zap.String("model", c.model), zap.Error(err))
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return approxTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

func approxTokens(text string) int {
	return (len(text) + 3) / 4
}

// approxCounter - грубая оценка без словаря.
type approxCounter struct{}

func (approxCounter) Count(text string) int { return approxTokens(text) }
