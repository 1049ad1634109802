package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter estimates how many model tokens a piece of text costs.
type TokenCounter interface {
	Count(text string) int
}

// EstimateCounter approximates token counts without a vocabulary:
// ASCII runs at ~4 chars per token, other characters at ~1.5 tokens each.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ascii, other := 0, 0
	for _, r := range text {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			other++
		}
	}
	n := ascii/4 + other*3/2
	if n == 0 {
		n = 1
	}
	return n
}

// TiktokenCounter counts BPE tokens with the cl100k_base encoding. The
// encoding is loaded on first use; if it cannot be loaded every call falls
// back to EstimateCounter.
type TiktokenCounter struct {
	Encoding string
	Logger   *zap.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTiktokenCounter(logger *zap.Logger) *TiktokenCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenCounter{Encoding: "cl100k_base", Logger: logger}
}

func (c *TiktokenCounter) init() {
	c.once.Do(func() {
		name := c.Encoding
		if name == "" {
			name = "cl100k_base"
		}
		enc, err := tiktoken.GetEncoding(name)
		if err != nil {
			if c.Logger != nil {
				c.Logger.Warn("tiktoken unavailable, using estimate", zap.String("encoding", name), zap.Error(err))
			}
			return
		}
		c.enc = enc
	})
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.init()
	if c.enc == nil {
		return EstimateCounter{}.Count(text)
	}
	n := len(c.enc.Encode(text, nil, nil))
	if n == 0 {
		return 1
	}
	return n
}

// TokenStats compares the cost of the long and compact encodings of one message.
type TokenStats struct {
	StandardTokens int     `json:"standard_tokens"`
	CompactTokens  int     `json:"compact_tokens"`
	SavedTokens    int     `json:"saved_tokens"`
	SavedPercent   float64 `json:"saved_percent"`
	StandardBytes  int     `json:"standard_bytes"`
	CompactBytes   int     `json:"compact_bytes"`
}

// Map renders the stats as an event payload.
func (s TokenStats) Map() map[string]any {
	return map[string]any{
		"standard_tokens": s.StandardTokens,
		"compact_tokens":  s.CompactTokens,
		"saved_tokens":    s.SavedTokens,
		"saved_percent":   s.SavedPercent,
		"standard_bytes":  s.StandardBytes,
		"compact_bytes":   s.CompactBytes,
	}
}

// CompareTokens serializes both encodings and counts their tokens.
func CompareTokens(counter TokenCounter, standard, compact Message) (TokenStats, error) {
	if counter == nil {
		counter = EstimateCounter{}
	}
	std, err := json.Marshal(standard)
	if err != nil {
		return TokenStats{}, fmt.Errorf("marshal standard message: %w", err)
	}
	cmp, err := json.Marshal(compact)
	if err != nil {
		return TokenStats{}, fmt.Errorf("marshal compact message: %w", err)
	}

	stats := TokenStats{
		StandardTokens: counter.Count(string(std)),
		CompactTokens:  counter.Count(string(cmp)),
		StandardBytes:  len(std),
		CompactBytes:   len(cmp),
	}
	stats.SavedTokens = stats.StandardTokens - stats.CompactTokens
	if stats.StandardTokens > 0 {
		pct := float64(stats.SavedTokens) / float64(stats.StandardTokens) * 100
		stats.SavedPercent = math.Round(pct*10) / 10
	}
	return stats, nil
}
