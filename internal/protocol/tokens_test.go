package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateCounter(t *testing.T) {
	c := EstimateCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("hi"))
	assert.Equal(t, 2, c.Count("abcdefgh"))
	assert.Equal(t, 3, c.Count("你好"))
	assert.Equal(t, 25, c.Count(strings.Repeat("a", 100)))
}

type fixedCounter map[string]int

func (f fixedCounter) Count(text string) int { return f[text] }

func TestCompareTokens(t *testing.T) {
	standard := Message{
		"id":            "1",
		"type":          "conversation_response",
		"companionName": "AICompanion",
		"message":       "[Echo] hello",
	}
	compact, err := Compact(standard)
	require.NoError(t, err)

	stats, err := CompareTokens(EstimateCounter{}, standard, compact)
	require.NoError(t, err)

	assert.Greater(t, stats.StandardTokens, 0)
	assert.Greater(t, stats.CompactTokens, 0)
	assert.Less(t, stats.CompactTokens, stats.StandardTokens)
	assert.Less(t, stats.CompactBytes, stats.StandardBytes)
	assert.Equal(t, stats.StandardTokens-stats.CompactTokens, stats.SavedTokens)
	assert.Greater(t, stats.SavedPercent, 0.0)
}

func TestCompareTokens_Rounding(t *testing.T) {
	counter := fixedCounter{`{"a":1}`: 3, `{"b":1}`: 2}
	stats, err := CompareTokens(counter, Message{"a": 1}, Message{"b": 1})
	require.NoError(t, err)
	assert.Equal(t, 33.3, stats.SavedPercent)
	assert.Equal(t, 3, stats.Map()["standard_tokens"])
}

func TestCompareTokens_Empty(t *testing.T) {
	stats, err := CompareTokens(fixedCounter{}, Message{}, Message{})
	require.NoError(t, err)
	assert.Zero(t, stats.SavedPercent)
}

func TestCompareTokens_MarshalError(t *testing.T) {
	_, err := CompareTokens(nil, Message{"ch": make(chan int)}, Message{})
	assert.Error(t, err)
}
