package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ICE6332/MineCompanion-WebUI/internal/config"
)

type stubModel struct {
	text  string
	err   error
	calls atomic.Int32
	last  model.Request
}

func (s *stubModel) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	s.calls.Add(1)
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &model.Response{
		Message: model.Message{Role: "assistant", Content: s.text},
		Usage:   model.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *stubModel) CompleteStream(ctx context.Context, req model.Request, cb model.StreamHandler) error {
	resp, err := s.Complete(ctx, req)
	if err != nil {
		return err
	}
	return cb(model.StreamResult{Final: true, Response: resp})
}

type stubFactory struct {
	mdl model.Model
	err error
}

func (f stubFactory) Model(ctx context.Context) (model.Model, error) { return f.mdl, f.err }

func TestEchoResponder(t *testing.T) {
	r, err := EchoResponder{}.Reply(context.Background(), Prompt{PlayerName: "Alice", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "[Echo] hello", r.Text)
	assert.Equal(t, "echo", r.Provider)
}

func TestAgentResponder(t *testing.T) {
	m := &stubModel{text: "  Sure, following you!  "}
	a := NewAgentResponder("anthropic", stubFactory{mdl: m}, "", 256)

	r, err := a.Reply(context.Background(), Prompt{PlayerName: "Alice", CompanionName: "Steve", Text: "follow me"})
	require.NoError(t, err)
	assert.Equal(t, "Sure, following you!", r.Text)
	assert.Equal(t, 15, r.Tokens)
	assert.Equal(t, "anthropic", r.Provider)

	require.Len(t, m.last.Messages, 1)
	assert.Equal(t, "Alice: follow me", m.last.Messages[0].Content)
	assert.Contains(t, m.last.System, "Steve")
	assert.Equal(t, 256, m.last.MaxTokens)
}

func TestAgentResponder_Errors(t *testing.T) {
	_, err := NewAgentResponder("x", stubFactory{err: errors.New("no key")}, "", 0).Reply(context.Background(), Prompt{Text: "hi"})
	assert.ErrorContains(t, err, "no key")

	_, err = NewAgentResponder("x", stubFactory{mdl: &stubModel{err: errors.New("429")}}, "", 0).Reply(context.Background(), Prompt{Text: "hi"})
	assert.ErrorContains(t, err, "429")

	_, err = NewAgentResponder("x", stubFactory{mdl: &stubModel{text: " "}}, "", 0).Reply(context.Background(), Prompt{Text: "hi"})
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestCachedResponder(t *testing.T) {
	m := &stubModel{text: "ok"}
	c := NewCachedResponder(NewAgentResponder("openai", stubFactory{mdl: m}, "", 0), 8, time.Hour)

	first, err := c.Reply(context.Background(), Prompt{PlayerName: "A", Text: "hi"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := c.Reply(context.Background(), Prompt{PlayerName: "A", Text: "hi"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)

	_, err = c.Reply(context.Background(), Prompt{PlayerName: "B", Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), m.calls.Load())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "openai", c.Name())
}

func TestCachedResponder_ErrorsNotCached(t *testing.T) {
	m := &stubModel{err: errors.New("down")}
	c := NewCachedResponder(NewAgentResponder("openai", stubFactory{mdl: m}, "", 0), 8, time.Hour)

	_, err := c.Reply(context.Background(), Prompt{Text: "hi"})
	require.Error(t, err)
	_, err = c.Reply(context.Background(), Prompt{Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, int32(2), m.calls.Load())
	assert.Zero(t, c.Len())
}

func TestCachedResponder_Expires(t *testing.T) {
	m := &stubModel{text: "ok"}
	c := NewCachedResponder(NewAgentResponder("openai", stubFactory{mdl: m}, "", 0), 8, 20*time.Millisecond)

	_, _ = c.Reply(context.Background(), Prompt{Text: "hi"})
	time.Sleep(60 * time.Millisecond)
	r, err := c.Reply(context.Background(), Prompt{Text: "hi"})
	require.NoError(t, err)
	assert.False(t, r.Cached)
	assert.Equal(t, int32(2), m.calls.Load())
}

func TestNew(t *testing.T) {
	r, st, err := New(config.LLMConfig{Provider: "echo"})
	require.NoError(t, err)
	assert.IsType(t, EchoResponder{}, r)
	assert.Equal(t, Status{Provider: "echo", Ready: true}, st)

	r, st, err = New(config.LLMConfig{Provider: "anthropic"})
	require.NoError(t, err)
	assert.IsType(t, EchoResponder{}, r)
	assert.Equal(t, Status{Provider: "anthropic", Ready: false}, st)

	r, st, err = New(config.LLMConfig{Provider: "openai", APIKey: "k", Cache: config.LLMCacheConfig{Enabled: true, TTL: 60, Size: 4}})
	require.NoError(t, err)
	assert.IsType(t, &CachedResponder{}, r)
	assert.True(t, st.Ready)
	assert.Equal(t, "openai", r.Name())

	r, _, err = New(config.LLMConfig{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &AgentResponder{}, r)

	_, _, err = New(config.LLMConfig{Provider: "gemini"})
	assert.Error(t, err)
}
