package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
)

const defaultSystemPrompt = `You are a companion character inside a Minecraft world.
Answer the player in one or two short sentences, in the player's language.`

// ModelFactory resolves the model used for a completion.
type ModelFactory interface {
	Model(ctx context.Context) (model.Model, error)
}

// AgentResponder asks a chat model for a single-turn reply.
type AgentResponder struct {
	name      string
	factory   ModelFactory
	system    string
	maxTokens int
}

func NewAgentResponder(name string, factory ModelFactory, systemPrompt string, maxTokens int) *AgentResponder {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &AgentResponder{name: name, factory: factory, system: systemPrompt, maxTokens: maxTokens}
}

func (a *AgentResponder) Name() string { return a.name }

func (a *AgentResponder) Reply(ctx context.Context, p Prompt) (Reply, error) {
	mdl, err := a.factory.Model(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("resolve %s model: %w", a.name, err)
	}

	content := p.Text
	if p.PlayerName != "" {
		content = p.PlayerName + ": " + p.Text
	}
	system := a.system
	if p.CompanionName != "" {
		system += "\nYour name is " + p.CompanionName + "."
	}

	resp, err := mdl.Complete(ctx, model.Request{
		Messages:  []model.Message{{Role: "user", Content: content}},
		System:    system,
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("%s completion: %w", a.name, err)
	}
	if resp == nil {
		return Reply{}, ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Message.TextContent())
	if text == "" {
		return Reply{}, ErrEmptyReply
	}
	return Reply{Text: text, Provider: a.name, Tokens: resp.Usage.TotalTokens}, nil
}
