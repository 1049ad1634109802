package llm

import (
	"context"
	"errors"
)

// ErrEmptyReply is returned when a backend answers with no text.
var ErrEmptyReply = errors.New("llm: empty reply")

// Prompt is one player utterance addressed to the companion.
type Prompt struct {
	PlayerName    string
	CompanionName string
	Text          string
}

type Reply struct {
	Text     string
	Provider string
	// Tokens is the usage reported by the backend, 0 when unknown.
	Tokens int
	Cached bool
}

// Responder produces the companion's reply to a player.
type Responder interface {
	Reply(ctx context.Context, p Prompt) (Reply, error)
	Name() string
}

const EchoPrefix = "[Echo] "

// EchoResponder answers with the player's own message.
type EchoResponder struct{}

func (EchoResponder) Name() string { return "echo" }

func (EchoResponder) Reply(ctx context.Context, p Prompt) (Reply, error) {
	return Reply{Text: EchoPrefix + p.Text, Provider: "echo"}, nil
}
