package protocol

import "fmt"

// UnknownType is reported for messages that carry no type at all.
const UnknownType = "unknown"

// Inbound is the closed set of messages a mod can send. Use a type switch
// over ConnectionInit, GameStateUpdate, ConversationRequest, ErrorMessage
// and Unknown.
type Inbound interface {
	// Kind is the long message type, or the raw type for Unknown.
	Kind() string
	// Raw is the normalized message the variant was decoded from.
	Raw() Message

	inbound()
}

type envelope struct {
	msg Message
}

func (e envelope) Raw() Message { return e.msg }
func (envelope) inbound()       {}

type ConnectionInit struct {
	envelope
}

func (ConnectionInit) Kind() string { return TypeConnectionInit }

type GameStateUpdate struct {
	envelope
	PlayerName string
	Position   any
	Health     any
}

func (GameStateUpdate) Kind() string { return TypeGameStateUpdate }

type ConversationRequest struct {
	envelope
	// ID is the raw request id, echoed back unchanged. Nil when absent.
	ID            any
	PlayerName    string
	CompanionName string
	Text          string
}

func (ConversationRequest) Kind() string { return TypeConversationRequest }

// ErrorMessage is an error reported by the mod itself.
type ErrorMessage struct {
	envelope
	Text string
}

func (ErrorMessage) Kind() string { return TypeError }

type Unknown struct {
	envelope
	RawType string
}

func (u Unknown) Kind() string { return u.RawType }

// Decode turns a normalized message into its typed variant.
func Decode(msg Message) Inbound {
	env := envelope{msg: msg}
	switch msg.Type() {
	case TypeConnectionInit:
		return ConnectionInit{envelope: env}
	case TypeGameStateUpdate:
		return GameStateUpdate{
			envelope:   env,
			PlayerName: msg.GetString(FieldPlayerName),
			Position:   msg[FieldPosition],
			Health:     msg[FieldHealth],
		}
	case TypeConversationRequest:
		return ConversationRequest{
			envelope:      env,
			ID:            msg[FieldID],
			PlayerName:    msg.GetString(FieldPlayerName),
			CompanionName: msg.GetString(FieldCompanionName),
			Text:          stringify(msg[FieldMessage]),
		}
	case TypeError:
		return ErrorMessage{envelope: env, Text: stringify(msg[FieldMessage])}
	}

	raw, ok := msg[FieldType]
	if !ok || raw == nil {
		return Unknown{envelope: env, RawType: UnknownType}
	}
	return Unknown{envelope: env, RawType: stringify(raw)}
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}
