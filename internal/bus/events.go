package bus

import (
	"time"
)

// EventType names a monitoring event.
type EventType string

const (
	ModConnected    EventType = "mod_connected"
	ModDisconnected EventType = "mod_disconnected"
	MessageReceived EventType = "message_received"
	MessageSent     EventType = "message_sent"
	TokenStats      EventType = "token_stats"
	LLMRequest      EventType = "llm_request"
	LLMResponse     EventType = "llm_response"
	Error           EventType = "error"

	// AllEvents subscribes to every event type.
	AllEvents EventType = "*"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one published monitoring record. It is never modified after
// Publish returns it.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Data      map[string]any `json:"data"`
}
