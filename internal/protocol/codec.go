package protocol

import "errors"

// ErrInvalidInput is returned when the codec is handed something that is not a JSON object.
var ErrInvalidInput = errors.New("protocol: input is not a mapping")

// Message is a decoded JSON object. Codec functions never mutate their input.
type Message map[string]any

// Canonical long field names.
const (
	FieldID            = "id"
	FieldType          = "type"
	FieldTimestamp     = "timestamp"
	FieldPlayerName    = "playerName"
	FieldCompanionName = "companionName"
	FieldMessage       = "message"
	FieldAction        = "action"
	FieldPosition      = "position"
	FieldHealth        = "health"

	fieldData = "data"
)

// Canonical long message types.
const (
	TypeConnectionInit       = "connection_init"
	TypeConversationRequest  = "conversation_request"
	TypeConversationResponse = "conversation_response"
	TypeGameStateUpdate      = "game_state_update"
	TypeActionCommand        = "action_command"
	TypeError                = "error"
)

var shortFields = map[string]string{
	"i":   FieldID,
	"t":   FieldType,
	"ts":  FieldTimestamp,
	"p":   FieldPlayerName,
	"c":   FieldCompanionName,
	"m":   FieldMessage,
	"a":   FieldAction,
	"pos": FieldPosition,
	"hp":  FieldHealth,
}

var shortTypes = map[string]string{
	"cr": TypeConversationRequest,
	"cs": TypeConversationResponse,
	"gs": TypeGameStateUpdate,
	"ac": TypeActionCommand,
	"er": TypeError,
}

var (
	longFields = invert(shortFields)
	longTypes  = invert(shortTypes)
)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// legacyAliases lists, per canonical field, the keys of a nested "data"
// object in precedence order.
var legacyAliases = []struct {
	field string
	keys  []string
}{
	{FieldPlayerName, []string{"playerName", "player_name", "player"}},
	{FieldMessage, []string{"message", "msg"}},
	{FieldCompanionName, []string{"companionName", "companion_name", "companion"}},
	{FieldAction, []string{"action"}},
	{FieldPosition, []string{"position"}},
	{FieldHealth, []string{"health", "hp"}},
}

func asMessage(input any) (Message, bool) {
	switch m := input.(type) {
	case Message:
		return m, true
	case map[string]any:
		return Message(m), true
	default:
		return nil, false
	}
}

// ExpandType maps a short type code to its long form. Unmapped values are
// returned unchanged.
func ExpandType(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if long, ok := shortTypes[s]; ok {
		return long
	}
	return s
}

// ShortType maps a long type to its short code. Unmapped values are
// returned unchanged.
func ShortType(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if short, ok := longTypes[s]; ok {
		return short
	}
	return s
}

// Normalize converts a compact, long or legacy message into the canonical
// long form. The result never carries a "data" key.
//
// Short codes are applied first so an explicit long key wins when a frame
// carries both spellings. Fields lifted out of a legacy "data" object win
// over top-level fields of the same name.
func Normalize(input any) (Message, error) {
	in, ok := asMessage(input)
	if !ok {
		return nil, ErrInvalidInput
	}

	out := make(Message, len(in))
	for k, v := range in {
		long, ok := shortFields[k]
		if !ok {
			continue
		}
		if long == FieldType {
			v = ExpandType(v)
		}
		out[long] = v
	}
	for k, v := range in {
		if _, ok := shortFields[k]; ok || k == fieldData {
			continue
		}
		if k == FieldType {
			v = ExpandType(v)
		}
		out[k] = v
	}

	if data, ok := asMessage(in[fieldData]); ok {
		for _, alias := range legacyAliases {
			for _, key := range alias.keys {
				if v, ok := data[key]; ok {
					out[alias.field] = v
					break
				}
			}
		}
	}

	if t, ok := out[FieldType]; ok {
		out[FieldType] = ExpandType(t)
	}
	return out, nil
}

// Compact converts a message to the short-code encoding used for size
// accounting. Keys without a short code pass through.
func Compact(input any) (Message, error) {
	in, ok := asMessage(input)
	if !ok {
		return nil, ErrInvalidInput
	}

	out := make(Message, len(in))
	for k, v := range in {
		if k == FieldType {
			out["t"] = ShortType(v)
			continue
		}
		if short, ok := longFields[k]; ok {
			out[short] = v
			continue
		}
		out[k] = v
	}
	return out, nil
}

// GetString returns the value of key if it is a string.
func (m Message) GetString(key string) string {
	s, _ := m[key].(string)
	return s
}

// Type returns the message type, or "" if absent.
func (m Message) Type() string {
	return m.GetString(FieldType)
}
