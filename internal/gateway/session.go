package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ICE6332/MineCompanion-WebUI/internal/bus"
	"github.com/ICE6332/MineCompanion-WebUI/internal/config"
	"github.com/ICE6332/MineCompanion-WebUI/internal/llm"
	"github.com/ICE6332/MineCompanion-WebUI/internal/protocol"
)

const (
	// DefaultCompanionName is the companion that signs conversation replies.
	DefaultCompanionName = "AICompanion"

	previewRunes = 100

	msgTypeInvalidJSON    = "invalid_json"
	msgTypeError          = "error"
	msgTypeConnectionAck  = "connection_ack"
	msgTypeGameStateAck   = "game_state_ack"
	msgTypeConversation   = "conversation"
	defaultPlayerName     = "Unknown"
	errMsgRateLimited     = "rate limited"
	errMsgInvalidJSON     = "cannot parse JSON"
	errMsgInvalidProtocol = "cannot parse protocol fields"
	errMsgInternal        = "internal error"
)

// session runs the receive loop of one mod connection. Frames are handled
// strictly in arrival order.
type session struct {
	g      *Gateway
	id     string
	conn   *modConn
	logger *zap.Logger
}

func (g *Gateway) serveMod(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Warn("websocket accept error", zap.Error(err))
		return
	}

	id := "mod-" + uuid.NewString()
	s := &session{
		g:      g,
		id:     id,
		conn:   newModConn(ws),
		logger: g.logger.With(zap.String("client_id", id)),
	}
	s.run(r.Context(), ws)
}

func (s *session) run(ctx context.Context, ws *websocket.Conn) {
	g := s.g
	g.registry.Add(s.id, s.conn)
	g.registry.SetPrimary(s.id)
	g.bus.Publish(bus.ModConnected, map[string]any{"client_id": s.id, "timestamp": g.timestamp()})
	g.metrics.SetConnected(s.id)
	s.logger.Info("mod connected")

	defer s.cleanup()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			s.logger.Info("mod disconnected", zap.String("reason", closeReason(err)))
			return
		}
		if err := s.handleFrame(ctx, data); err != nil {
			s.logger.Warn("session ended", zap.Error(err))
			ws.CloseNow()
			return
		}
	}
}

func closeReason(err error) string {
	if st := websocket.CloseStatus(err); st != -1 {
		return st.String()
	}
	return err.Error()
}

func (s *session) cleanup() {
	g := s.g
	g.bus.Publish(bus.ModDisconnected, map[string]any{"client_id": s.id, "timestamp": g.timestamp()})
	if g.metrics.ConnectionStatus().ModClientID == s.id {
		g.metrics.SetDisconnected()
	}
	g.limiter.Clear(s.id)
	g.registry.Remove(s.id)
}

// handleFrame processes one inbound frame. Only write failures are returned;
// every other problem is answered on the socket and the loop continues.
func (s *session) handleFrame(ctx context.Context, data []byte) error {
	g := s.g
	// Any inbound frame counts as activity for the idle sweep.
	g.registry.Touch(s.id)

	if !g.limiter.CheckAndRecord(s.id) {
		s.logger.Debug("frame rejected", zap.Error(ErrRateLimited))
		return s.send(ctx, errorFrame(errMsgRateLimited, ""))
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Debug("frame rejected", zap.Error(fmt.Errorf("%w: %v", ErrParse, err)))
		return s.rejectJSON(ctx, data)
	}

	msg, err := protocol.Normalize(raw)
	if err != nil {
		s.logger.Debug("frame rejected", zap.Error(fmt.Errorf("%w: %w", ErrProtocol, err)))
		if err := s.send(ctx, errorFrame(errMsgInvalidProtocol, "")); err != nil {
			return err
		}
		s.recordSent(msgTypeError)
		return nil
	}

	in := protocol.Decode(msg)
	g.bus.Publish(bus.MessageReceived, map[string]any{
		"client_id":    s.id,
		"message_type": in.Kind(),
		"timestamp":    g.timestamp(),
		"preview":      preview(data),
	})
	g.metrics.RecordReceived(in.Kind())
	g.metrics.UpdateLastMessage()

	if err := s.dispatch(ctx, in); err != nil {
		if errors.Is(err, errWriteFailed) {
			return err
		}
		return s.handlerFailed(ctx, in.Kind(), err)
	}
	return nil
}

func (s *session) rejectJSON(ctx context.Context, data []byte) error {
	g := s.g
	if err := s.send(ctx, errorFrame(errMsgInvalidJSON, "")); err != nil {
		return err
	}
	g.bus.Publish(bus.MessageReceived, map[string]any{
		"client_id":    s.id,
		"message_type": msgTypeInvalidJSON,
		"timestamp":    g.timestamp(),
		"preview":      preview(data),
	})
	g.metrics.RecordReceived(msgTypeInvalidJSON)
	g.metrics.UpdateLastMessage()
	s.recordSent(msgTypeError)
	return nil
}

func (s *session) dispatch(ctx context.Context, in protocol.Inbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandlerFailure, r)
		}
	}()

	switch m := in.(type) {
	case protocol.ConnectionInit:
		return s.handleConnectionInit(ctx)
	case protocol.GameStateUpdate:
		return s.handleGameState(ctx, m)
	case protocol.ConversationRequest:
		return s.handleConversation(ctx, m)
	case protocol.ErrorMessage:
		s.logger.Warn("mod reported error", zap.String("message", m.Text))
		s.g.bus.Publish(bus.Error, map[string]any{
			"client_id": s.id,
			"source":    "mod",
			"message":   m.Text,
			"timestamp": s.g.timestamp(),
		}, bus.SeverityWarning)
		return s.handleUnknown(ctx, m.Kind())
	default:
		return s.handleUnknown(ctx, in.Kind())
	}
}

func (s *session) handleConnectionInit(ctx context.Context) error {
	resp := map[string]any{
		"type":      msgTypeConnectionAck,
		"timestamp": s.g.timestamp(),
		"data":      map[string]any{"client_id": s.id},
	}
	if err := s.send(ctx, resp); err != nil {
		return err
	}
	s.recordSent(msgTypeConnectionAck)
	return nil
}

func (s *session) handleGameState(ctx context.Context, m protocol.GameStateUpdate) error {
	player := m.PlayerName
	if player == "" {
		player = defaultPlayerName
	}
	resp := map[string]any{
		"type":      msgTypeGameStateAck,
		"timestamp": s.g.timestamp(),
		"data":      map[string]any{"status": "received", "player": player},
	}
	if err := s.send(ctx, resp); err != nil {
		return err
	}
	s.recordSent(msgTypeGameStateAck)
	return nil
}

func (s *session) handleConversation(ctx context.Context, m protocol.ConversationRequest) error {
	g := s.g
	var id any = uuid.NewString()
	if m.ID != nil {
		id = m.ID
	}

	reply, err := s.reply(ctx, llm.Prompt{PlayerName: m.PlayerName, CompanionName: m.CompanionName, Text: m.Text})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandlerFailure, err)
	}

	standard := protocol.Message{
		protocol.FieldID:            id,
		protocol.FieldType:          protocol.TypeConversationResponse,
		protocol.FieldCompanionName: DefaultCompanionName,
		protocol.FieldMessage:       reply.Text,
	}
	compact, err := protocol.Compact(standard)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandlerFailure, err)
	}
	stats, err := protocol.CompareTokens(g.counter, standard, compact)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandlerFailure, err)
	}
	s.logger.Debug("token stats",
		zap.Int("standard", stats.StandardTokens),
		zap.Int("compact", stats.CompactTokens),
		zap.Float64("saved_percent", stats.SavedPercent))

	if err := s.send(ctx, standard); err != nil {
		return err
	}
	g.metrics.RecordSent(protocol.TypeConversationResponse)
	g.metrics.RecordTokenUsage(stats.CompactTokens)

	event := stats.Map()
	event["client_id"] = s.id
	event["message_type"] = msgTypeConversation
	g.bus.Publish(bus.TokenStats, event)
	s.publishSent(protocol.TypeConversationResponse)
	return nil
}

// reply asks the responder for the companion's answer, wrapping remote
// providers in llm_request/llm_response events.
func (s *session) reply(ctx context.Context, p llm.Prompt) (llm.Reply, error) {
	g := s.g
	provider := g.responder.Name()
	if provider == config.ProviderEcho {
		return g.responder.Reply(ctx, p)
	}

	g.bus.Publish(bus.LLMRequest, map[string]any{
		"client_id": s.id,
		"provider":  provider,
		"player":    p.PlayerName,
		"timestamp": g.timestamp(),
	})
	start := g.clock.Now()
	reply, err := g.responder.Reply(ctx, p)
	data := map[string]any{
		"client_id":   s.id,
		"provider":    provider,
		"duration_ms": g.clock.Since(start).Milliseconds(),
		"timestamp":   g.timestamp(),
	}
	if err != nil {
		data["error"] = err.Error()
		g.bus.Publish(bus.LLMResponse, data, bus.SeverityError)
		return llm.Reply{}, err
	}
	data["tokens"] = reply.Tokens
	data["cached"] = reply.Cached
	g.bus.Publish(bus.LLMResponse, data)
	return reply, nil
}

func (s *session) handleUnknown(ctx context.Context, msgType string) error {
	s.logger.Debug("unhandled frame", zap.Error(fmt.Errorf("%w: %s", ErrUnknownMessageType, msgType)))
	if err := s.send(ctx, errorFrame("unknown type: "+msgType, s.id)); err != nil {
		return err
	}
	s.recordSent(msgTypeError)
	return nil
}

// handlerFailed applies the configured visibility policy to a handler error.
func (s *session) handlerFailed(ctx context.Context, msgType string, err error) error {
	g := s.g
	s.logger.Error("handler failed", zap.String("message_type", msgType), zap.Error(err))
	g.bus.Publish(bus.Error, map[string]any{
		"client_id":    s.id,
		"source":       "handler",
		"message_type": msgType,
		"message":      err.Error(),
		"timestamp":    g.timestamp(),
	}, bus.SeverityError)

	if g.cfg.Gateway.HandlerErrors != config.HandlerErrorsReport {
		return nil
	}
	if err := s.send(ctx, errorFrame(errMsgInternal, s.id)); err != nil {
		return err
	}
	s.recordSent(msgTypeError)
	return nil
}

func (s *session) send(ctx context.Context, v any) error {
	if err := s.conn.WriteJSON(ctx, v); err != nil {
		return fmt.Errorf("%w: %w", errWriteFailed, err)
	}
	return nil
}

func (s *session) recordSent(msgType string) {
	s.g.metrics.RecordSent(msgType)
	s.publishSent(msgType)
}

func (s *session) publishSent(msgType string) {
	s.g.bus.Publish(bus.MessageSent, map[string]any{
		"client_id":    s.id,
		"message_type": msgType,
		"timestamp":    s.g.timestamp(),
	})
}

func errorFrame(message, clientID string) map[string]any {
	data := map[string]any{"message": message}
	if clientID != "" {
		data["client_id"] = clientID
	}
	return map[string]any{"type": msgTypeError, "data": data}
}

func preview(data []byte) string {
	r := []rune(string(data))
	if len(r) > previewRunes {
		r = r[:previewRunes]
	}
	return string(r)
}

func (g *Gateway) timestamp() string {
	return g.clock.Now().UTC().Format(time.RFC3339Nano)
}
