package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ICE6332/MineCompanion-WebUI/internal/bus"
	"github.com/ICE6332/MineCompanion-WebUI/internal/metrics"
	"github.com/ICE6332/MineCompanion-WebUI/internal/protocol"
)

// Version is reported by the health endpoints.
const Version = "0.4.0"

const (
	maxBodyBytes      = 1 << 20
	defaultTestTokens = 100
	mockReplyText     = "Okay, I'll follow you!"
	mockReplyCommand  = "/say Got it!"
)

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", g.serveMod)
	mux.Handle("GET /ws/monitor", g.monitor)

	mux.HandleFunc("POST /api/ws/send-json", g.handleSendJSON)
	mux.HandleFunc("POST /api/llm/player", g.handleLLMPlayer)
	mux.HandleFunc("GET /api/stats", g.handleStats)
	mux.HandleFunc("GET /api/stats/token-trend", g.handleTokenTrend)
	mux.HandleFunc("POST /api/stats/token-trend/test", g.handleTokenTrendTest)
	mux.HandleFunc("GET /api/events", g.handleEvents)

	for _, p := range []string{"/health", "/health/{$}", "/api/health", "/api/health/{$}"} {
		mux.HandleFunc("GET "+p, g.handleHealth)
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(g.promRegistry, promhttp.HandlerOpts{}))

	return cors(mux)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// readObject decodes the request body as a JSON object, dropping top-level
// null values.
func readObject(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("body must be a JSON object")
	}
	for k, v := range obj {
		if v == nil {
			delete(obj, k)
		}
	}
	return obj, nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// handleSendJSON pushes an arbitrary message to the active mod connection.
func (g *Gateway) handleSendJSON(w http.ResponseWriter, r *http.Request) {
	msg, err := readObject(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	msgType, ok := msg[protocol.FieldType].(string)
	if !ok || msgType == "" {
		writeDetail(w, http.StatusBadRequest, "field \"type\" must be a non-empty string")
		return
	}

	target, h, err := g.registry.Target(g.metrics.ConnectionStatus().ModClientID)
	if err != nil {
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err := h.WriteJSON(r.Context(), msg); err != nil {
		g.logger.Warn("push to mod failed", zap.String("client_id", target), zap.Error(err))
		writeDetail(w, http.StatusServiceUnavailable, ErrConnectionUnavailable.Error()+": "+err.Error())
		return
	}

	g.metrics.RecordSent(msgType)
	g.bus.Publish(bus.MessageSent, map[string]any{
		"client_id":    target,
		"message_type": msgType,
		"timestamp":    g.timestamp(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "target": target, "type": msgType})
}

func (g *Gateway) handleLLMPlayer(w http.ResponseWriter, r *http.Request) {
	req, err := readObject(r)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid JSON body: "+err.Error())
		return
	}
	if t, _ := req[protocol.FieldType].(string); t != protocol.TypeConversationRequest {
		writeDetail(w, http.StatusUnprocessableEntity, "field \"type\" must be \"conversation_request\"")
		return
	}
	player, _ := req[protocol.FieldPlayerName].(string)
	if player == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "field \"playerName\" is required")
		return
	}

	compactReq, err := protocol.Compact(req)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "LLM processing failed")
		return
	}
	g.logger.Info("llm request compacted", zap.Any("compact", compactReq))

	mock := protocol.Message{
		protocol.FieldType:       protocol.TypeConversationResponse,
		protocol.FieldPlayerName: player,
		protocol.FieldMessage:    mockReplyText,
		protocol.FieldAction: []any{
			map[string]any{"type": "command", "command": mockReplyCommand},
		},
	}
	compactResp, err := protocol.Compact(mock)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "LLM processing failed")
		return
	}
	expanded, err := protocol.Normalize(compactResp)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "LLM processing failed")
		return
	}
	writeJSON(w, http.StatusOK, expanded)
}

type statsResponse struct {
	Stats            metrics.MessageStats     `json:"stats"`
	ConnectionStatus metrics.ConnectionStatus `json:"connection_status"`
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:            g.metrics.Stats(),
		ConnectionStatus: g.metrics.ConnectionStatus(),
	})
}

func (g *Gateway) handleTokenTrend(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.metrics.TokenTrend())
}

func (g *Gateway) handleTokenTrendTest(w http.ResponseWriter, r *http.Request) {
	tokens := defaultTestTokens
	if v := r.URL.Query().Get("tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeDetail(w, http.StatusUnprocessableEntity, "tokens must be a non-negative integer")
			return
		}
		tokens = n
	}
	g.metrics.RecordTokenUsage(tokens)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"tokens_added": tokens,
		"message":      "added " + strconv.Itoa(tokens) + " tokens to the current hour",
	})
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := g.bus.Capacity()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeDetail(w, http.StatusUnprocessableEntity, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": g.bus.RecentEvents(limit)})
}
