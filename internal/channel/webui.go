package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/ICE6332/MineCompanion-WebUI/internal/bus"
	"github.com/ICE6332/MineCompanion-WebUI/internal/metrics"
)

const (
	webUIChannelName = "webui"
	clientBuffer     = 64
	writeTimeout     = 5 * time.Second
)

// StatsSource is the part of the metrics collector the monitor feed reads.
type StatsSource interface {
	Stats() metrics.MessageStats
	ConnectionStatus() metrics.ConnectionStatus
	ResetStats()
}

type wsCommand struct {
	Type string `json:"type"`
}

type statsFrame struct {
	Type string    `json:"type"`
	Data statsData `json:"data"`
}

type statsData struct {
	Stats            metrics.MessageStats     `json:"stats"`
	ConnectionStatus metrics.ConnectionStatus `json:"connection_status"`
}

type wsClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	// inHistory holds the ids already sent in the history frame. Read-only
	// once the client is registered.
	inHistory map[string]struct{}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.CloseNow()
	})
}

// WebUIChannel streams the event history, live events and stats snapshots
// to dashboard clients over websocket.
type WebUIChannel struct {
	BaseChannel
	stats        StatsSource
	historyLimit int
	logger       *zap.Logger

	clients sync.Map
	nextID  atomic.Int64
	// joinMu orders a client's history snapshot against live event fan-out.
	joinMu  sync.RWMutex
	mu      sync.Mutex
	subs    []bus.Subscription
}

func NewWebUIChannel(b *bus.EventBus, stats StatsSource, logger *zap.Logger) *WebUIChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebUIChannel{
		BaseChannel:  NewBaseChannel(webUIChannelName, b, nil),
		stats:        stats,
		historyLimit: b.Capacity(),
		logger:       logger.Named(webUIChannelName),
	}
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.subs != nil {
		return nil
	}
	w.subs = w.subscribe(w.forward)
	return nil
}

// ServeHTTP upgrades a dashboard connection and serves it until it closes.
func (w *WebUIChannel) ServeHTTP(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		w.logger.Warn("websocket accept error", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   fmt.Sprintf("webui-%d", w.nextID.Add(1)),
		conn: conn,
		send: make(chan []byte, clientBuffer),
		done: make(chan struct{}),
	}
	w.join(client)
	w.logger.Info("client connected", zap.String("client_id", client.id))

	defer func() {
		w.clients.Delete(client.id)
		client.close()
		w.logger.Info("client disconnected", zap.String("client_id", client.id))
	}()

	go w.writeLoop(client)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		w.handleCommand(client, cmd)
	}
}

// join queues the history and stats frames and registers the client for
// live events. An event is delivered either in the history or live, never
// both, and live events always follow the history frame.
func (w *WebUIChannel) join(c *wsClient) {
	w.joinMu.Lock()
	defer w.joinMu.Unlock()

	history := w.bus.RecentEvents(w.historyLimit)
	c.inHistory = make(map[string]struct{}, len(history))
	for _, ev := range history {
		c.inHistory[ev.ID] = struct{}{}
	}
	w.sendTo(c, map[string]any{"type": "history", "events": history})
	w.sendTo(c, w.statsFrame())
	w.clients.Store(c.id, c)
}

func (w *WebUIChannel) forward(ev bus.Event) {
	data, err := json.Marshal(map[string]any{"type": "event", "event": ev})
	if err != nil {
		w.logger.Error("marshal event", zap.Error(err))
		return
	}

	w.joinMu.RLock()
	defer w.joinMu.RUnlock()
	w.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		if _, seen := c.inHistory[ev.ID]; !seen {
			w.enqueue(c, data)
		}
		return true
	})
}

func (w *WebUIChannel) handleCommand(client *wsClient, cmd wsCommand) {
	switch cmd.Type {
	case "clear_history":
		w.bus.ClearHistory()
		w.sendTo(client, ack("event history cleared"))
	case "reset_stats":
		w.stats.ResetStats()
		w.sendTo(client, ack("statistics reset"))
		w.Broadcast(w.statsFrame())
	case "get_stats":
		w.sendTo(client, w.statsFrame())
	default:
		w.logger.Debug("ignored command", zap.String("client_id", client.id), zap.String("type", cmd.Type))
	}
}

func ack(msg string) map[string]any {
	return map[string]any{"type": "ack", "message": msg}
}

func (w *WebUIChannel) statsFrame() statsFrame {
	return statsFrame{
		Type: "stats",
		Data: statsData{Stats: w.stats.Stats(), ConnectionStatus: w.stats.ConnectionStatus()},
	}
}

// BroadcastStats pushes a fresh stats snapshot to every client.
func (w *WebUIChannel) BroadcastStats() {
	w.Broadcast(w.statsFrame())
}

// Broadcast queues v for every client. Clients whose queue is full are
// dropped.
func (w *WebUIChannel) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("marshal broadcast", zap.Error(err))
		return
	}
	w.clients.Range(func(key, value any) bool {
		w.enqueue(value.(*wsClient), data)
		return true
	})
}

func (w *WebUIChannel) sendTo(c *wsClient, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("marshal frame", zap.Error(err))
		return
	}
	w.enqueue(c, data)
}

func (w *WebUIChannel) enqueue(c *wsClient, data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		w.logger.Warn("client too slow, dropping", zap.String("client_id", c.id))
		w.clients.Delete(c.id)
		c.close()
	}
}

func (w *WebUIChannel) writeLoop(c *wsClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				w.clients.Delete(c.id)
				c.close()
				return
			}
		}
	}
}

// Clients is the number of connected dashboards.
func (w *WebUIChannel) Clients() int {
	n := 0
	w.clients.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}

func (w *WebUIChannel) Stop() error {
	w.mu.Lock()
	w.unsubscribe(w.subs)
	w.subs = nil
	w.mu.Unlock()

	w.clients.Range(func(key, value any) bool {
		value.(*wsClient).close()
		w.clients.Delete(key)
		return true
	})
	w.logger.Info("stopped")
	return nil
}
