package channel

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ICE6332/MineCompanion-WebUI/internal/bus"
	"github.com/ICE6332/MineCompanion-WebUI/internal/metrics"
)

type fakeStats struct {
	resets int
}

func (f *fakeStats) Stats() metrics.MessageStats {
	return metrics.MessageStats{TotalReceived: 3, MessagesPerType: map[string]int{"connection_init": 3}}
}

func (f *fakeStats) ConnectionStatus() metrics.ConnectionStatus {
	return metrics.ConnectionStatus{ModClientID: "mod-1"}
}

func (f *fakeStats) ResetStats() { f.resets++ }

type frame struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Events  []bus.Event     `json:"events"`
	Event   bus.Event       `json:"event"`
	Data    json.RawMessage `json:"data"`
}

func startWebUI(t *testing.T, b *bus.EventBus, stats StatsSource) (*WebUIChannel, *websocket.Conn, context.Context) {
	t.Helper()
	ch := NewWebUIChannel(b, stats, nil)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := httptest.NewServer(ch)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return ch, conn, ctx
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) frame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return f
}

func TestNewWebUIChannel(t *testing.T) {
	ch := NewWebUIChannel(newBus(), &fakeStats{}, nil)
	if ch.Name() != "webui" {
		t.Errorf("Name() = %q, want %q", ch.Name(), "webui")
	}
}

func TestWebUIChannel_HistoryThenStats(t *testing.T) {
	b := newBus()
	b.Publish(bus.ModConnected, map[string]any{"client_id": "mod-1"})
	b.Publish(bus.MessageReceived, map[string]any{"client_id": "mod-1"})

	_, conn, ctx := startWebUI(t, b, &fakeStats{})

	hist := readFrame(t, ctx, conn)
	if hist.Type != "history" {
		t.Fatalf("first frame = %q, want history", hist.Type)
	}
	if len(hist.Events) != 2 || hist.Events[0].Type != bus.ModConnected {
		t.Errorf("history = %+v", hist.Events)
	}

	st := readFrame(t, ctx, conn)
	if st.Type != "stats" {
		t.Fatalf("second frame = %q, want stats", st.Type)
	}
	if !strings.Contains(string(st.Data), `"connection_status"`) || !strings.Contains(string(st.Data), `"mod-1"`) {
		t.Errorf("stats data = %s", st.Data)
	}
}

func TestWebUIChannel_ForwardsEvents(t *testing.T) {
	b := newBus()
	ch, conn, ctx := startWebUI(t, b, &fakeStats{})
	readFrame(t, ctx, conn)
	readFrame(t, ctx, conn)

	b.Publish(bus.TokenStats, map[string]any{"saved_tokens": 4})

	ev := readFrame(t, ctx, conn)
	if ev.Type != "event" || ev.Event.Type != bus.TokenStats {
		t.Errorf("frame = %+v", ev)
	}
	if ch.Clients() != 1 {
		t.Errorf("Clients() = %d, want 1", ch.Clients())
	}
}

func TestWebUIChannel_Commands(t *testing.T) {
	b := newBus()
	b.Publish(bus.ModConnected, nil)
	stats := &fakeStats{}
	_, conn, ctx := startWebUI(t, b, stats)
	readFrame(t, ctx, conn)
	readFrame(t, ctx, conn)

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"clear_history"}`)); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, ctx, conn); f.Type != "ack" {
		t.Errorf("clear_history reply = %+v", f)
	}
	if b.Len() != 0 {
		t.Errorf("history len = %d after clear", b.Len())
	}

	conn.Write(ctx, websocket.MessageText, []byte(`{"type":"reset_stats"}`))
	if f := readFrame(t, ctx, conn); f.Type != "ack" {
		t.Errorf("reset_stats reply = %+v", f)
	}
	if f := readFrame(t, ctx, conn); f.Type != "stats" {
		t.Errorf("reset_stats should broadcast stats, got %+v", f)
	}
	if stats.resets != 1 {
		t.Errorf("resets = %d, want 1", stats.resets)
	}

	conn.Write(ctx, websocket.MessageText, []byte(`not json`))
	conn.Write(ctx, websocket.MessageText, []byte(`{"type":"get_stats"}`))
	if f := readFrame(t, ctx, conn); f.Type != "stats" {
		t.Errorf("get_stats reply = %+v", f)
	}
}

func TestWebUIChannel_Stop(t *testing.T) {
	b := newBus()
	ch, conn, ctx := startWebUI(t, b, &fakeStats{})
	readFrame(t, ctx, conn)
	readFrame(t, ctx, conn)

	if err := ch.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("connection should be closed after Stop")
	}
	if ch.Clients() != 0 {
		t.Errorf("Clients() = %d after Stop", ch.Clients())
	}
}

func TestWebUIChannel_BroadcastNoClients(t *testing.T) {
	ch := NewWebUIChannel(newBus(), &fakeStats{}, nil)
	ch.BroadcastStats()
	ch.Broadcast(map[string]any{"type": "x"})
}

func TestWebUIChannel_JoinDuringPublishing(t *testing.T) {
	b := bus.New(bus.Options{HistorySize: 10})
	ch := NewWebUIChannel(b, &fakeStats{}, nil)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := httptest.NewServer(ch)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stop := make(chan struct{})
	published := make(chan struct{})
	go func() {
		defer close(published)
		for n := 0; n < 300; n++ {
			select {
			case <-stop:
				return
			default:
				b.Publish(bus.MessageReceived, map[string]any{"client_id": "mod-1"})
				time.Sleep(time.Millisecond)
			}
		}
	}()

	const clients = 5
	conns := make([]*websocket.Conn, 0, clients)
	for i := 0; i < clients; i++ {
		conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { conn.CloseNow() })
		conns = append(conns, conn)
	}
	for ch.Clients() < clients {
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	<-published
	last := b.Publish(bus.ModDisconnected, map[string]any{"client_id": "mod-1"})

	for i, conn := range conns {
		first := readFrame(t, ctx, conn)
		if first.Type != "history" {
			t.Fatalf("client %d: first frame = %q, want history", i, first.Type)
		}
		seen := make(map[string]bool)
		for _, ev := range first.Events {
			seen[ev.ID] = true
		}
		if f := readFrame(t, ctx, conn); f.Type != "stats" {
			t.Fatalf("client %d: second frame = %q, want stats", i, f.Type)
		}
		for {
			f := readFrame(t, ctx, conn)
			if f.Type != "event" {
				t.Fatalf("client %d: unexpected frame %q", i, f.Type)
			}
			if seen[f.Event.ID] {
				t.Fatalf("client %d: event %s delivered twice", i, f.Event.ID)
			}
			seen[f.Event.ID] = true
			if f.Event.ID == last.ID {
				break
			}
		}
	}
}
