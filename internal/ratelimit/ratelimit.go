package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultMaxMessages = 100
	DefaultWindow      = 60 * time.Second
)

type Config struct {
	MaxMessages int
	Window      time.Duration
}

func DefaultConfig() Config {
	return Config{MaxMessages: DefaultMaxMessages, Window: DefaultWindow}
}

// window holds the accepted timestamps of one client, oldest first.
type window struct {
	mu    sync.Mutex
	stamp []time.Time
}

// Limiter is a per-client sliding-window admission check.
type Limiter struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	clients map[string]*window
}

// New creates a limiter. Non-positive settings fall back to the defaults and
// a nil clock means wall time.
func New(cfg Config, clk clock.Clock) *Limiter {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clk,
		clients: make(map[string]*window),
	}
}

func (l *Limiter) Config() Config {
	return l.cfg
}

func (l *Limiter) window(clientID string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.clients[clientID]
	if !ok {
		w = &window{}
		l.clients[clientID] = w
	}
	return w
}

// CheckAndRecord reports whether clientID may send another message now.
// Rejected attempts are not recorded.
func (l *Limiter) CheckAndRecord(clientID string) bool {
	w := l.window(clientID)
	now := l.clock.Now()
	cutoff := now.Add(-l.cfg.Window)

	w.mu.Lock()
	defer w.mu.Unlock()

	keep := 0
	for keep < len(w.stamp) && !w.stamp[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.stamp = append(w.stamp[:0], w.stamp[keep:]...)
	}

	if len(w.stamp) >= l.cfg.MaxMessages {
		return false
	}
	w.stamp = append(w.stamp, now)
	return true
}

// Clear drops all state for clientID.
func (l *Limiter) Clear(clientID string) {
	l.mu.Lock()
	delete(l.clients, clientID)
	l.mu.Unlock()
}

// Clients is the number of clients currently tracked.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
