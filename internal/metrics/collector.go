package metrics

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	TrendHours     = 24
	trendRetention = TrendHours * time.Hour
)

type MessageStats struct {
	TotalReceived   int            `json:"total_received"`
	TotalSent       int            `json:"total_sent"`
	MessagesPerType map[string]int `json:"messages_per_type"`
	LastResetAt     time.Time      `json:"last_reset_at"`
}

type ConnectionStatus struct {
	ModClientID      string     `json:"mod_client_id,omitempty"`
	ModConnectedAt   *time.Time `json:"mod_connected_at"`
	ModLastMessageAt *time.Time `json:"mod_last_message_at"`
	LLMProvider      string     `json:"llm_provider,omitempty"`
	LLMReady         bool       `json:"llm_ready"`
}

type TokenTrendPoint struct {
	Hour      string    `json:"hour"`
	Tokens    int       `json:"tokens"`
	Timestamp time.Time `json:"timestamp"`
}

type TokenTrendStats struct {
	Trend       []TokenTrendPoint `json:"trend"`
	TotalTokens int               `json:"total_tokens"`
	LastUpdated time.Time         `json:"last_updated"`
}

type Options struct {
	Clock clock.Clock
	// Registerer receives the Prometheus mirror of the counters. Nil
	// disables it.
	Registerer prometheus.Registerer
}

// Collector aggregates message counters, the mod connection status and the
// hourly token trend.
type Collector struct {
	clock clock.Clock
	prom  *promMetrics

	mu     sync.RWMutex
	stats  MessageStats
	status ConnectionStatus
	trend  map[time.Time]int // UTC hour -> tokens
}

func New(opts Options) (*Collector, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	c := &Collector{
		clock: opts.Clock,
		trend: make(map[time.Time]int),
	}
	if opts.Registerer != nil {
		pm, err := newPromMetrics(opts.Registerer)
		if err != nil {
			return nil, err
		}
		c.prom = pm
	}
	c.stats = c.freshStats()
	return c, nil
}

func (c *Collector) now() time.Time {
	return c.clock.Now().UTC()
}

func (c *Collector) freshStats() MessageStats {
	return MessageStats{MessagesPerType: make(map[string]int), LastResetAt: c.now()}
}

func (c *Collector) RecordReceived(msgType string) {
	c.mu.Lock()
	c.stats.TotalReceived++
	c.stats.MessagesPerType[msgType]++
	c.mu.Unlock()
	c.prom.received(msgType)
}

func (c *Collector) RecordSent(msgType string) {
	c.mu.Lock()
	c.stats.TotalSent++
	c.stats.MessagesPerType[msgType]++
	c.mu.Unlock()
	c.prom.sent(msgType)
}

func (c *Collector) SetConnected(clientID string) {
	now := c.now()
	c.mu.Lock()
	c.status.ModClientID = clientID
	c.status.ModConnectedAt = &now
	c.mu.Unlock()
	c.prom.connected(true)
}

func (c *Collector) SetDisconnected() {
	c.mu.Lock()
	c.status.ModClientID = ""
	c.status.ModConnectedAt = nil
	c.mu.Unlock()
	c.prom.connected(false)
}

func (c *Collector) UpdateLastMessage() {
	now := c.now()
	c.mu.Lock()
	c.status.ModLastMessageAt = &now
	c.mu.Unlock()
}

func (c *Collector) SetLLMStatus(provider string, ready bool) {
	c.mu.Lock()
	c.status.LLMProvider = provider
	c.status.LLMReady = ready
	c.mu.Unlock()
}

// RecordTokenUsage adds n tokens to the current UTC hour and purges
// buckets older than 24 hours.
func (c *Collector) RecordTokenUsage(n int) {
	now := c.now()
	c.mu.Lock()
	c.trend[now.Truncate(time.Hour)] += n
	c.purgeLocked(now)
	c.mu.Unlock()
	c.prom.tokens(n)
}

// PurgeTokenTrend drops stale buckets without recording usage.
func (c *Collector) PurgeTokenTrend() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(c.now())
}

func (c *Collector) purgeLocked(now time.Time) int {
	cutoff := now.Add(-trendRetention)
	removed := 0
	for hour := range c.trend {
		if hour.Before(cutoff) {
			delete(c.trend, hour)
			removed++
		}
	}
	return removed
}

// TokenTrend returns the trailing 24 hourly points ending at the current
// hour, oldest first.
func (c *Collector) TokenTrend() TokenTrendStats {
	current := c.now().Truncate(time.Hour)

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := TokenTrendStats{
		Trend:       make([]TokenTrendPoint, 0, TrendHours),
		LastUpdated: current,
	}
	for offset := TrendHours - 1; offset >= 0; offset-- {
		hour := current.Add(-time.Duration(offset) * time.Hour)
		tokens := c.trend[hour]
		out.TotalTokens += tokens
		out.Trend = append(out.Trend, TokenTrendPoint{
			Hour:      hour.Format("15:04"),
			Tokens:    tokens,
			Timestamp: hour,
		})
	}
	return out
}

// TrendBuckets is the number of hourly buckets currently held.
func (c *Collector) TrendBuckets() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.trend)
}

func (c *Collector) Stats() MessageStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.stats
	out.MessagesPerType = make(map[string]int, len(c.stats.MessagesPerType))
	for k, v := range c.stats.MessagesPerType {
		out.MessagesPerType[k] = v
	}
	return out
}

func (c *Collector) ConnectionStatus() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.status
	if out.ModConnectedAt != nil {
		t := *out.ModConnectedAt
		out.ModConnectedAt = &t
	}
	if out.ModLastMessageAt != nil {
		t := *out.ModLastMessageAt
		out.ModLastMessageAt = &t
	}
	return out
}

// ResetStats zeroes the message counters. Connection status and the token
// trend are kept.
func (c *Collector) ResetStats() {
	fresh := c.freshStats()
	c.mu.Lock()
	c.stats = fresh
	c.mu.Unlock()
}
