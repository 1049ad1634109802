package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "minecompanion"

// promMetrics mirrors the collector counters for scraping. A nil receiver
// is a no-op.
type promMetrics struct {
	receivedTotal *prometheus.CounterVec
	sentTotal     *prometheus.CounterVec
	tokensTotal   prometheus.Counter
	modConnected  prometheus.Gauge
}

func newPromMetrics(reg prometheus.Registerer) (*promMetrics, error) {
	pm := &promMetrics{
		receivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from the mod, by normalized type.",
		}, []string{"type"}),
		sentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages sent to the mod, by type.",
		}, []string{"type"}),
		tokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Compact-encoding tokens recorded for conversation replies.",
		}),
		modConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mod_connected",
			Help:      "1 while a mod connection is marked active.",
		}),
	}
	for _, c := range []prometheus.Collector{pm.receivedTotal, pm.sentTotal, pm.tokensTotal, pm.modConnected} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return pm, nil
}

func (p *promMetrics) received(t string) {
	if p != nil {
		p.receivedTotal.WithLabelValues(t).Inc()
	}
}

func (p *promMetrics) sent(t string) {
	if p != nil {
		p.sentTotal.WithLabelValues(t).Inc()
	}
}

func (p *promMetrics) tokens(n int) {
	if p != nil && n > 0 {
		p.tokensTotal.Add(float64(n))
	}
}

func (p *promMetrics) connected(on bool) {
	if p == nil {
		return
	}
	if on {
		p.modConnected.Set(1)
	} else {
		p.modConnected.Set(0)
	}
}
