package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	jobStatsBroadcast = "stats-broadcast"
	jobTrendPurge     = "token-trend-purge"
	jobIdleSweep      = "idle-sweep"

	trendPurgeSpec = "0 0 * * * *"
)

func everySpec(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.String()
}

// registerJobs adds the maintenance jobs to the cron service.
func (g *Gateway) registerJobs() error {
	if interval := g.cfg.Monitor.StatsIntervalDuration(); interval > 0 {
		if _, err := g.cron.AddJob(jobStatsBroadcast, everySpec(interval), g.broadcastStats); err != nil {
			return err
		}
	}
	if _, err := g.cron.AddJob(jobTrendPurge, trendPurgeSpec, g.purgeTrend); err != nil {
		return err
	}
	if timeout := g.cfg.Gateway.IdleTimeoutDuration(); timeout > 0 {
		if _, err := g.cron.AddJob(jobIdleSweep, everySpec(timeout/4), g.sweepIdle); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) broadcastStats(ctx context.Context) (string, error) {
	g.monitor.BroadcastStats()
	return fmt.Sprintf("%d clients", g.monitor.Clients()), nil
}

func (g *Gateway) purgeTrend(ctx context.Context) (string, error) {
	return fmt.Sprintf("purged %d buckets", g.metrics.PurgeTokenTrend()), nil
}

// sweepIdle closes mod connections that have been silent longer than the
// idle timeout. The session loops notice the close and run their cleanup.
func (g *Gateway) sweepIdle(ctx context.Context) (string, error) {
	ids := g.registry.IdleSince(g.cfg.Gateway.IdleTimeoutDuration())
	for _, id := range ids {
		h, ok := g.registry.Get(id)
		if !ok || h == nil {
			continue
		}
		g.logger.Info("closing idle connection", zap.String("client_id", id))
		go func() {
			if err := h.Close(closeReasonIdle); err != nil {
				g.logger.Debug("close idle connection", zap.String("client_id", id), zap.Error(err))
			}
		}()
	}
	return fmt.Sprintf("closed %d", len(ids)), nil
}
