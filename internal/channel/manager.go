package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ICE6332/MineCompanion-WebUI/internal/bus"
	"github.com/ICE6332/MineCompanion-WebUI/internal/config"
)

type ChannelManager struct {
	mu       sync.Mutex
	channels map[string]Channel
	bus      *bus.EventBus
	logger   *zap.Logger
}

func NewChannelManager(cfg config.ChannelsConfig, b *bus.EventBus, logger *zap.Logger) (*ChannelManager, error) {
	return NewChannelManagerWithFactory(cfg, b, logger, defaultBotFactory)
}

// NewChannelManagerWithFactory builds the configured channels using factory
// for the Telegram bot.
func NewChannelManagerWithFactory(cfg config.ChannelsConfig, b *bus.EventBus, logger *zap.Logger, factory BotFactory) (*ChannelManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   logger.Named("channel-mgr"),
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannelWithFactory(cfg.Telegram, b, logger, factory)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	return m, nil
}

// Add registers ch, replacing any channel with the same name.
func (m *ChannelManager) Add(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *ChannelManager) snapshot() map[string]Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		out[k] = v
	}
	return out
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	channels := m.snapshot()
	var wg sync.WaitGroup
	errCh := make(chan error, len(channels))

	for name, ch := range channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.logger.Info("starting", zap.String("channel", name))
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	var errs error
	for err := range errCh {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// StopAll stops every channel and returns their combined errors.
func (m *ChannelManager) StopAll() error {
	var errs error
	for name, ch := range m.snapshot() {
		m.logger.Info("stopping", zap.String("channel", name))
		if err := ch.Stop(); err != nil {
			m.logger.Warn("stop failed", zap.String("channel", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errs
}

func (m *ChannelManager) EnabledChannels() []string {
	channels := m.snapshot()
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
