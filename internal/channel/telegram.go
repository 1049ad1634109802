package channel

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/ICE6332/MineCompanion-WebUI/internal/bus"
	"github.com/ICE6332/MineCompanion-WebUI/internal/config"
)

const (
	telegramChannelName = "telegram"
	alertQueueSize      = 32
	telegramMaxLen      = 4000
)

// alertEvents are the bus events forwarded to the operator chat.
var alertEvents = []bus.EventType{bus.ModConnected, bus.ModDisconnected, bus.Error}

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel posts connection and error alerts to a single chat.
// Events are queued and sent by one worker so a slow Bot API never blocks
// the publisher. Alerts are dropped when the queue is full.
type TelegramChannel struct {
	BaseChannel
	token      string
	chatID     int64
	proxy      string
	bot        TelegramBot
	botFactory BotFactory
	logger     *zap.Logger

	queue  chan bus.Event
	subs   []bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.EventBus, logger *zap.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, logger, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.EventBus, logger *zap.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chatId is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, alertEvents),
		token:       cfg.Token,
		chatID:      cfg.ChatID,
		proxy:       cfg.Proxy,
		botFactory:  factory,
		logger:      logger.Named(telegramChannelName),
		queue:       make(chan bus.Event, alertQueueSize),
	}, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.logger.Info("authorized", zap.String("bot", bot.GetSelf().UserName))
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.subs = t.subscribe(t.enqueue)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case ev := <-t.queue:
				if err := t.Send(FormatAlert(ev)); err != nil {
					t.logger.Warn("send alert failed", zap.String("event", string(ev.Type)), zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("alerts started", zap.Int64("chat_id", t.chatID))
	return nil
}

func (t *TelegramChannel) enqueue(ev bus.Event) {
	select {
	case t.queue <- ev:
	default:
		t.logger.Warn("alert queue full, dropping", zap.String("event", string(ev.Type)))
	}
}

func (t *TelegramChannel) Stop() error {
	t.unsubscribe(t.subs)
	t.subs = nil
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.logger.Info("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// Send posts an HTML-formatted text to the configured chat, splitting on
// newlines to stay under the Bot API message limit.
func (t *TelegramChannel) Send(text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	for len(text) > 0 {
		chunk := text
		if len(chunk) > telegramMaxLen {
			if idx := strings.LastIndex(chunk[:telegramMaxLen], "\n"); idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:telegramMaxLen]
			}
		}
		text = text[len(chunk):]

		msg := tgbotapi.NewMessage(t.chatID, chunk)
		msg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(msg); err != nil {
			// Retry as plain text.
			msg.ParseMode = ""
			if _, err2 := t.bot.Send(msg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
		}
	}
	return nil
}

// FormatAlert renders an event as a short HTML message.
func FormatAlert(ev bus.Event) string {
	var sb strings.Builder
	switch ev.Type {
	case bus.ModConnected:
		sb.WriteString("🟢 <b>mod connected</b>")
	case bus.ModDisconnected:
		sb.WriteString("🔴 <b>mod disconnected</b>")
	case bus.Error:
		sb.WriteString("⚠️ <b>gateway error</b>")
	default:
		sb.WriteString("<b>" + html.EscapeString(string(ev.Type)) + "</b>")
	}
	sb.WriteString("\n<code>" + ev.Timestamp.UTC().Format("2006-01-02 15:04:05") + " UTC</code>")

	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		if k == "timestamp" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: %s", html.EscapeString(k), html.EscapeString(fmt.Sprint(ev.Data[k])))
	}
	return sb.String()
}
