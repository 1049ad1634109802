package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8080
	DefaultRateLimitMessages = 100
	DefaultRateLimitWindow   = 60
	DefaultHistorySize       = 100
	DefaultStatsInterval     = 5
	DefaultLLMCacheTTL       = 3600
	DefaultLLMCacheSize      = 256
	DefaultLLMMaxTokens      = 1024
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"

	HandlerErrorsSilent = "silent"
	HandlerErrorsReport = "report"

	SubscriberPolicyIsolate   = "isolate"
	SubscriberPolicyPropagate = "propagate"

	ProviderEcho      = "echo"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	CounterTiktoken = "tiktoken"
	CounterEstimate = "estimate"

	envPrefix = "MINECOMPANION"
)

type Config struct {
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	RateLimit RateLimitConfig `json:"rateLimit" mapstructure:"rateLimit"`
	Monitor   MonitorConfig   `json:"monitor" mapstructure:"monitor"`
	LLM       LLMConfig       `json:"llm" mapstructure:"llm"`
	Tokens    TokensConfig    `json:"tokens" mapstructure:"tokens"`
	Channels  ChannelsConfig  `json:"channels" mapstructure:"channels"`
	Log       LogConfig       `json:"log" mapstructure:"log"`
}

type GatewayConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
	// IdleTimeout closes mod connections silent for this many seconds. 0 disables it.
	IdleTimeout int `json:"idleTimeout" mapstructure:"idleTimeout"`
	// HandlerErrors is "silent" (log only) or "report" (also send an error frame).
	HandlerErrors string `json:"handlerErrors" mapstructure:"handlerErrors"`
}

type RateLimitConfig struct {
	Messages int `json:"messages" mapstructure:"messages"`
	Window   int `json:"window" mapstructure:"window"` // seconds
}

type MonitorConfig struct {
	HistorySize      int    `json:"historySize" mapstructure:"historySize"`
	StatsInterval    int    `json:"statsInterval" mapstructure:"statsInterval"` // seconds
	SubscriberPolicy string `json:"subscriberPolicy" mapstructure:"subscriberPolicy"`
}

type LLMConfig struct {
	Provider     string         `json:"provider" mapstructure:"provider"`
	Model        string         `json:"model,omitempty" mapstructure:"model"`
	APIKey       string         `json:"apiKey,omitempty" mapstructure:"apiKey"`
	BaseURL      string         `json:"baseUrl,omitempty" mapstructure:"baseUrl"`
	MaxTokens    int            `json:"maxTokens" mapstructure:"maxTokens"`
	SystemPrompt string         `json:"systemPrompt,omitempty" mapstructure:"systemPrompt"`
	Cache        LLMCacheConfig `json:"cache" mapstructure:"cache"`
}

type LLMCacheConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	TTL     int  `json:"ttl" mapstructure:"ttl"` // seconds
	Size    int  `json:"size" mapstructure:"size"`
}

type TokensConfig struct {
	// Counter is "tiktoken" or "estimate".
	Counter string `json:"counter" mapstructure:"counter"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Token   string `json:"token" mapstructure:"token"`
	ChatID  int64  `json:"chatId" mapstructure:"chatId"`
	Proxy   string `json:"proxy,omitempty" mapstructure:"proxy"`
}

type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"` // "console" or "json"
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:          DefaultHost,
			Port:          DefaultPort,
			HandlerErrors: HandlerErrorsSilent,
		},
		RateLimit: RateLimitConfig{
			Messages: DefaultRateLimitMessages,
			Window:   DefaultRateLimitWindow,
		},
		Monitor: MonitorConfig{
			HistorySize:      DefaultHistorySize,
			StatsInterval:    DefaultStatsInterval,
			SubscriberPolicy: SubscriberPolicyIsolate,
		},
		LLM: LLMConfig{
			Provider:  ProviderEcho,
			MaxTokens: DefaultLLMMaxTokens,
			Cache: LLMCacheConfig{
				Enabled: true,
				TTL:     DefaultLLMCacheTTL,
				Size:    DefaultLLMCacheSize,
			},
		},
		Tokens: TokensConfig{Counter: CounterTiktoken},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".minecompanion")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.idleTimeout", cfg.Gateway.IdleTimeout)
	v.SetDefault("gateway.handlerErrors", cfg.Gateway.HandlerErrors)
	v.SetDefault("rateLimit.messages", cfg.RateLimit.Messages)
	v.SetDefault("rateLimit.window", cfg.RateLimit.Window)
	v.SetDefault("monitor.historySize", cfg.Monitor.HistorySize)
	v.SetDefault("monitor.statsInterval", cfg.Monitor.StatsInterval)
	v.SetDefault("monitor.subscriberPolicy", cfg.Monitor.SubscriberPolicy)
	v.SetDefault("llm.provider", cfg.LLM.Provider)
	v.SetDefault("llm.model", cfg.LLM.Model)
	v.SetDefault("llm.apiKey", cfg.LLM.APIKey)
	v.SetDefault("llm.baseUrl", cfg.LLM.BaseURL)
	v.SetDefault("llm.maxTokens", cfg.LLM.MaxTokens)
	v.SetDefault("llm.systemPrompt", cfg.LLM.SystemPrompt)
	v.SetDefault("llm.cache.enabled", cfg.LLM.Cache.Enabled)
	v.SetDefault("llm.cache.ttl", cfg.LLM.Cache.TTL)
	v.SetDefault("llm.cache.size", cfg.LLM.Cache.Size)
	v.SetDefault("tokens.counter", cfg.Tokens.Counter)
	v.SetDefault("channels.telegram.enabled", cfg.Channels.Telegram.Enabled)
	v.SetDefault("channels.telegram.token", cfg.Channels.Telegram.Token)
	v.SetDefault("channels.telegram.chatId", cfg.Channels.Telegram.ChatID)
	v.SetDefault("channels.telegram.proxy", cfg.Channels.Telegram.Proxy)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}

// bindLegacyEnv keeps the variable names older deployments use working.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := [][]string{
		{"llm.provider", envPrefix + "_LLM_PROVIDER", "LLM_PROVIDER"},
		{"llm.model", envPrefix + "_LLM_MODEL", "LLM_MODEL"},
		{"llm.apiKey", envPrefix + "_LLM_APIKEY", envPrefix + "_API_KEY", "LLM_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY"},
		{"llm.baseUrl", envPrefix + "_LLM_BASEURL", envPrefix + "_BASE_URL", "LLM_BASE_URL", "ANTHROPIC_BASE_URL"},
		{"channels.telegram.token", envPrefix + "_CHANNELS_TELEGRAM_TOKEN", envPrefix + "_TELEGRAM_TOKEN"},
	}
	for _, b := range bindings {
		if err := v.BindEnv(b...); err != nil {
			return fmt.Errorf("bind env %s: %w", b[0], err)
		}
	}
	return nil
}

func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	path := ConfigPath()
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize replaces unusable values with defaults.
func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Gateway.Host == "" {
		c.Gateway.Host = d.Gateway.Host
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = d.Gateway.Port
	}
	if c.Gateway.IdleTimeout < 0 {
		c.Gateway.IdleTimeout = 0
	}
	if c.Gateway.HandlerErrors != HandlerErrorsReport {
		c.Gateway.HandlerErrors = HandlerErrorsSilent
	}
	if c.RateLimit.Messages <= 0 {
		c.RateLimit.Messages = d.RateLimit.Messages
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = d.RateLimit.Window
	}
	if c.Monitor.HistorySize <= 0 {
		c.Monitor.HistorySize = d.Monitor.HistorySize
	}
	if c.Monitor.StatsInterval <= 0 {
		c.Monitor.StatsInterval = d.Monitor.StatsInterval
	}
	if c.Monitor.SubscriberPolicy != SubscriberPolicyPropagate {
		c.Monitor.SubscriberPolicy = SubscriberPolicyIsolate
	}
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderEcho
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = d.LLM.MaxTokens
	}
	if c.LLM.Cache.TTL <= 0 {
		c.LLM.Cache.TTL = d.LLM.Cache.TTL
	}
	if c.LLM.Cache.Size <= 0 {
		c.LLM.Cache.Size = d.LLM.Cache.Size
	}
	if c.Tokens.Counter != CounterEstimate {
		c.Tokens.Counter = CounterTiktoken
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

func (g GatewayConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(g.IdleTimeout) * time.Second
}

func (r RateLimitConfig) WindowDuration() time.Duration {
	return time.Duration(r.Window) * time.Second
}

func (m MonitorConfig) StatsIntervalDuration() time.Duration {
	return time.Duration(m.StatsInterval) * time.Second
}

func (c LLMCacheConfig) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}
