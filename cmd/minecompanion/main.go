package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ICE6332/MineCompanion-WebUI/internal/config"
	"github.com/ICE6332/MineCompanion-WebUI/internal/gateway"
)

var rootCmd = &cobra.Command{
	Use:     "minecompanion",
	Short:   "minecompanion - gateway between the game mod and the monitoring dashboard",
	Version: gateway.Version,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (mod websocket + monitor feed + HTTP API)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize the config file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and whether the gateway is reachable",
	RunE:  runStatus,
}

var (
	hostFlag string
	portFlag int
)

func init() {
	gatewayCmd.Flags().StringVar(&hostFlag, "host", "", "Listen host (overrides config)")
	gatewayCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "Listen port (overrides config)")
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the root logger from the log section of the config.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if hostFlag != "" {
		cfg.Gateway.Host = hostFlag
	}
	if portFlag > 0 {
		cfg.Gateway.Port = portFlag
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return gw.Run(ctx)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to pick an LLM provider (echo, anthropic, openai)\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set MINECOMPANION_LLM_APIKEY / ANTHROPIC_API_KEY")
	fmt.Fprintln(out, "  3. Run 'minecompanion gateway' and point the mod at ws://<host>:<port>/ws")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Listen: %s\n", cfg.Gateway.Addr())
	fmt.Fprintf(out, "LLM provider: %s\n", cfg.LLM.Provider)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.LLM.APIKey))
	fmt.Fprintf(out, "Rate limit: %d messages / %ds\n", cfg.RateLimit.Messages, cfg.RateLimit.Window)
	if cfg.Gateway.IdleTimeout > 0 {
		fmt.Fprintf(out, "Idle timeout: %ds\n", cfg.Gateway.IdleTimeout)
	} else {
		fmt.Fprintln(out, "Idle timeout: disabled")
	}
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	fmt.Fprintf(out, "Gateway: %s\n", probe(healthURL(cfg.Gateway)))
	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

// healthURL points at the local gateway, replacing wildcard hosts with
// loopback.
func healthURL(g config.GatewayConfig) string {
	host := g.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(g.Port)) + "/api/health"
}

func probe(url string) string {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return "not reachable"
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&body) != nil {
		return fmt.Sprintf("unhealthy (HTTP %d)", resp.StatusCode)
	}
	return fmt.Sprintf("running (version %s)", body.Version)
}
