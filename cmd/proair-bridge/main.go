package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/robol/tecnosystemi/internal/coordinator"
	"github.com/robol/tecnosystemi/internal/metrics"
	"github.com/robol/tecnosystemi/internal/proair"
	"github.com/robol/tecnosystemi/internal/store"
	"github.com/robol/tecnosystemi/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	ProAir struct {
		Username     string            `yaml:"username"`
		Password     string            `yaml:"password"`
		PIN          string            `yaml:"pin"`
		PINs         map[string]string `yaml:"pins"` // per-serial overrides
		BaseURL      string            `yaml:"base_url"`
		PollInterval string            `yaml:"poll_interval"`
		SweepTimeout string            `yaml:"sweep_timeout"`
	} `yaml:"proair"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Metrics        bool     `yaml:"metrics"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.ProAir.Username == "" || c.ProAir.Password == "" {
		return fmt.Errorf("proair.username and proair.password are required")
	}
	if c.ProAir.PIN == "" && len(c.ProAir.PINs) == 0 {
		return fmt.Errorf("proair.pin is required")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("proair-bridge starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// The device id keys the cloud cipher, so it must survive restarts.
	deviceID, err := loadOrCreateDeviceID(db)
	if err != nil {
		logger.Error("bridge identity", "err", err)
		os.Exit(1)
	}

	client, err := proair.NewClient(proair.Config{
		Username: cfg.ProAir.Username,
		Password: cfg.ProAir.Password,
		DeviceID: deviceID,
		BaseURL:  cfg.ProAir.BaseURL,
	}, logger)
	if err != nil {
		logger.Error("create cloud client", "err", err)
		os.Exit(1)
	}

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(client, db, events, coordinator.Config{
		PIN:          cfg.ProAir.PIN,
		PINs:         cfg.ProAir.PINs,
		PollInterval: parseDuration(cfg.ProAir.PollInterval, 0, logger, "proair.poll_interval"),
		SweepTimeout: parseDuration(cfg.ProAir.SweepTimeout, 0, logger, "proair.sweep_timeout"),
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	// Automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.Web.Metrics {
		webOpts = append(webOpts, web.WithMetrics(newMetricsHandler(coord, logger)))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

// loadOrCreateDeviceID returns the persisted installation id, minting a
// random one on first run.
func loadOrCreateDeviceID(db *store.BoltStore) (string, error) {
	id, err := db.GetIdentity()
	if err == nil && id.DeviceID != "" {
		return id.DeviceID, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	deviceID, err := proair.GenerateDeviceID()
	if err != nil {
		return "", err
	}
	if err := db.SaveIdentity(&store.Identity{
		DeviceID:  deviceID,
		CreatedAt: time.Now(),
	}); err != nil {
		return "", err
	}
	return deviceID, nil
}

func newMetricsHandler(coord *coordinator.Coordinator, logger *slog.Logger) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(coord, logger),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func parseDuration(s string, def time.Duration, logger *slog.Logger, key string) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		logger.Warn("invalid duration, using default", "key", key, "value", s)
		return def
	}
	return d
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "proair-bridge.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "proair"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
