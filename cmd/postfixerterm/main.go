package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fluxkompensator/postfixer/internal/api"
	"github.com/fluxkompensator/postfixer/internal/config"
	"github.com/fluxkompensator/postfixer/internal/readiness"
	"github.com/fluxkompensator/postfixer/internal/realtime"
	"github.com/fluxkompensator/postfixer/internal/session"
	"github.com/fluxkompensator/postfixer/internal/store"
	"github.com/fluxkompensator/postfixer/internal/tui"
)

var (
	configPath  string
	apiURL      string
	realtimeURL string
	cachePath   string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:           "postfixerterm",
	Short:         "Terminal dashboard for the Postfixer policy server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDashboard,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file (default ~/.config/postfixerterm/config.yaml)")
	rootCmd.Flags().StringVar(&apiURL, "api-url", "", "Backend REST base URL, overrides the config file")
	rootCmd.Flags().StringVar(&realtimeURL, "realtime-url", "", "Socket.IO server URL, overrides the config file")
	rootCmd.Flags().StringVar(&cachePath, "cache", "", "SQLite cache path, overrides the config file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if apiURL != "" {
		cfg.APIBaseURL = apiURL
	}
	if realtimeURL != "" {
		cfg.RealtimeURL = realtimeURL
	}
	if cachePath != "" {
		cfg.CachePath = cachePath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openLog sends logs to a file; the terminal belongs to the dashboard.
func openLog(cfg config.Config) (*slog.Logger, func() error, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	return logger, f.Close, nil
}

func runDashboard(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := api.NewClient(api.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
		Timeout: cfg.RequestTimeout,
	})

	var cache session.Cache
	db, err := store.NewSQLiteStore(cfg.CachePath)
	if err != nil {
		// The dashboard works without a cache, it just starts empty.
		logger.Warn("cache unavailable", slog.String("path", cfg.CachePath), slog.Any("error", err))
	} else {
		defer db.Close()
		cache = db
	}

	ctrl := session.New(session.Config{
		Backend:        client,
		Transport:      realtime.NewSocketIO(cfg.RealtimeURL, cfg.APIToken, logger),
		Cache:          cache,
		Logger:         logger,
		ReconnectDelay: cfg.ReconnectDelay,
		CacheLimit:     cfg.CacheLimit,
		Prober:         readiness.Config{RequestTimeout: cfg.RequestTimeout},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(runCtx) }()

	logger.Info("dashboard starting",
		slog.String("api", cfg.APIBaseURL),
		slog.String("realtime", cfg.RealtimeURL),
		slog.String("cache", cfg.CachePath))

	app := tui.NewAppModel(tui.Config{
		Session:      ctrl,
		Commands:     client,
		CounterLimit: cfg.CounterLimit,
		Context:      runCtx,
	})
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	_, uiErr := p.Run()

	cancel()
	err = <-runErr
	logger.Info("dashboard stopped")
	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", uiErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
