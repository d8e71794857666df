package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/veritas"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath string
	envFile    string
	addr       string
	logLevel   string
	logFormat  string
}

func rootCmd() *cobra.Command {
	var opts serverOptions

	cmd := &cobra.Command{
		Use:   "veritas-server",
		Short: "Compliance workspace API",
		Long: `veritas-server exposes the compliance workspace over HTTP: login,
the workflow canvas, document upload and runs, the dashboard and the audit log.

Runs call the analysis service configured under analysis.base_url.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "Dotenv file loaded before reading VERITAS_* variables")
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "json", "Log format (json, text)")

	return cmd
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, hopts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, hopts)))
}

func loadConfig(opts serverOptions) (veritas.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !os.IsNotExist(err) {
			return veritas.Config{}, fmt.Errorf("loading %s: %w", opts.envFile, err)
		}
	}

	cfg := veritas.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = veritas.LoadConfig(opts.configPath); err != nil {
			return cfg, err
		}
	}

	// Override from environment variables.
	if v := os.Getenv("VERITAS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VERITAS_ANALYSIS_URL"); v != "" {
		cfg.Analysis.BaseURL = v
	}
	if v := os.Getenv("VERITAS_ANALYSIS_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: VERITAS_ANALYSIS_TIMEOUT: %v", veritas.ErrInvalidConfig, err)
		}
		cfg.Analysis.Timeout = d
	}
	if v := os.Getenv("VERITAS_SESSION_BACKEND"); v != "" {
		cfg.Session.Backend = v
	}
	if v := os.Getenv("VERITAS_REDIS_ADDR"); v != "" {
		cfg.Session.Redis.Addr = v
	}
	if v := os.Getenv("VERITAS_REDIS_PASSWORD"); v != "" {
		cfg.Session.Redis.Password = v
	}
	if v := os.Getenv("VERITAS_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: VERITAS_REDIS_DB: %v", veritas.ErrInvalidConfig, err)
		}
		cfg.Session.Redis.DB = n
	}
	if os.Getenv("VERITAS_NO_DELAYS") == "1" {
		cfg.Workflow = veritas.WorkflowConfig{}
	}

	return cfg, cfg.Validate()
}

func run(opts serverOptions) error {
	setupLogging(opts.logLevel, opts.logFormat)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	apiKey := os.Getenv("VERITAS_API_KEY")
	corsOrigins := os.Getenv("VERITAS_CORS_ORIGINS")

	ws, err := veritas.New(cfg)
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	defer ws.Close()

	h := newHandler(ws, originPatterns(corsOrigins))

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = h.routes()
	handler = logMiddleware(ws, handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         opts.addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event stream is long-lived
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", opts.addr, "analysis", cfg.Analysis.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-done:
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	h.runs.Wait()

	slog.Info("server stopped")
	return nil
}

// originPatterns converts the CORS origin list into WebSocket origin
// patterns (host only).
func originPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(strings.TrimPrefix(p, "https://"), "http://")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
