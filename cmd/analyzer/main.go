// Command veritas-analyzer serves the /upload-nda policy analysis used by
// the workspace's gdpr stage.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/veritas/compliance"
	"github.com/brunobiangulo/veritas/llm"
	"github.com/brunobiangulo/veritas/metrics"
)

// defaultModel is the Groq model the analysis prompt is tuned for.
const defaultModel = "llama-3.1-8b-instant"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type analyzerOptions struct {
	addr      string
	envFile   string
	logLevel  string
	provider  string
	model     string
	baseURL   string
	timeout   time.Duration
	retries   int
	ruleBased bool
}

func rootCmd() *cobra.Command {
	var opts analyzerOptions

	cmd := &cobra.Command{
		Use:   "veritas-analyzer",
		Short: "Policy compliance analysis service",
		Long: `veritas-analyzer accepts policy documents on POST /upload-nda, rejects
non-policies and incomplete policies, and scores the rest against GDPR, CCPA and
internal security requirements.

Scoring uses an OpenAI-compatible LLM when a provider is configured (Groq when
GROQ_API_KEY is set) and a deterministic rule scorer otherwise.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", ":8000", "Listen address")
	f.StringVar(&opts.envFile, "env-file", ".env", "Dotenv file with API keys")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&opts.provider, "llm-provider", "", "LLM provider ("+strings.Join(llm.Providers(), ", ")+")")
	f.StringVar(&opts.model, "llm-model", "", "LLM model (default "+defaultModel+" on groq)")
	f.StringVar(&opts.baseURL, "llm-base-url", "", "Override the provider base URL")
	f.DurationVar(&opts.timeout, "llm-timeout", 60*time.Second, "LLM request timeout")
	f.IntVar(&opts.retries, "llm-retries", 0, "Retries on 429/5xx from the LLM")
	f.BoolVar(&opts.ruleBased, "rules-only", false, "Never call an LLM")

	return cmd
}

// llmConfig resolves the provider from flags and the environment. A zero
// Provider means the rule scorer.
func llmConfig(opts analyzerOptions) llm.Config {
	cfg := llm.Config{
		Provider:   firstNonEmpty(opts.provider, os.Getenv("VERITAS_LLM_PROVIDER")),
		Model:      firstNonEmpty(opts.model, os.Getenv("VERITAS_LLM_MODEL")),
		BaseURL:    firstNonEmpty(opts.baseURL, os.Getenv("VERITAS_LLM_BASE_URL")),
		APIKey:     os.Getenv("VERITAS_LLM_API_KEY"),
		Timeout:    opts.timeout,
		MaxRetries: opts.retries,
	}
	if opts.ruleBased {
		return llm.Config{}
	}

	groqKey := firstNonEmpty(os.Getenv("GROQ_API_KEY"), os.Getenv("GROK_API_KEY"))
	if cfg.Provider == "" && groqKey != "" {
		cfg.Provider = "groq"
	}

	// Fallback: check well-known provider env vars for API keys.
	if cfg.APIKey == "" {
		switch cfg.Provider {
		case "groq":
			cfg.APIKey = groqKey
		case "openai":
			cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		case "openrouter":
			cfg.APIKey = os.Getenv("OPENROUTER_API_KEY")
		case "gemini":
			cfg.APIKey = os.Getenv("GEMINI_API_KEY")
		case "xai":
			cfg.APIKey = os.Getenv("XAI_API_KEY")
		}
	}
	if cfg.Provider == "groq" && cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return cfg
}

func newAnalyzer(opts analyzerOptions) (*compliance.Analyzer, error) {
	aopts := []compliance.Option{compliance.WithLogger(slog.Default())}

	cfg := llmConfig(opts)
	if cfg.Provider != "" {
		provider, err := llm.NewProvider(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating llm provider: %w", err)
		}
		aopts = append(aopts, compliance.WithLLM(provider, cfg.Model))
		slog.Info("scoring with llm", "provider", cfg.Provider, "model", cfg.Model)
	} else {
		slog.Info("scoring with rule scorer")
	}
	return compliance.NewAnalyzer(aopts...), nil
}

func run(opts analyzerOptions) error {
	level := slog.LevelInfo
	switch strings.ToLower(opts.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("loading %s: %w", opts.envFile, err)
		}
	}

	analyzer, err := newAnalyzer(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:        opts.addr,
		Handler:     newServer(analyzer, metrics.New()).routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		slog.Info("analyzer starting", "addr", opts.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-done:
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	slog.Info("analyzer stopped")
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
