package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/advprof/api"
	"github.com/use-agent/advprof/cache"
	"github.com/use-agent/advprof/config"
	"github.com/use-agent/advprof/engine"
	"github.com/use-agent/advprof/extract"
	"github.com/use-agent/advprof/proxy"
	"github.com/use-agent/advprof/scrape"
	"github.com/use-agent/advprof/webhook"
)

var (
	version = "0.1.0"

	configFile string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "advprof [profile URL ...]",
	Short: "Fetch and extract adventurer profile pages",
	Long: `advprof renders adventurer profile pages through a headless browser,
rotating across layered proxy pools with retry and backoff, and extracts
a structured record from each page.

Targets come from positional arguments or from the config file's targets
list. Records are written to stdout as JSON lines, one per target.`,
	Version: version,
	Args:    cobra.ArbitraryArgs,
	RunE:    runBatch,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP scrape API",
	RunE:  runServe,
}

var checkProxiesCmd = &cobra.Command{
	Use:   "check-proxies",
	Short: "Probe every configured proxy endpoint and report health",
	RunE:  runCheckProxies,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the advprof version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("advprof %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkProxiesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config, applies CLI log overrides, and sets up slog.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	initLogger(cfg.Log)
	return cfg, nil
}

// buildRunner assembles the full fetch pipeline from config. The caller owns
// the returned engine and must Close it.
func buildRunner(cfg *config.Config) (*scrape.Runner, engine.Engine, error) {
	eng, err := engine.NewRod(cfg.Browser)
	if err != nil {
		return nil, nil, fmt.Errorf("launch browser: %w", err)
	}

	rot := proxy.NewRotation(proxyLayers(cfg), cfg.Proxy.DirectFallback)

	ext, err := extract.NewExtractor(cfg.Layout)
	if err != nil {
		eng.Close()
		return nil, nil, err
	}

	sc := scrape.NewScraper(eng, rot, ext, cfg)
	return scrape.NewRunner(sc, scrape.NewGate(cfg.Browser.Concurrency)), eng, nil
}

func proxyLayers(cfg *config.Config) []proxy.Layer {
	layers := make([]proxy.Layer, 0, len(cfg.Proxy.Layers))
	for _, l := range cfg.Proxy.Layers {
		layers = append(layers, proxy.Layer{Name: l.Name, Endpoints: l.Endpoints})
	}
	return layers
}

// runBatch scrapes every target and prints one JSON line per outcome.
// The exit code is non-zero only when every target failed.
func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	targets := args
	if len(targets) == 0 {
		targets = cfg.Targets
	}
	if len(targets) == 0 {
		return fmt.Errorf("no targets: pass profile URLs as arguments or set targets in the config")
	}

	runner, eng, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	slog.Info("batch starting",
		"targets", len(targets),
		"concurrency", cfg.Browser.Concurrency,
		"retries", cfg.Scrape.Retries,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	outcomes := runner.Run(ctx, targets)

	enc := json.NewEncoder(os.Stdout)
	succeeded := 0
	for _, o := range outcomes {
		if o.Succeeded() {
			succeeded++
		}
		if err := enc.Encode(o); err != nil {
			return fmt.Errorf("write outcome: %w", err)
		}
	}

	elapsed := time.Since(start)
	slog.Info("batch finished",
		"targets", len(targets),
		"succeeded", succeeded,
		"failed", len(targets)-succeeded,
		"elapsed", elapsed.Round(time.Millisecond),
	)

	if cfg.Webhook.URL != "" {
		webhook.DeliverWithRetries(cfg.Webhook.URL, cfg.Webhook.Secret, &webhook.Event{
			Type:      webhook.EventRunCompleted,
			Timestamp: time.Now().Unix(),
			Data: webhook.RunSummary{
				Targets:   len(targets),
				Succeeded: succeeded,
				Failed:    len(targets) - succeeded,
				ElapsedMs: elapsed.Milliseconds(),
			},
		})
	}

	if succeeded == 0 {
		return fmt.Errorf("all %d targets failed", len(targets))
	}
	return nil
}

// runServe starts the HTTP API and blocks until a shutdown signal.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	runner, eng, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	cc := cache.New(cfg.Cache.MaxEntries)

	startTime := time.Now()
	router := api.NewRouter(runner, cfg, cc, startTime)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	}

	// Give in-flight requests 5 seconds to complete.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// eng.Close() runs via defer and kills the browser.
	slog.Info("advprof stopped")
	return nil
}

// runCheckProxies probes every configured endpoint and prints a report.
// Exits non-zero when any endpoint is unhealthy.
func runCheckProxies(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Proxy.Layers) == 0 {
		return fmt.Errorf("no proxy layers configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checker := proxy.NewChecker(cfg.Proxy.ProbeURL, time.Duration(cfg.Proxy.ProbeTimeoutMs)*time.Millisecond)
	results := checker.CheckAll(ctx, proxyLayers(cfg))

	unhealthy := 0
	for _, r := range results {
		if r.OK {
			fmt.Printf("ok    %-12s %-40s %v\n", r.Layer, r.Endpoint, r.Latency.Round(time.Millisecond))
			continue
		}
		unhealthy++
		fmt.Printf("FAIL  %-12s %-40s %v\n", r.Layer, r.Endpoint, r.Error)
	}

	if unhealthy > 0 {
		return fmt.Errorf("%d of %d endpoints unhealthy", unhealthy, len(results))
	}
	slog.Info("all proxy endpoints healthy", "count", len(results))
	return nil
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
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
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}
