package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/goccy/go-yaml"
)

// Config holds all application configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Headers   HeadersConfig   `yaml:"headers"`
	Scrape    ScrapeConfig    `yaml:"scrape"`
	Layout    LayoutConfig    `yaml:"layout"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Targets   []string        `yaml:"targets"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Log       LogConfig       `yaml:"log"`
}

// BrowserConfig controls the Rod browser instance and per-session behavior.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool `yaml:"headless"` // default: true

	// TimeoutMs is the navigation timeout in milliseconds.
	TimeoutMs int `yaml:"timeout_ms"` // default: 25000

	// NavigationWait names the post-navigation wait condition:
	// "load", "domcontentloaded", or "networkidle".
	NavigationWait string `yaml:"navigation_wait"` // default: "domcontentloaded"

	// Concurrency bounds how many targets are fetched simultaneously.
	Concurrency int `yaml:"concurrency"` // default: 3

	// Viewport is applied to every session.
	Viewport ViewportConfig `yaml:"viewport"` // default: 1280x720

	// Locale and TimezoneID are emulated per session.
	Locale     string `yaml:"locale"`      // default: "en-US"
	TimezoneID string `yaml:"timezone_id"` // default: "Europe/London"

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool `yaml:"no_sandbox"` // default: false

	// Bin overrides the Chromium binary path.
	Bin string `yaml:"bin"`

	// BlockedResourceTypes lists resource types each session refuses to load,
	// cutting bandwidth through slow proxies.
	// default: ["Image", "Stylesheet", "Font", "Media"]
	BlockedResourceTypes []string `yaml:"blocked_resource_types"`
}

// ViewportConfig is the emulated viewport size.
type ViewportConfig struct {
	Width  int `yaml:"width"`  // default: 1280
	Height int `yaml:"height"` // default: 720
}

// HeadersConfig controls the HTTP identity of every session.
type HeadersConfig struct {
	// UserAgent is sent on every request. default: "Mozilla/5.0"
	UserAgent string `yaml:"user_agent"`

	// Extra headers are attached to every session's requests.
	Extra map[string]string `yaml:"extra"`
}

// ScrapeConfig controls retry and backoff behavior.
type ScrapeConfig struct {
	// Retries is the attempt budget per target.
	Retries int `yaml:"retries"` // default: 8

	// BackoffSeconds is the base backoff; attempt n waits
	// min(MaxBackoffSeconds, BackoffSeconds * 2^(n-1)) after failing.
	BackoffSeconds    float64 `yaml:"backoff_seconds"`     // default: 1.2
	MaxBackoffSeconds float64 `yaml:"max_backoff_seconds"` // default: 10.0
}

// LayoutConfig holds the page-layout heuristics. These track the structure of
// one external page and may need adjusting when its markup changes, which is
// why they are configuration rather than code.
type LayoutConfig struct {
	// AnchorLabel is the line that marks the profile section.
	AnchorLabel string `yaml:"anchor_label"` // default: "Adventurer Profile"

	// AnchorWindow is how many lines after the anchor are scanned for the
	// region code.
	AnchorWindow int `yaml:"anchor_window"` // default: 15

	// RegionPattern matches a whole line that is a region code.
	RegionPattern string `yaml:"region_pattern"` // default: "[A-Z]{2,3}"

	// HeadingSelector and ItemSelector drive the section scan.
	HeadingSelector string `yaml:"heading_selector"` // default: "h1,h2,h3,h4"
	ItemSelector    string `yaml:"item_selector"`    // default: "li"

	// Section heading texts, matched exactly after whitespace normalization.
	CommunityHeading  string `yaml:"community_heading"`  // default: "Community Activities"
	LifeHeading       string `yaml:"life_heading"`       // default: "Life"
	CharactersHeading string `yaml:"characters_heading"` // default: "Created Characters"

	// MainMarker is the substring on a name line that flags the main character.
	MainMarker string `yaml:"main_marker"` // default: "Main Character"

	// ClassLevelPattern captures (class, level) from a class/level line.
	ClassLevelPattern string `yaml:"class_level_pattern"` // default: `(?i)^(.+?)\s+Lv\s+(.+)$`
}

// ProxyConfig declares the layered proxy pools.
type ProxyConfig struct {
	// Layers are tried in declared order on every attempt.
	Layers []ProxyLayerConfig `yaml:"layers"`

	// DirectFallback appends a direct (no proxy) candidate after all layers.
	DirectFallback bool `yaml:"direct_fallback"` // default: true

	// ProbeURL is fetched through each endpoint by the health checker.
	ProbeURL string `yaml:"probe_url"` // default: "https://www.gstatic.com/generate_204"

	// ProbeTimeoutMs bounds each health-check request.
	ProbeTimeoutMs int `yaml:"probe_timeout_ms"` // default: 10000
}

// ProxyLayerConfig is one named, ordered pool of proxy endpoints.
type ProxyLayerConfig struct {
	Name      string   `yaml:"name"`
	Endpoints []string `yaml:"endpoints"`
}

// ServerConfig controls the HTTP server (serve mode only).
type ServerConfig struct {
	Host string `yaml:"host"` // default: "0.0.0.0"
	Port int    `yaml:"port"` // default: 8080
	Mode string `yaml:"mode"` // "debug", "release", "test"; default: "release"
}

// AuthConfig controls API key authentication (serve mode only).
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool `yaml:"enabled"` // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string `yaml:"api_keys"`
}

// RateLimitConfig controls per-key rate limiting (serve mode only).
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 `yaml:"requests_per_second"` // default: 5

	// Burst is the maximum burst size per API key.
	Burst int `yaml:"burst"` // default: 10
}

// CacheConfig controls the profile response cache (serve mode only).
type CacheConfig struct {
	// MaxEntries is the maximum number of cached responses.
	MaxEntries int `yaml:"max_entries"` // default: 1000
}

// WebhookConfig controls the optional run-completed notification.
type WebhookConfig struct {
	// URL receives a JSON event when a batch run finishes. Empty disables it.
	URL string `yaml:"url"`

	// Secret signs the payload with HMAC-SHA256 when non-empty.
	Secret string `yaml:"secret"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // default: "info"
	Format string `yaml:"format"` // "json" or "text"; default: "text"
}

// Defaults returns a Config populated with every documented default.
func Defaults() *Config {
	return &Config{
		Browser: BrowserConfig{
			Headless:       true,
			TimeoutMs:      25000,
			NavigationWait: "domcontentloaded",
			Concurrency:    3,
			Viewport:       ViewportConfig{Width: 1280, Height: 720},
			Locale:         "en-US",
			TimezoneID:     "Europe/London",
			BlockedResourceTypes: []string{
				"Image", "Stylesheet", "Font", "Media",
			},
		},
		Headers: HeadersConfig{
			UserAgent: "Mozilla/5.0",
		},
		Scrape: ScrapeConfig{
			Retries:           8,
			BackoffSeconds:    1.2,
			MaxBackoffSeconds: 10.0,
		},
		Layout: LayoutConfig{
			AnchorLabel:       "Adventurer Profile",
			AnchorWindow:      15,
			RegionPattern:     `[A-Z]{2,3}`,
			HeadingSelector:   "h1,h2,h3,h4",
			ItemSelector:      "li",
			CommunityHeading:  "Community Activities",
			LifeHeading:       "Life",
			CharactersHeading: "Created Characters",
			MainMarker:        "Main Character",
			ClassLevelPattern: `(?i)^(.+?)\s+Lv\s+(.+)$`,
		},
		Proxy: ProxyConfig{
			DirectFallback: true,
			ProbeURL:       "https://www.gstatic.com/generate_204",
			ProbeTimeoutMs: 10000,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Mode: "release",
		},
		Auth: AuthConfig{
			Enabled: true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5.0,
			Burst:             10,
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML config document at path (when it exists), applies
// ADVPROF_* environment overrides on top, validates, and returns the result.
// An empty path means "./config.yaml", and a missing default file is fine —
// the documented defaults apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Unmarshal over the defaults so absent keys keep their values.
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file; run entirely on defaults + env.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides select fields from the environment. Only operational
// knobs are exposed this way; structural config (layers, targets, layout)
// lives in the YAML document.
func (c *Config) applyEnv() {
	c.Browser.Headless = envBoolOr("ADVPROF_HEADLESS", c.Browser.Headless)
	c.Browser.Concurrency = envIntOr("ADVPROF_CONCURRENCY", c.Browser.Concurrency)
	c.Browser.NoSandbox = envBoolOr("ADVPROF_NO_SANDBOX", c.Browser.NoSandbox)
	c.Browser.Bin = envOr("ADVPROF_BROWSER_BIN", c.Browser.Bin)
	c.Scrape.Retries = envIntOr("ADVPROF_RETRIES", c.Scrape.Retries)
	c.Server.Host = envOr("ADVPROF_HOST", c.Server.Host)
	c.Server.Port = envIntOr("ADVPROF_PORT", c.Server.Port)
	c.Server.Mode = envOr("ADVPROF_MODE", c.Server.Mode)
	c.Auth.Enabled = envBoolOr("ADVPROF_AUTH_ENABLED", c.Auth.Enabled)
	if keys := envSliceOr("ADVPROF_API_KEYS", nil); keys != nil {
		c.Auth.APIKeys = keys
	}
	c.Webhook.URL = envOr("ADVPROF_WEBHOOK_URL", c.Webhook.URL)
	c.Webhook.Secret = envOr("ADVPROF_WEBHOOK_SECRET", c.Webhook.Secret)
	c.Log.Level = envOr("ADVPROF_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("ADVPROF_LOG_FORMAT", c.Log.Format)
}

// Validate rejects configurations the engines cannot run with. Layout
// selectors and patterns are compiled here so a bad document fails at startup
// instead of mid-run.
func (c *Config) Validate() error {
	if c.Browser.Concurrency < 1 {
		return fmt.Errorf("config: browser.concurrency must be >= 1, got %d", c.Browser.Concurrency)
	}
	if c.Browser.TimeoutMs < 1 {
		return fmt.Errorf("config: browser.timeout_ms must be >= 1, got %d", c.Browser.TimeoutMs)
	}
	switch c.Browser.NavigationWait {
	case "load", "domcontentloaded", "networkidle":
	default:
		return fmt.Errorf("config: browser.navigation_wait must be load, domcontentloaded, or networkidle, got %q", c.Browser.NavigationWait)
	}
	if c.Scrape.Retries < 1 {
		return fmt.Errorf("config: scrape.retries must be >= 1, got %d", c.Scrape.Retries)
	}
	if c.Scrape.BackoffSeconds < 0 || c.Scrape.MaxBackoffSeconds < 0 {
		return fmt.Errorf("config: backoff durations must not be negative")
	}
	if c.Layout.AnchorWindow < 1 {
		return fmt.Errorf("config: layout.anchor_window must be >= 1, got %d", c.Layout.AnchorWindow)
	}
	// ParseGroup, not Parse: the selectors are handed to goquery's Find,
	// which accepts selector groups like "h1,h2,h3,h4".
	if _, err := cascadia.ParseGroup(c.Layout.HeadingSelector); err != nil {
		return fmt.Errorf("config: layout.heading_selector: %w", err)
	}
	if _, err := cascadia.ParseGroup(c.Layout.ItemSelector); err != nil {
		return fmt.Errorf("config: layout.item_selector: %w", err)
	}
	if _, err := regexp.Compile(c.Layout.RegionPattern); err != nil {
		return fmt.Errorf("config: layout.region_pattern: %w", err)
	}
	if _, err := regexp.Compile(c.Layout.ClassLevelPattern); err != nil {
		return fmt.Errorf("config: layout.class_level_pattern: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Proxy.Layers))
	for _, layer := range c.Proxy.Layers {
		if layer.Name == "" {
			return fmt.Errorf("config: proxy layer with empty name")
		}
		if _, dup := seen[layer.Name]; dup {
			return fmt.Errorf("config: duplicate proxy layer %q", layer.Name)
		}
		seen[layer.Name] = struct{}{}
	}
	return nil
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
