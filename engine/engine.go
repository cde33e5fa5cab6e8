// Package engine abstracts the browser automation layer behind a narrow
// interface so orchestration and extraction are testable without a real
// rendering engine.
package engine

import (
	"context"
	"time"
)

// SessionOptions configures one isolated browsing session. A session is used
// for exactly one candidate's navigation and never reused.
type SessionOptions struct {
	// ProxyServer routes all session traffic through the given endpoint.
	// Empty means a direct connection.
	ProxyServer string

	Locale     string
	TimezoneID string
	UserAgent  string

	// ExtraHeaders are attached to every request the session makes.
	ExtraHeaders map[string]string

	ViewportWidth  int
	ViewportHeight int
}

// Engine is the browser automation engine. Implementations must be safe for
// concurrent NewSession calls.
type Engine interface {
	// NewSession creates an isolated browsing context with its own network
	// path, cookies, and rendering state.
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)

	// Close shuts the engine down, killing any underlying browser process.
	Close() error
}

// Session is one isolated browsing context. Callers must Close it on every
// exit path; implementations must tolerate Close after a failed navigation.
type Session interface {
	// Navigate loads the URL and waits for the named condition
	// ("load", "domcontentloaded", or "networkidle") within the timeout.
	Navigate(ctx context.Context, url, waitCondition string, timeout time.Duration) error

	// VisibleText returns the rendered page's visible text.
	VisibleText() (string, error)

	// HTML returns the rendered page's full HTML.
	HTML() (string, error)

	// Close releases the session and its browsing context.
	Close() error
}
