package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/use-agent/advprof/config"
	"github.com/use-agent/advprof/engine"
	"github.com/use-agent/advprof/extract"
	"github.com/use-agent/advprof/models"
	"github.com/use-agent/advprof/proxy"
)

// state enumerates the phases of a single target's fetch lifecycle.
type state int

const (
	stateAttempting state = iota
	stateBackingOff
	stateSucceeded
	stateFailed
)

// Scraper fetches one profile page at a time: it walks the proxy layers
// within an attempt, backs off between attempts, and hands the rendered
// page to the extractor.
type Scraper struct {
	engine    engine.Engine
	rotation  *proxy.Rotation
	extractor *extract.Extractor

	browser config.BrowserConfig
	headers config.HeadersConfig
	retry   config.ScrapeConfig

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewScraper wires a Scraper from the engine, the proxy rotation, the
// extractor and the relevant config sections.
func NewScraper(eng engine.Engine, rot *proxy.Rotation, ext *extract.Extractor, cfg *config.Config) *Scraper {
	return &Scraper{
		engine:    eng,
		rotation:  rot,
		extractor: ext,
		browser:   cfg.Browser,
		headers:   cfg.Headers,
		retry:     cfg.Scrape,
		sleep:     sleepCtx,
	}
}

// ScrapeOne fetches and extracts a single profile URL. It retries up to
// the configured attempt budget with exponential backoff between attempts,
// and returns a SCRAPE_EXHAUSTED error wrapping the last failure once the
// budget is spent.
func (s *Scraper) ScrapeOne(ctx context.Context, targetURL string) (*models.ProfileRecord, error) {
	var (
		st      = stateAttempting
		attempt = 1
		lastErr error
		record  *models.ProfileRecord
	)

	for {
		switch st {
		case stateAttempting:
			rec, err := s.runAttempt(ctx, targetURL, attempt)
			switch {
			case err == nil:
				record = rec
				st = stateSucceeded
			case ctx.Err() != nil || attempt >= s.retry.Retries:
				lastErr = err
				st = stateFailed
			default:
				lastErr = err
				st = stateBackingOff
			}

		case stateBackingOff:
			delay := backoff(attempt, s.retry.BackoffSeconds, s.retry.MaxBackoffSeconds)
			slog.Debug("backing off before retry",
				"url", targetURL,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			if err := s.sleep(ctx, delay); err != nil {
				lastErr = err
				st = stateFailed
				continue
			}
			attempt++
			st = stateAttempting

		case stateSucceeded:
			return record, nil

		case stateFailed:
			return nil, models.NewScrapeError(
				models.ErrCodeExhausted,
				fmt.Sprintf("scrape of %s failed after %d attempts", targetURL, attempt),
				lastErr,
			)
		}
	}
}

// runAttempt tries every proxy candidate for this attempt in layer order.
// The first candidate that yields a rendered page wins; if all of them
// fail the attempt fails with the last candidate's error.
func (s *Scraper) runAttempt(ctx context.Context, targetURL string, attempt int) (*models.ProfileRecord, error) {
	candidates := s.rotation.Candidates()
	if len(candidates) == 0 {
		return nil, models.NewScrapeError(models.ErrCodeNavigation, "no fetch candidates configured", nil)
	}

	var lastErr error
	for _, cand := range candidates {
		rec, err := s.tryCandidate(ctx, targetURL, cand)
		if err == nil {
			slog.Info("scrape succeeded",
				"url", targetURL,
				"attempt", attempt,
				"layer", cand.Layer,
				"region", rec.Region,
			)
			return rec, nil
		}
		lastErr = err
		slog.Debug("candidate failed",
			"url", targetURL,
			"attempt", attempt,
			"layer", cand.Layer,
			"endpoint", cand.Endpoint,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// tryCandidate opens a fresh browser session bound to the candidate's
// proxy, navigates, snapshots the page and runs extraction. The session
// is always closed before returning.
func (s *Scraper) tryCandidate(ctx context.Context, targetURL string, cand proxy.Candidate) (*models.ProfileRecord, error) {
	sess, err := s.engine.NewSession(ctx, engine.SessionOptions{
		ProxyServer:    cand.Endpoint,
		Locale:         s.browser.Locale,
		TimezoneID:     s.browser.TimezoneID,
		UserAgent:      s.headers.UserAgent,
		ExtraHeaders:   s.headers.Extra,
		ViewportWidth:  s.browser.Viewport.Width,
		ViewportHeight: s.browser.Viewport.Height,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			slog.Debug("session close failed", "url", targetURL, "error", cerr)
		}
	}()

	timeout := time.Duration(s.browser.TimeoutMs) * time.Millisecond
	if err := sess.Navigate(ctx, targetURL, s.browser.NavigationWait, timeout); err != nil {
		return nil, err
	}

	text, err := sess.VisibleText()
	if err != nil {
		return nil, err
	}
	html, err := sess.HTML()
	if err != nil {
		return nil, err
	}

	rec := s.extractor.Profile(extract.PageSnapshot{Text: text, HTML: html}, targetURL)
	rec.ProxyLayer = cand.Layer
	rec.ProxyEndpoint = cand.Endpoint
	return rec, nil
}

// backoff returns the delay before retry attempt+1: base doubled per
// completed attempt, capped at max. Both inputs are seconds.
func backoff(attempt int, base, max float64) time.Duration {
	d := base * math.Pow(2, float64(attempt-1))
	if d > max {
		d = max
	}
	return time.Duration(d * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
