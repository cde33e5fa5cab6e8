package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/use-agent/advprof/config"
	"github.com/use-agent/advprof/engine"
	"github.com/use-agent/advprof/extract"
	"github.com/use-agent/advprof/models"
	"github.com/use-agent/advprof/proxy"
)

const profileText = `Adventurer Profile
EU
Greybeard Family
`

// fakeSession is a scripted engine.Session recording what happened to it.
type fakeSession struct {
	opts engine.SessionOptions

	navErr   error
	navDelay time.Duration
	text     string
	html     string
	textErr  error

	mu     sync.Mutex
	closed bool
}

func (s *fakeSession) Navigate(ctx context.Context, url, waitCondition string, timeout time.Duration) error {
	if s.navDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.navDelay):
		}
	}
	return s.navErr
}

func (s *fakeSession) VisibleText() (string, error) {
	if s.textErr != nil {
		return "", s.textErr
	}
	return s.text, nil
}

func (s *fakeSession) HTML() (string, error) {
	return s.html, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeEngine hands out sessions built by the script function and keeps
// every session it created for later inspection.
type fakeEngine struct {
	mu       sync.Mutex
	script   func(opts engine.SessionOptions) *fakeSession
	sessions []*fakeSession
}

func (e *fakeEngine) NewSession(ctx context.Context, opts engine.SessionOptions) (engine.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.script(opts)
	s.opts = opts
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) sessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *fakeEngine) allClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		s.mu.Lock()
		ok := s.closed
		s.mu.Unlock()
		if !ok {
			return false
		}
	}
	return true
}

func newTestScraper(t *testing.T, eng engine.Engine, rot *proxy.Rotation, retries int) (*Scraper, *int) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Scrape.Retries = retries
	ext, err := extract.NewExtractor(cfg.Layout)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	s := NewScraper(eng, rot, ext, cfg)
	backoffs := new(int)
	s.sleep = func(ctx context.Context, d time.Duration) error {
		*backoffs++
		return ctx.Err()
	}
	return s, backoffs
}

func twoLayerRotation() *proxy.Rotation {
	return proxy.NewRotation([]proxy.Layer{
		{Name: "residential", Endpoints: []string{"http://res-1:8080"}},
		{Name: "datacenter", Endpoints: []string{"http://dc-1:8080"}},
	}, true)
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		time.Duration(1.2 * float64(time.Second)),
		time.Duration(2.4 * float64(time.Second)),
		time.Duration(4.8 * float64(time.Second)),
		time.Duration(9.6 * float64(time.Second)),
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := backoff(i+1, 1.2, 10.0); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestScrapeOne_SucceedsOnLaterCandidate(t *testing.T) {
	eng := &fakeEngine{script: func(opts engine.SessionOptions) *fakeSession {
		if opts.ProxyServer == "http://res-1:8080" {
			return &fakeSession{navErr: errors.New("proxy refused connection")}
		}
		return &fakeSession{text: profileText, html: "<html><body><p>Adventurer Profile</p></body></html>"}
	}}
	s, backoffs := newTestScraper(t, eng, twoLayerRotation(), 3)

	rec, err := s.ScrapeOne(context.Background(), "https://example.com/Profile?id=1")
	if err != nil {
		t.Fatalf("ScrapeOne: %v", err)
	}
	if rec.ProxyLayer != "datacenter" {
		t.Errorf("ProxyLayer = %q, want %q", rec.ProxyLayer, "datacenter")
	}
	if rec.Region != "EU" {
		t.Errorf("Region = %q, want %q", rec.Region, "EU")
	}
	if *backoffs != 0 {
		t.Errorf("backoffs = %d, want 0 for first-attempt success", *backoffs)
	}
	if !eng.allClosed() {
		t.Error("expected every session to be closed")
	}
}

func TestScrapeOne_DirectFallbackWins(t *testing.T) {
	eng := &fakeEngine{script: func(opts engine.SessionOptions) *fakeSession {
		if opts.ProxyServer != "" {
			return &fakeSession{navErr: errors.New("blocked")}
		}
		return &fakeSession{text: profileText}
	}}
	s, _ := newTestScraper(t, eng, twoLayerRotation(), 3)

	rec, err := s.ScrapeOne(context.Background(), "https://example.com/Profile?id=2")
	if err != nil {
		t.Fatalf("ScrapeOne: %v", err)
	}
	if rec.ProxyLayer != proxy.DirectLayer {
		t.Errorf("ProxyLayer = %q, want %q", rec.ProxyLayer, proxy.DirectLayer)
	}
	if rec.ProxyEndpoint != "" {
		t.Errorf("ProxyEndpoint = %q, want empty for direct", rec.ProxyEndpoint)
	}
}

func TestScrapeOne_ExhaustsRetryBudget(t *testing.T) {
	const retries = 4
	eng := &fakeEngine{script: func(opts engine.SessionOptions) *fakeSession {
		return &fakeSession{navErr: models.NewScrapeError(models.ErrCodeNavigation, "net::ERR_TIMED_OUT", nil)}
	}}
	s, backoffs := newTestScraper(t, eng, twoLayerRotation(), retries)

	_, err := s.ScrapeOne(context.Background(), "https://example.com/Profile?id=3")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	se := models.AsScrapeError(err)
	if se.Code != models.ErrCodeExhausted {
		t.Errorf("Code = %q, want %q", se.Code, models.ErrCodeExhausted)
	}
	// 3 candidates (two layers plus direct) per attempt.
	if got, want := eng.sessionCount(), retries*3; got != want {
		t.Errorf("sessions = %d, want %d", got, want)
	}
	if *backoffs != retries-1 {
		t.Errorf("backoffs = %d, want %d", *backoffs, retries-1)
	}
	if !eng.allClosed() {
		t.Error("expected every session to be closed")
	}
}

func TestScrapeOne_SnapshotFailureTriesNextCandidate(t *testing.T) {
	var calls int
	eng := &fakeEngine{script: func(opts engine.SessionOptions) *fakeSession {
		calls++
		if calls == 1 {
			return &fakeSession{textErr: errors.New("target crashed")}
		}
		return &fakeSession{text: profileText}
	}}
	s, _ := newTestScraper(t, eng, twoLayerRotation(), 2)

	rec, err := s.ScrapeOne(context.Background(), "https://example.com/Profile?id=4")
	if err != nil {
		t.Fatalf("ScrapeOne: %v", err)
	}
	if rec.FamilyName != "Greybeard Family" {
		t.Errorf("FamilyName = %q, want %q", rec.FamilyName, "Greybeard Family")
	}
	if !eng.allClosed() {
		t.Error("expected the failed session to be closed too")
	}
}

func TestScrapeOne_CancelDuringBackoffStopsPromptly(t *testing.T) {
	eng := &fakeEngine{script: func(opts engine.SessionOptions) *fakeSession {
		return &fakeSession{navErr: errors.New("unreachable")}
	}}
	rot := twoLayerRotation()
	cfg := config.Defaults()
	cfg.Scrape.Retries = 8
	cfg.Scrape.BackoffSeconds = 30.0
	ext, err := extract.NewExtractor(cfg.Layout)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	s := NewScraper(eng, rot, ext, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = s.ScrapeOne(ctx, "https://example.com/Profile?id=5")
	if err == nil {
		t.Fatal("expected error on cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took %v, real backoff was not interrupted", elapsed)
	}
}

func TestScrapeOne_NoCandidatesFails(t *testing.T) {
	eng := &fakeEngine{script: func(opts engine.SessionOptions) *fakeSession {
		return &fakeSession{text: profileText}
	}}
	rot := proxy.NewRotation(nil, false)
	s, _ := newTestScraper(t, eng, rot, 2)

	_, err := s.ScrapeOne(context.Background(), "https://example.com/Profile?id=6")
	if err == nil {
		t.Fatal("expected error when no candidates are configured")
	}
	if eng.sessionCount() != 0 {
		t.Errorf("sessions = %d, want 0", eng.sessionCount())
	}
}

func TestScrapeOne_ErrorNamesTargetAndAttempts(t *testing.T) {
	eng := &fakeEngine{script: func(opts engine.SessionOptions) *fakeSession {
		return &fakeSession{navErr: errors.New("down")}
	}}
	s, _ := newTestScraper(t, eng, twoLayerRotation(), 2)

	target := "https://example.com/Profile?id=7"
	_, err := s.ScrapeOne(context.Background(), target)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, target) || !strings.Contains(msg, fmt.Sprintf("%d attempts", 2)) {
		t.Errorf("error %q should name the target and the attempt count", msg)
	}
}
