package scrape

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/use-agent/advprof/engine"
	"github.com/use-agent/advprof/proxy"
)

// concurrencyProbe tracks how many sessions are navigating at once.
type concurrencyProbe struct {
	mu     sync.Mutex
	active int
	peak   int
}

func (p *concurrencyProbe) enter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
}

func (p *concurrencyProbe) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
}

type probeSession struct {
	fakeSession
	probe *concurrencyProbe
}

func (s *probeSession) Navigate(ctx context.Context, url, waitCondition string, timeout time.Duration) error {
	s.probe.enter()
	defer s.probe.exit()
	time.Sleep(20 * time.Millisecond)
	return nil
}

type probeEngine struct {
	probe *concurrencyProbe
}

func (e *probeEngine) NewSession(ctx context.Context, opts engine.SessionOptions) (engine.Session, error) {
	return &probeSession{
		fakeSession: fakeSession{text: profileText},
		probe:       e.probe,
	}, nil
}

func (e *probeEngine) Close() error { return nil }

func TestRun_BoundsConcurrency(t *testing.T) {
	const capacity = 2
	probe := &concurrencyProbe{}
	eng := &probeEngine{probe: probe}
	rot := proxy.NewRotation(nil, true)
	s, _ := newTestScraper(t, eng, rot, 1)
	r := NewRunner(s, NewGate(capacity))

	targets := make([]string, 7)
	for i := range targets {
		targets[i] = "https://example.com/Profile?id=" + string(rune('a'+i))
	}

	outcomes := r.Run(context.Background(), targets)

	for i, o := range outcomes {
		if !o.Succeeded() {
			t.Errorf("target %d failed: %+v", i, o.Error)
		}
	}
	if probe.peak > capacity {
		t.Errorf("peak concurrency = %d, exceeds gate capacity %d", probe.peak, capacity)
	}
}

func TestRun_OneFailureDoesNotAffectSiblings(t *testing.T) {
	eng := &fakeEngine{script: func(opts engine.SessionOptions) *fakeSession {
		return &fakeSession{text: profileText}
	}}
	bad := "https://example.com/Profile?id=bad"
	s, _ := newTestScraper(t, eng, twoLayerRotation(), 1)
	s.engine = &urlAwareEngine{inner: eng, badURL: bad}

	r := NewRunner(s, NewGate(3))
	targets := []string{
		"https://example.com/Profile?id=1",
		bad,
		"https://example.com/Profile?id=2",
	}

	outcomes := r.Run(context.Background(), targets)

	if len(outcomes) != len(targets) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(targets))
	}
	for i, o := range outcomes {
		if o.TargetURL != targets[i] {
			t.Errorf("outcome %d is for %q, want %q (order must match input)", i, o.TargetURL, targets[i])
		}
	}
	if !outcomes[0].Succeeded() || !outcomes[2].Succeeded() {
		t.Error("healthy targets must succeed despite a failing sibling")
	}
	if outcomes[1].Succeeded() {
		t.Error("bad target must carry an error outcome")
	}
	if outcomes[1].Error == nil {
		t.Fatal("failed outcome must carry error detail")
	}
}

// urlAwareEngine fails navigation for one specific URL and delegates the rest.
type urlAwareEngine struct {
	inner  *fakeEngine
	badURL string
}

func (e *urlAwareEngine) NewSession(ctx context.Context, opts engine.SessionOptions) (engine.Session, error) {
	sess, err := e.inner.NewSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &urlAwareSession{Session: sess, badURL: e.badURL}, nil
}

func (e *urlAwareEngine) Close() error { return nil }

type urlAwareSession struct {
	engine.Session
	badURL string
}

func (s *urlAwareSession) Navigate(ctx context.Context, url, waitCondition string, timeout time.Duration) error {
	if url == s.badURL {
		return errors.New("simulated navigation failure")
	}
	return s.Session.Navigate(ctx, url, waitCondition, timeout)
}

func TestGate_AcquireHonorsContext(t *testing.T) {
	g := NewGate(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx); err == nil {
		g.Release()
		t.Fatal("expected Acquire to fail on a full gate with an expiring context")
	}
	if g.Active() != 1 {
		t.Errorf("Active = %d, want 1", g.Active())
	}
}

func TestGate_ActiveTracksAcquireRelease(t *testing.T) {
	g := NewGate(3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := g.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if g.Active() != 3 {
		t.Errorf("Active = %d, want 3", g.Active())
	}
	g.Release()
	if g.Active() != 2 {
		t.Errorf("Active = %d, want 2", g.Active())
	}
	if g.Capacity() != 3 {
		t.Errorf("Capacity = %d, want 3", g.Capacity())
	}
}
