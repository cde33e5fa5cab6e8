package proxy

import "testing"

func TestCandidates_OnePerLayerPlusDirect(t *testing.T) {
	r := NewRotation([]Layer{
		{Name: "residential", Endpoints: []string{"http://r1", "http://r2"}},
		{Name: "empty"},
		{Name: "datacenter", Endpoints: []string{"http://d1"}},
	}, true)

	picks := r.Candidates()
	if len(picks) != 3 {
		t.Fatalf("got %d candidates, want 3 (two non-empty layers + direct)", len(picks))
	}
	if picks[0].Layer != "residential" || picks[1].Layer != "datacenter" {
		t.Errorf("layer order not preserved: %+v", picks)
	}
	if picks[2].Layer != DirectLayer || !picks[2].Direct() {
		t.Errorf("last candidate should be the direct sentinel, got %+v", picks[2])
	}
	for _, p := range picks[:2] {
		if p.Direct() {
			t.Errorf("layer candidate %q has no endpoint", p.Layer)
		}
	}
}

func TestCandidates_NoDirectFallback(t *testing.T) {
	r := NewRotation([]Layer{
		{Name: "only", Endpoints: []string{"http://a"}},
	}, false)

	picks := r.Candidates()
	if len(picks) != 1 {
		t.Fatalf("got %d candidates, want 1", len(picks))
	}
	if picks[0].Direct() {
		t.Error("no direct sentinel expected when fallback is disabled")
	}
}

func TestCandidates_EmptyLayersOnly(t *testing.T) {
	r := NewRotation([]Layer{{Name: "a"}, {Name: "b"}}, true)

	picks := r.Candidates()
	if len(picks) != 1 || picks[0].Layer != DirectLayer {
		t.Fatalf("empty layers should yield only the direct sentinel, got %+v", picks)
	}
}

func TestCandidates_RoundRobinCoverage(t *testing.T) {
	endpoints := []string{"http://a", "http://b", "http://c"}
	r := NewRotation([]Layer{{Name: "pool", Endpoints: endpoints}}, false)

	// After len(endpoints) calls every endpoint must have been selected once.
	seen := make(map[string]int)
	for range endpoints {
		picks := r.Candidates()
		seen[picks[0].Endpoint]++
	}
	for _, ep := range endpoints {
		if seen[ep] != 1 {
			t.Errorf("endpoint %s selected %d times in one full cycle, want 1", ep, seen[ep])
		}
	}

	// A second full cycle covers everything again.
	for range endpoints {
		picks := r.Candidates()
		seen[picks[0].Endpoint]++
	}
	for _, ep := range endpoints {
		if seen[ep] != 2 {
			t.Errorf("endpoint %s selected %d times after two cycles, want 2", ep, seen[ep])
		}
	}
}

func TestCandidates_CounterAdvancesEvenIfUnused(t *testing.T) {
	r := NewRotation([]Layer{{Name: "pool", Endpoints: []string{"http://a", "http://b"}}}, false)

	first := r.Candidates()[0].Endpoint
	second := r.Candidates()[0].Endpoint
	if first == second {
		t.Errorf("consecutive calls returned the same endpoint %q; counter did not advance", first)
	}
	third := r.Candidates()[0].Endpoint
	if third != first {
		t.Errorf("length-2 layer should wrap on the third call: got %q, want %q", third, first)
	}
}

func TestCandidates_ConcurrentCallsKeepCoverage(t *testing.T) {
	endpoints := []string{"http://a", "http://b", "http://c", "http://d"}
	r := NewRotation([]Layer{{Name: "pool", Endpoints: endpoints}}, false)

	const cycles = 8
	results := make(chan string, len(endpoints)*cycles)
	done := make(chan struct{})
	for i := 0; i < len(endpoints)*cycles; i++ {
		go func() {
			results <- r.Candidates()[0].Endpoint
			done <- struct{}{}
		}()
	}
	for i := 0; i < len(endpoints)*cycles; i++ {
		<-done
	}
	close(results)

	seen := make(map[string]int)
	for ep := range results {
		seen[ep]++
	}
	// Strict serialization means perfectly even coverage.
	for _, ep := range endpoints {
		if seen[ep] != cycles {
			t.Errorf("endpoint %s selected %d times, want %d", ep, seen[ep], cycles)
		}
	}
}
