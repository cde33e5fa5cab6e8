package proxy

import (
	"math/rand"
	"sync"
)

// DirectLayer is the layer name reported for the direct-connection candidate.
const DirectLayer = "direct"

// Layer is one named, ordered pool of proxy endpoints. Layers are tried in
// declared order before falling back to a direct connection.
type Layer struct {
	Name      string
	Endpoints []string
}

// Candidate is one (layer, endpoint) pairing to attempt. An empty Endpoint
// means a direct connection with no proxy.
type Candidate struct {
	Layer    string
	Endpoint string
}

// Direct reports whether the candidate is the direct-connection sentinel.
func (c Candidate) Direct() bool {
	return c.Endpoint == ""
}

// Rotation tracks per-layer round-robin state across a run.
// It is safe for concurrent use: counter reads and increments are serialized
// so the round-robin sequence stays strict under concurrent scrapes.
type Rotation struct {
	mu             sync.Mutex
	layers         []layerState
	directFallback bool
}

type layerState struct {
	name      string
	endpoints []string
	counter   int
}

// NewRotation builds a Rotation from the declared layers. Each layer's
// endpoint order is shuffled exactly once here, so no endpoint is permanently
// favored across runs; after that the order is fixed and the per-layer
// counters only ever grow.
func NewRotation(layers []Layer, directFallback bool) *Rotation {
	states := make([]layerState, 0, len(layers))
	for _, l := range layers {
		eps := make([]string, len(l.Endpoints))
		copy(eps, l.Endpoints)
		rand.Shuffle(len(eps), func(i, j int) {
			eps[i], eps[j] = eps[j], eps[i]
		})
		states = append(states, layerState{name: l.Name, endpoints: eps})
	}
	return &Rotation{layers: states, directFallback: directFallback}
}

// Candidates returns one candidate per non-empty layer, in declared layer
// order, followed by the direct sentinel when the fallback is enabled.
// Every call advances each non-empty layer's counter by one, whether or not
// the returned candidates end up being used.
func (r *Rotation) Candidates() []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	picks := make([]Candidate, 0, len(r.layers)+1)
	for i := range r.layers {
		l := &r.layers[i]
		if len(l.endpoints) == 0 {
			continue
		}
		idx := l.counter % len(l.endpoints)
		l.counter++
		picks = append(picks, Candidate{Layer: l.name, Endpoint: l.endpoints[idx]})
	}

	if r.directFallback {
		picks = append(picks, Candidate{Layer: DirectLayer})
	}

	return picks
}
