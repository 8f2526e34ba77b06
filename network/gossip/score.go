package gossip

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Score adjustments. Deliveries earn back slowly; misbehavior costs fast, so
// a peer cannot launder invalid traffic with valid traffic.
const (
	scoreFirstDelivery = 1.0
	scoreDuplicate     = -1.0
	scoreMalformed     = -5.0
	scoreInvalid       = -10.0

	// decayFactor is applied every heartbeat.
	decayFactor = 0.95
	// decayFloor drops entries once they are effectively zero.
	decayFloor = 0.01
)

// scoreBook tracks per-peer application scores.
type scoreBook struct {
	mu sync.Mutex
	m  map[peer.ID]float64
}

func newScoreBook() *scoreBook {
	return &scoreBook{m: make(map[peer.ID]float64)}
}

// Add applies a delta and returns the new score.
func (s *scoreBook) Add(p peer.ID, delta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[p] += delta
	return s.m[p]
}

// Get returns the current score; unknown peers are neutral.
func (s *scoreBook) Get(p peer.ID) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[p]
}

// Decay shrinks every score toward zero and forgets settled peers.
func (s *scoreBook) Decay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, v := range s.m {
		v *= decayFactor
		if v > -decayFloor && v < decayFloor {
			delete(s.m, p)
			continue
		}
		s.m[p] = v
	}
}

// Below returns the peers whose score is under the threshold.
func (s *scoreBook) Below(threshold float64) []peer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []peer.ID
	for p, v := range s.m {
		if v < threshold {
			out = append(out, p)
		}
	}
	return out
}

// Forget drops a departed peer.
func (s *scoreBook) Forget(p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, p)
}
