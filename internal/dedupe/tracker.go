package dedupe

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

// Tracker remembers which keys have already been claimed per check.
// It stores 64-bit murmur3 fingerprints instead of the keys themselves.
type Tracker struct {
	mu   sync.Mutex
	seen map[string]map[uint64]struct{}
}

// NewTracker returns an empty tracker scoped to a single scan.
func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]map[uint64]struct{})}
}

// Fingerprint hashes a key.
func Fingerprint(key string) uint64 {
	return murmur3.Sum64([]byte(key))
}

// Claim returns true the first time key is seen for checkID.
// An empty key is never deduplicated.
func (t *Tracker) Claim(checkID, key string) bool {
	if key == "" {
		return true
	}
	fp := Fingerprint(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	keys, ok := t.seen[checkID]
	if !ok {
		keys = make(map[uint64]struct{})
		t.seen[checkID] = keys
	}
	if _, dup := keys[fp]; dup {
		return false
	}
	keys[fp] = struct{}{}
	return true
}

// Len returns how many distinct keys were claimed for checkID.
func (t *Tracker) Len(checkID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen[checkID])
}
