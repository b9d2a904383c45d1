package dedup

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/accord/lib"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

/*
	The replay guard sits between the codec and the round tracker. It remembers the first-seen time of every
	message id inside a sliding window so re-delivered gossip is dropped as a Duplicate, and rejects as Expired
	any envelope whose timestamp is outside the window or clock skew tolerance.

	Memory is bounded two ways, both without a background sweep:
	- entries older than the window are evicted lazily, oldest first, on every Admit()
	- at capacity the oldest entry is evicted to make room

	Once an entry is evicted its id can no longer be proven unique, so the highest evicted nonce of each
	sender becomes a floor: envelopes at or below it are Expired. The floor table holds at most capacity senders,
	least recently raised first out, and a sender without a floor is only checked against the window.
*/

// Verdict is the result of admitting an envelope
type Verdict int

const (
	Admitted  Verdict = iota // first sighting, process it
	Duplicate                // already processed, drop silently
	Expired                  // outside the acceptable window, drop silently
)

// String() returns the name of the verdict for logs and metrics
func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	default:
		return "expired"
	}
}

// Guard is the per-peer replay guard
type Guard struct {
	config     lib.DedupConfig                          // window, skew and capacity
	clock      clock.Clock                              // injectable time source
	seen       *simplelru.LRU[lib.MessageID, seenEntry] // message id -> first sighting, in first-seen order
	nonceFloor *simplelru.LRU[lib.PeerID, uint64]       // highest evicted nonce per sender
	log        lib.LoggerI                              // the logger
	mux        sync.Mutex                               // serializes admits
}

// seenEntry is what is remembered about an admitted envelope
type seenEntry struct {
	firstSeen time.Time
	sender    lib.PeerID
	nonce     uint64
}

// NewGuard() creates a replay guard
func NewGuard(config lib.DedupConfig, c clock.Clock, log lib.LoggerI) *Guard {
	if config.Capacity <= 0 {
		config.Capacity = lib.DefaultDedupConfig().Capacity
	}
	g := &Guard{
		config: config,
		clock:  c,
		log:    log,
	}
	// only fails on a non-positive size
	g.seen, _ = simplelru.NewLRU[lib.MessageID, seenEntry](config.Capacity, g.onEvict)
	g.nonceFloor, _ = simplelru.NewLRU[lib.PeerID, uint64](config.Capacity, nil)
	return g
}

// Admit() classifies the envelope as Admitted, Duplicate or Expired and remembers admitted ids
func (g *Guard) Admit(e *lib.Envelope) Verdict {
	g.mux.Lock()
	defer g.mux.Unlock()
	now := g.clock.Now()
	// lazily drop everything that fell out of the window
	g.evictExpired(now)
	// already processed
	if g.seen.Contains(e.ID) {
		return Duplicate
	}
	// too old or too far in the future
	ts := e.Time()
	if ts.Before(now.Add(-g.config.Window())) || ts.After(now.Add(g.config.Skew())) {
		g.log.Debugf("Envelope %s from %s expired, timestamp %d", e.ID, e.Sender, e.Timestamp)
		return Expired
	}
	// can't prove uniqueness below an evicted nonce
	if floor, ok := g.nonceFloor.Peek(e.Sender); ok && e.Nonce <= floor {
		g.log.Debugf("Envelope %s from %s expired, nonce %d <= floor %d", e.ID, e.Sender, e.Nonce, floor)
		return Expired
	}
	// remember, evicting the oldest if at capacity
	g.seen.Add(e.ID, seenEntry{firstSeen: now, sender: e.Sender, nonce: e.Nonce})
	return Admitted
}

// Seen() returns true if the id is currently remembered
func (g *Guard) Seen(id lib.MessageID) bool {
	g.mux.Lock()
	defer g.mux.Unlock()
	return g.seen.Contains(id)
}

// Len() returns the number of remembered ids
func (g *Guard) Len() int {
	g.mux.Lock()
	defer g.mux.Unlock()
	return g.seen.Len()
}

// Floors() returns the number of senders with a nonce floor
func (g *Guard) Floors() int {
	g.mux.Lock()
	defer g.mux.Unlock()
	return g.nonceFloor.Len()
}

// Forget() drops the nonce floor of a peer that went away
func (g *Guard) Forget(sender lib.PeerID) {
	g.mux.Lock()
	defer g.mux.Unlock()
	g.nonceFloor.Remove(sender)
}

// evictExpired() removes entries first seen before the window, oldest first
func (g *Guard) evictExpired(now time.Time) {
	cutoff := now.Add(-g.config.Window())
	for {
		_, oldest, ok := g.seen.GetOldest()
		if !ok || !oldest.firstSeen.Before(cutoff) {
			return
		}
		g.seen.RemoveOldest()
	}
}

// onEvict() raises the sender's nonce floor to the evicted nonce
func (g *Guard) onEvict(_ lib.MessageID, e seenEntry) {
	if floor, ok := g.nonceFloor.Peek(e.sender); !ok || e.nonce > floor {
		g.nonceFloor.Add(e.sender, e.nonce)
	}
}
