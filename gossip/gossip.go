package gossip

import (
	"slices"
	"sync"

	"github.com/canopy-network/accord/lib"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

/*
	The disseminator floods admitted envelopes through the peer graph.

	On receipt of a newly admitted envelope it forwards the raw bytes to every connected peer except the one it
	arrived from (and its author). Every (message id, peer) edge is used at most once: a peer that sent us a
	message, or that we already sent it to, never receives it from us again. Forwarding state is bounded by an
	LRU over message ids and pruned when a peer disconnects.
*/

// Transport is the send side of the transport collaborator
type Transport interface {
	Send(peer lib.PeerID, bz []byte) lib.ErrorI
}

// Disseminator is the flood-fill gossip component of a single peer
type Disseminator struct {
	self      lib.PeerID                                             // never forward to self
	config    lib.GossipConfig                                       // forwarding options
	transport Transport                                              // outbound sends
	peers     map[lib.PeerID]struct{}                                // connected peers
	known     *simplelru.LRU[lib.MessageID, map[lib.PeerID]struct{}] // message id -> peers that have it
	metrics   *lib.Metrics                                           // telemetry
	log       lib.LoggerI                                            // the logger
	mux       sync.Mutex                                             // guards peers and known
}

// NewDisseminator() creates a flood-fill disseminator
func NewDisseminator(self lib.PeerID, config lib.GossipConfig, t Transport, metrics *lib.Metrics, log lib.LoggerI) *Disseminator {
	if config.ForwardCacheSize <= 0 {
		config.ForwardCacheSize = lib.DefaultGossipConfig().ForwardCacheSize
	}
	known, _ := simplelru.NewLRU[lib.MessageID, map[lib.PeerID]struct{}](config.ForwardCacheSize, nil)
	return &Disseminator{
		self:      self,
		config:    config,
		transport: t,
		peers:     make(map[lib.PeerID]struct{}),
		known:     known,
		metrics:   metrics,
		log:       log,
	}
}

// Broadcast() sends a locally authored envelope to every connected peer
func (d *Disseminator) Broadcast(e *lib.Envelope, bz []byte) (sent int) {
	d.mux.Lock()
	targets := d.targets(e.ID, "", e.Sender)
	d.mux.Unlock()
	return d.send(e, bz, targets)
}

// OnReceive() forwards a newly admitted envelope to every connected peer except the one it came from
func (d *Disseminator) OnReceive(e *lib.Envelope, bz []byte, from lib.PeerID) (sent int) {
	d.mux.Lock()
	// the sending peer already has the message
	d.markKnown(e.ID, from)
	if !d.config.Enabled {
		d.mux.Unlock()
		return 0
	}
	targets := d.targets(e.ID, from, e.Sender)
	d.mux.Unlock()
	return d.send(e, bz, targets)
}

// PeerConnected() adds a peer to the forwarding set
func (d *Disseminator) PeerConnected(peer lib.PeerID) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.peers[peer] = struct{}{}
	d.metrics.UpdatePeers(len(d.peers))
}

// PeerDisconnected() removes a peer and prunes its forwarding state
func (d *Disseminator) PeerDisconnected(peer lib.PeerID) {
	d.mux.Lock()
	defer d.mux.Unlock()
	delete(d.peers, peer)
	for _, id := range d.known.Keys() {
		if set, ok := d.known.Peek(id); ok {
			delete(set, peer)
		}
	}
	d.metrics.UpdatePeers(len(d.peers))
}

// Peers() returns the connected peers in order
func (d *Disseminator) Peers() []lib.PeerID {
	d.mux.Lock()
	defer d.mux.Unlock()
	out := make([]lib.PeerID, 0, len(d.peers))
	for p := range d.peers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// KnownBy() returns the peers that sent us or were sent the message, in order
func (d *Disseminator) KnownBy(id lib.MessageID) []lib.PeerID {
	d.mux.Lock()
	defer d.mux.Unlock()
	set, _ := d.known.Peek(id)
	out := make([]lib.PeerID, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// targets() selects and reserves the edges to forward on; the caller holds the lock
func (d *Disseminator) targets(id lib.MessageID, from, author lib.PeerID) (out []lib.PeerID) {
	set := d.knownSet(id)
	for p := range d.peers {
		if p == from || p == author || p == d.self {
			continue
		}
		// at most once per edge
		if _, done := set[p]; done {
			continue
		}
		set[p] = struct{}{}
		out = append(out, p)
	}
	slices.Sort(out)
	return
}

// markKnown() records that the peer has the message; the caller holds the lock
func (d *Disseminator) markKnown(id lib.MessageID, peer lib.PeerID) {
	if peer == "" {
		return
	}
	d.knownSet(id)[peer] = struct{}{}
}

// knownSet() returns the peer set for a message, creating it if needed
func (d *Disseminator) knownSet(id lib.MessageID) map[lib.PeerID]struct{} {
	set, ok := d.known.Peek(id)
	if !ok {
		set = make(map[lib.PeerID]struct{})
		d.known.Add(id, set)
	}
	return set
}

// send() writes the raw bytes to each target outside the lock
func (d *Disseminator) send(e *lib.Envelope, bz []byte, targets []lib.PeerID) (sent int) {
	for _, p := range targets {
		if err := d.transport.Send(p, bz); err != nil {
			d.log.Warnf("Forwarding %s to %s failed: %s", e.ID, p, err.Error())
			continue
		}
		d.metrics.ObserveForward()
		sent++
	}
	return
}
