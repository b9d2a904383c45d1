package p2p

import (
	"bytes"
	"slices"
	"sync"

	"github.com/canopy-network/accord/lib"
)

/*
	The memory network links transports inside one process. Links are symmetric and explicit, so tests can build
	any topology, partition it and heal it.

	Every transport delivers its events (connects, disconnects and frames) in order from a single goroutine
	through an unbounded queue: a send never blocks on the receiver, like a socket with an infinite buffer.
*/

// MemoryNetwork is a set of in process transports and the links between them
type MemoryNetwork struct {
	transports map[lib.PeerID]*MemoryTransport // joined peers
	links      map[lib.PeerID]map[lib.PeerID]struct{}
	mux        sync.Mutex // guards transports and links
}

// NewMemoryNetwork() creates an empty network
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		transports: make(map[lib.PeerID]*MemoryTransport),
		links:      make(map[lib.PeerID]map[lib.PeerID]struct{}),
	}
}

// Join() adds a peer to the network and returns its transport
func (n *MemoryNetwork) Join(id lib.PeerID) *MemoryTransport {
	n.mux.Lock()
	defer n.mux.Unlock()
	t := &MemoryTransport{id: id, network: n}
	t.cond = sync.NewCond(&t.mux)
	n.transports[id] = t
	n.links[id] = make(map[lib.PeerID]struct{})
	return t
}

// Connect() links two peers, both sides see the other connect
func (n *MemoryNetwork) Connect(a, b lib.PeerID) lib.ErrorI {
	n.mux.Lock()
	defer n.mux.Unlock()
	ta, tb := n.transports[a], n.transports[b]
	switch {
	case ta == nil:
		return lib.ErrUnknownPeer(a)
	case tb == nil:
		return lib.ErrUnknownPeer(b)
	case a == b:
		return lib.ErrInvalidArgument()
	}
	if _, linked := n.links[a][b]; linked {
		return lib.ErrDuplicatePeer(b)
	}
	n.links[a][b], n.links[b][a] = struct{}{}, struct{}{}
	ta.push(func(h Handler) { h.OnPeerConnected(b) })
	tb.push(func(h Handler) { h.OnPeerConnected(a) })
	return nil
}

// Disconnect() removes the link between two peers, both sides see the other disconnect
func (n *MemoryNetwork) Disconnect(a, b lib.PeerID) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.unlink(a, b)
}

// FullMesh() links every pair of joined peers that is not linked yet
func (n *MemoryNetwork) FullMesh() {
	n.mux.Lock()
	ids := make([]lib.PeerID, 0, len(n.transports))
	for id := range n.transports {
		ids = append(ids, id)
	}
	n.mux.Unlock()
	slices.Sort(ids)
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			_ = n.Connect(a, b)
		}
	}
}

// Partition() cuts every link between the two groups
func (n *MemoryNetwork) Partition(left, right []lib.PeerID) {
	n.mux.Lock()
	defer n.mux.Unlock()
	for _, a := range left {
		for _, b := range right {
			n.unlink(a, b)
		}
	}
}

// unlink() removes a link if it exists; the caller holds the lock
func (n *MemoryNetwork) unlink(a, b lib.PeerID) {
	if _, linked := n.links[a][b]; !linked {
		return
	}
	delete(n.links[a], b)
	delete(n.links[b], a)
	n.transports[a].push(func(h Handler) { h.OnPeerDisconnected(b) })
	n.transports[b].push(func(h Handler) { h.OnPeerDisconnected(a) })
}

// deliver() queues a frame on the receiving side of a link
func (n *MemoryNetwork) deliver(from, to lib.PeerID, bz []byte) lib.ErrorI {
	n.mux.Lock()
	defer n.mux.Unlock()
	if _, linked := n.links[from][to]; !linked {
		return lib.ErrUnknownPeer(to)
	}
	// the receiver owns its copy
	frame := bytes.Clone(bz)
	n.transports[to].push(func(h Handler) { h.OnReceive(frame, from) })
	return nil
}

// peers() lists the peers linked to id
func (n *MemoryNetwork) peers(id lib.PeerID) []lib.PeerID {
	n.mux.Lock()
	defer n.mux.Unlock()
	out := make([]lib.PeerID, 0, len(n.links[id]))
	for p := range n.links[id] {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// leave() removes every link of a peer
func (n *MemoryNetwork) leave(id lib.PeerID) {
	n.mux.Lock()
	defer n.mux.Unlock()
	for p := range n.links[id] {
		n.unlink(id, p)
	}
}

// MemoryTransport is one peer's endpoint on a memory network
type MemoryTransport struct {
	id      lib.PeerID      // the local peer
	network *MemoryNetwork  // the shared link table
	handler Handler         // inbound events
	pending []func(Handler) // queued events in arrival order
	started bool            // the delivery loop runs
	stopped bool            // no more deliveries
	done    chan struct{}   // closed when the delivery loop exits
	cond    *sync.Cond      // signals pending events
	mux     sync.Mutex      // guards the queue and flags
}

// SetHandler() implements Transport
func (t *MemoryTransport) SetHandler(h Handler) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.handler = h
}

// Start() begins delivering queued events to the handler
func (t *MemoryTransport) Start() lib.ErrorI {
	t.mux.Lock()
	defer t.mux.Unlock()
	switch {
	case t.stopped:
		return lib.ErrTransportStopped()
	case t.started:
		return nil
	}
	t.started, t.done = true, make(chan struct{})
	go t.run()
	return nil
}

// Stop() leaves the network and stops delivering, queued events are dropped
func (t *MemoryTransport) Stop() {
	t.network.leave(t.id)
	t.mux.Lock()
	t.stopped, t.pending = true, nil
	done := t.done
	t.cond.Broadcast()
	t.mux.Unlock()
	if done != nil {
		<-done
	}
}

// Send() implements Transport
func (t *MemoryTransport) Send(peer lib.PeerID, bz []byte) lib.ErrorI {
	t.mux.Lock()
	stopped := t.stopped
	t.mux.Unlock()
	if stopped {
		return lib.ErrTransportStopped()
	}
	return t.network.deliver(t.id, peer, bz)
}

// Peers() implements Transport
func (t *MemoryTransport) Peers() []lib.PeerID { return t.network.peers(t.id) }

// ID() is the local peer
func (t *MemoryTransport) ID() lib.PeerID { return t.id }

// push() queues an event for delivery
func (t *MemoryTransport) push(ev func(Handler)) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.stopped {
		return
	}
	t.pending = append(t.pending, ev)
	t.cond.Signal()
}

// run() is the delivery loop
func (t *MemoryTransport) run() {
	defer close(t.done)
	for {
		t.mux.Lock()
		for len(t.pending) == 0 && !t.stopped {
			t.cond.Wait()
		}
		if t.stopped {
			t.mux.Unlock()
			return
		}
		ev, h := t.pending[0], t.handler
		t.pending[0] = nil
		t.pending = t.pending[1:]
		t.mux.Unlock()
		if h != nil {
			ev(h)
		}
	}
}
