package p2p

import (
	"slices"
	"sync"

	"github.com/canopy-network/accord/lib"
)

// PeerSet is the structure that maintains the connections of connected peers
type PeerSet struct {
	self         lib.PeerID           // the local peer, breaks duplicate connection ties
	m            map[lib.PeerID]*Conn // peer id -> connection
	sync.RWMutex                      // read / write mutex
	config       lib.P2PConfig        // p2p configuration
}

// NewPeerSet() creates an empty peer set
func NewPeerSet(self lib.PeerID, config lib.P2PConfig) PeerSet {
	return PeerSet{
		self:   self,
		m:      make(map[lib.PeerID]*Conn),
		config: config,
	}
}

// Add() introduces a connection to the set
// when a peer is already connected, both sides keep the connection opened by the lexically smaller peer id so
// simultaneous dials converge on one connection; replaced is the connection that lost and must be stopped
func (ps *PeerSet) Add(c *Conn) (replaced *Conn, err lib.ErrorI) {
	ps.Lock()
	defer ps.Unlock()
	if existing, found := ps.m[c.peer]; found {
		if c.dialer(ps.self) >= existing.dialer(ps.self) {
			return nil, lib.ErrDuplicatePeer(c.peer)
		}
		// keep redialing the peer if the losing connection was a persistent dial
		if c.address == "" {
			c.address = existing.address
		}
		ps.m[c.peer] = c
		return existing, nil
	}
	if ps.config.MaxPeers > 0 && len(ps.m) >= ps.config.MaxPeers {
		return nil, lib.ErrMaxPeers()
	}
	ps.m[c.peer] = c
	return nil, nil
}

// Remove() evicts a connection from the set, false if the peer is now served by another connection
func (ps *PeerSet) Remove(c *Conn) (removed bool) {
	ps.Lock()
	defer ps.Unlock()
	if current, found := ps.m[c.peer]; !found || current != c {
		return false
	}
	delete(ps.m, c.peer)
	return true
}

// Get() returns the connection of a peer
func (ps *PeerSet) Get(peer lib.PeerID) (*Conn, lib.ErrorI) {
	ps.RLock()
	defer ps.RUnlock()
	c, found := ps.m[peer]
	if !found {
		return nil, lib.ErrUnknownPeer(peer)
	}
	return c, nil
}

// Has() returns true if the peer is connected
func (ps *PeerSet) Has(peer lib.PeerID) bool {
	ps.RLock()
	defer ps.RUnlock()
	_, found := ps.m[peer]
	return found
}

// IDs() returns the connected peer ids in order
func (ps *PeerSet) IDs() []lib.PeerID {
	ps.RLock()
	defer ps.RUnlock()
	ids := make([]lib.PeerID, 0, len(ps.m))
	for id := range ps.m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len() returns the number of connected peers
func (ps *PeerSet) Len() int {
	ps.RLock()
	defer ps.RUnlock()
	return len(ps.m)
}

// removeAll() empties the set and returns the connections it held
func (ps *PeerSet) removeAll() (conns []*Conn) {
	ps.Lock()
	defer ps.Unlock()
	for id, c := range ps.m {
		conns = append(conns, c)
		delete(ps.m, id)
	}
	return
}
