package p2p

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/canopy-network/accord/lib"
	"github.com/cenkalti/backoff/v4"
)

/*
	The transport moves opaque envelope bytes between peers. It knows nothing about envelopes: the coordinator
	decodes, dedups and gossips; the transport only frames, limits and delivers.

	Two implementations are provided:
	- P2P: framed TCP between processes
	- MemoryTransport: in process links for tests and simulations
*/

const (
	transport   = "tcp"
	dialTimeout = time.Second
)

// Handler receives inbound frames and peer lifecycle events from a transport
type Handler interface {
	OnReceive(bz []byte, from lib.PeerID)
	OnPeerConnected(peer lib.PeerID)
	OnPeerDisconnected(peer lib.PeerID)
}

// Transport is the transport collaborator of a coordination peer
type Transport interface {
	// Send() delivers bytes to a connected peer
	Send(peer lib.PeerID, bz []byte) lib.ErrorI
	// SetHandler() sets the receiver of inbound events, must be called before Start()
	SetHandler(h Handler)
	// Peers() lists the connected peers in order
	Peers() []lib.PeerID
	// Start() begins accepting and dialing
	Start() lib.ErrorI
	// Stop() closes every connection
	Stop()
}

// ensure both implementations satisfy the Transport interface
var (
	_ Transport = &P2P{}
	_ Transport = &MemoryTransport{}
)

// P2P is the framed tcp transport
type P2P struct {
	self     lib.PeerID         // the id announced in every hello
	config   lib.P2PConfig      // transport options
	listener net.Listener       // inbound connections
	handler  Handler            // inbound events
	PeerSet                     // active set
	ctx      context.Context    // cancelled on stop, ends redials
	cancel   context.CancelFunc // stops the transport
	wg       sync.WaitGroup     // accept loop and dialers
	log      lib.LoggerI        // the logger
	mux      sync.Mutex         // orders background work against stop
}

// NewP2P() creates a tcp transport for the local peer
func NewP2P(self lib.PeerID, config lib.P2PConfig, log lib.LoggerI) *P2P {
	ctx, cancel := context.WithCancel(context.Background())
	return &P2P{
		self:    self,
		config:  config,
		PeerSet: NewPeerSet(self, config),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
}

// SetHandler() implements Transport
func (p *P2P) SetHandler(h Handler) { p.handler = h }

// Start() listens on the configured address and dials the configured peers in the background
func (p *P2P) Start() lib.ErrorI {
	ln, er := net.Listen(transport, p.config.ListenAddress)
	if er != nil {
		return lib.ErrFailedListen(er)
	}
	p.listener = ln
	p.log.Infof("Listening for peers on %s", ln.Addr())
	p.background(p.Listen)
	for _, address := range p.config.DialPeers {
		p.background(func() { p.DialWithBackoff(address) })
	}
	return nil
}

// Stop() stops accepting, ends redials and closes every connection
func (p *P2P) Stop() {
	p.mux.Lock()
	p.cancel()
	p.mux.Unlock()
	if p.listener != nil {
		_ = p.listener.Close()
	}
	for _, c := range p.removeAll() {
		c.Stop()
		p.handler.OnPeerDisconnected(c.peer)
	}
	p.wg.Wait()
}

// ListenAddr() is the bound listen address, useful when listening on port 0
func (p *P2P) ListenAddr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Peers() implements Transport
func (p *P2P) Peers() []lib.PeerID { return p.IDs() }

// Send() implements Transport
func (p *P2P) Send(peer lib.PeerID, bz []byte) lib.ErrorI {
	c, err := p.Get(peer)
	if err != nil {
		return err
	}
	return c.Send(bz)
}

// Listen() accepts inbound connections until the listener closes
func (p *P2P) Listen() {
	for {
		c, er := p.listener.Accept()
		if er != nil {
			if p.ctx.Err() == nil {
				p.log.Errorf("Accepting peers failed: %s", er.Error())
			}
			return
		}
		go func(c net.Conn) {
			defer lib.CatchPanic(p.log)
			if err := p.AddPeer(c, false, ""); err != nil {
				p.log.Debugf("Rejected inbound connection from %s: %s", c.RemoteAddr(), err.Error())
				_ = c.Close()
			}
		}(c)
	}
}

// Dial() connects to an address once, a redial connection is dialed again after it drops
func (p *P2P) Dial(address string, redial bool) lib.ErrorI {
	if p.ctx.Err() != nil {
		return lib.ErrTransportStopped()
	}
	c, er := net.DialTimeout(transport, address, dialTimeout)
	if er != nil {
		return lib.ErrFailedDial(er)
	}
	if !redial {
		address = ""
	}
	if err := p.AddPeer(c, true, address); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// DialWithBackoff() dials an address until it connects, the peer is already connected, or the transport stops
func (p *P2P) DialWithBackoff(address string) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	_ = backoff.Retry(func() error {
		err := p.Dial(address, true)
		switch {
		case err == nil:
			return nil
		case lib.IsCode(err, lib.P2PModule, lib.CodeDuplicatePeer), lib.IsCode(err, lib.P2PModule, lib.CodeTransportStopped):
			return backoff.Permanent(err)
		}
		p.log.Debugf("Dialing %s failed: %s", address, err.Error())
		return err
	}, backoff.WithContext(policy, p.ctx))
}

// AddPeer() authenticates a raw connection and adds it to the active set
func (p *P2P) AddPeer(c net.Conn, outbound bool, address string) lib.ErrorI {
	conn, err := newConn(c, p.self, outbound, address, p.config, p.log)
	if err != nil {
		return err
	}
	replaced, err := p.PeerSet.Add(conn)
	if err != nil {
		return err
	}
	if p.ctx.Err() != nil {
		p.PeerSet.Remove(conn)
		return lib.ErrTransportStopped()
	}
	if replaced != nil {
		// the peer stays connected, only the connection changes
		p.log.Debugf("Replaced duplicate connection to %s", conn.peer)
		replaced.Stop()
	} else {
		p.log.Infof("Connected to peer %s (outbound=%t)", conn.peer, outbound)
		p.handler.OnPeerConnected(conn.peer)
	}
	conn.Start(p.handler.OnReceive, p.OnPeerError)
	return nil
}

// OnPeerError() removes a failed connection and schedules a redial for persistent peers
func (p *P2P) OnPeerError(c *Conn, err lib.ErrorI) {
	if !p.PeerSet.Remove(c) {
		return
	}
	p.log.Infof("Disconnected from peer %s", c.peer)
	p.handler.OnPeerDisconnected(c.peer)
	if c.address != "" {
		p.background(func() { p.DialWithBackoff(c.address) })
	}
}

// background() runs fn on a tracked goroutine unless the transport stopped
func (p *P2P) background(fn func()) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.ctx.Err() != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer lib.CatchPanic(p.log)
		fn()
	}()
}
