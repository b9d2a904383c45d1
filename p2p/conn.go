package p2p

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/canopy-network/accord/lib"
	pool "github.com/libp2p/go-buffer-pool"
	limiter "github.com/mxk/go-flowrate/flowrate"
	"golang.org/x/sync/errgroup"
)

const (
	protocolVersion  = 1
	chunkSize        = 4096
	minReadBuffer    = 4096
	maxQueueSize     = 1024
	queueSendTimeout = 5 * time.Second
	handshakeTimeout = 5 * time.Second
	maxHelloSize     = 1024
)

/*
	A Conn is a rate limited, length framed connection to a single authenticated peer.

	Every frame on the wire is a uvarint length followed by that many bytes. The first frame in each direction is
	the hello which names the peer; every later frame is an opaque message handed to the receive callback.
	Sends are queued and written by a dedicated loop so a slow peer never blocks the caller.
*/

// Conn is an established connection to a peer
type Conn struct {
	conn      net.Conn                 // the underlying connection
	reader    *bufio.Reader            // buffered reads, shared with the handshake
	peer      lib.PeerID               // the id the peer announced in its hello
	outbound  bool                     // we dialed the peer
	address   string                   // redialed after a drop, empty for inbound and one-off dials
	config    lib.P2PConfig            // frame and rate limits
	sendQueue chan []byte              // frames waiting to be written
	quit      chan struct{}            // closed on stop
	onReceive func([]byte, lib.PeerID) // inbound frames
	onError   func(*Conn, lib.ErrorI)  // reported once when either loop fails
	error     sync.Once                // ensures a single error report
	stop      sync.Once                // ensures a single stop
	log       lib.LoggerI              // the logger
}

// hello is the first frame each side sends
type hello struct {
	Version int        `json:"version"`
	PeerID  lib.PeerID `json:"peerID"`
}

// newConn() performs the hello handshake over a raw connection and returns the conn, not yet started
func newConn(c net.Conn, self lib.PeerID, outbound bool, address string, config lib.P2PConfig, log lib.LoggerI) (*Conn, lib.ErrorI) {
	reader := bufio.NewReaderSize(c, minReadBuffer)
	peer, err := handshake(c, reader, self)
	if err != nil {
		return nil, err
	}
	return &Conn{
		conn:      c,
		reader:    reader,
		peer:      peer,
		outbound:  outbound,
		address:   address,
		config:    config,
		sendQueue: make(chan []byte, maxQueueSize),
		quit:      make(chan struct{}),
		log:       log,
	}, nil
}

// handshake() swaps hellos concurrently under a deadline and validates the peer's
func handshake(c net.Conn, reader *bufio.Reader, self lib.PeerID) (lib.PeerID, lib.ErrorI) {
	if err := c.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", lib.ErrBadHandshake(err)
	}
	bz, err := lib.MarshalJSON(&hello{Version: protocolVersion, PeerID: self})
	if err != nil {
		return "", err
	}
	var (
		g    errgroup.Group
		peer hello
	)
	g.Go(func() error { return writeFrame(c, bz, nil, 0) })
	g.Go(func() error {
		frame, e := readFrame(reader, maxHelloSize, nil, 0)
		if e != nil {
			return e
		}
		return lib.UnmarshalJSON(frame, &peer)
	})
	if er := g.Wait(); er != nil {
		return "", lib.ErrBadHandshake(er)
	}
	switch {
	case peer.Version != protocolVersion:
		return "", lib.ErrBadHandshake(fmt.Errorf("unsupported protocol version %d", peer.Version))
	case peer.PeerID == "":
		return "", lib.ErrBadHandshake(fmt.Errorf("empty peer id"))
	case peer.PeerID == self:
		return "", lib.ErrBadHandshake(fmt.Errorf("connected to self"))
	}
	if er := c.SetDeadline(time.Time{}); er != nil {
		return "", lib.ErrBadHandshake(er)
	}
	return peer.PeerID, nil
}

// Start() runs the send and receive loops
func (c *Conn) Start(onReceive func([]byte, lib.PeerID), onError func(*Conn, lib.ErrorI)) {
	c.onReceive, c.onError = onReceive, onError
	go c.startSendLoop()
	go c.startReceiveLoop()
}

// Stop() closes the connection, the loops exit on their own
func (c *Conn) Stop() {
	c.stop.Do(func() {
		close(c.quit)
		_ = c.conn.Close()
	})
}

// Send() queues a frame for the send loop
func (c *Conn) Send(bz []byte) lib.ErrorI {
	if limit := c.config.MaxFrameBytes; limit > 0 && len(bz) > limit {
		return lib.ErrFrameTooLarge(uint64(len(bz)), uint64(limit))
	}
	timer := time.NewTimer(queueSendTimeout)
	defer timer.Stop()
	select {
	case c.sendQueue <- bz:
		return nil
	case <-c.quit:
		return lib.ErrUnknownPeer(c.peer)
	case <-timer.C:
		return lib.ErrFailedWrite(fmt.Errorf("send queue to %s is full", c.peer))
	}
}

// Peer() is the authenticated id of the remote side
func (c *Conn) Peer() lib.PeerID { return c.peer }

// dialer() is the peer that opened the connection
func (c *Conn) dialer(self lib.PeerID) lib.PeerID {
	if c.outbound {
		return self
	}
	return c.peer
}

func (c *Conn) startSendLoop() {
	defer c.catchPanic()
	m := limiter.New(0, 0)
	defer m.Done()
	for {
		select {
		case bz := <-c.sendQueue:
			if err := writeFrame(c.conn, bz, m, c.config.SendRateBPS); err != nil {
				c.Error(err)
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *Conn) startReceiveLoop() {
	defer c.catchPanic()
	m := limiter.New(0, 0)
	defer m.Done()
	for {
		bz, err := readFrame(c.reader, c.config.MaxFrameBytes, m, c.config.RecvRateBPS)
		if err != nil {
			c.Error(err)
			return
		}
		c.onReceive(bz, c.peer)
	}
}

// Error() reports the first failure of the connection and stops it
func (c *Conn) Error(err lib.ErrorI) {
	c.error.Do(func() {
		select {
		case <-c.quit:
			// a deliberate stop is not a peer error
		default:
			c.log.Debugf("Connection to %s failed: %s", c.peer, err.Error())
		}
		c.Stop()
		if c.onError != nil {
			c.onError(c, err)
		}
	})
}

func (c *Conn) catchPanic() {
	if r := recover(); r != nil {
		c.log.Errorf("Recovered from panic in connection to %s: %v", c.peer, r)
		c.Error(lib.ErrFailedRead(fmt.Errorf("panic: %v", r)))
	}
}

// writeFrame() writes a length prefixed frame from a pooled buffer, chunked under the rate limit
func writeFrame(w io.Writer, bz []byte, m *limiter.Monitor, rate int64) lib.ErrorI {
	size := binary.PutUvarint(make([]byte, binary.MaxVarintLen64), uint64(len(bz)))
	buf := pool.Get(size + len(bz))
	defer pool.Put(buf)
	binary.PutUvarint(buf, uint64(len(bz)))
	copy(buf[size:], bz)
	for written := 0; written < len(buf); {
		n := min(chunkSize, len(buf)-written)
		if m != nil {
			n = m.Limit(n, rate, true)
		}
		n, err := w.Write(buf[written : written+n])
		if m != nil {
			m.Update(n)
		}
		if err != nil {
			return lib.ErrFailedWrite(err)
		}
		written += n
	}
	return nil
}

// readFrame() reads one length prefixed frame, rejecting frames over the limit before allocating
func readFrame(r *bufio.Reader, limit int, m *limiter.Monitor, rate int64) ([]byte, lib.ErrorI) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, lib.ErrFailedRead(err)
	}
	if limit > 0 && size > uint64(limit) {
		return nil, lib.ErrFrameTooLarge(size, uint64(limit))
	}
	bz := make([]byte, size)
	for read := 0; read < len(bz); {
		n := min(chunkSize, len(bz)-read)
		if m != nil {
			n = m.Limit(n, rate, true)
		}
		n, err = io.ReadFull(r, bz[read:read+n])
		if m != nil {
			m.Update(n)
		}
		if err != nil {
			return nil, lib.ErrFailedRead(err)
		}
		read += n
	}
	return bz, nil
}
