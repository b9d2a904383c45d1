package coordinator

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/accord/dedup"
	"github.com/canopy-network/accord/emitter"
	"github.com/canopy-network/accord/gossip"
	"github.com/canopy-network/accord/intent"
	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/lib/codec"
	"github.com/canopy-network/accord/lib/crypto"
	"github.com/canopy-network/accord/p2p"
	"github.com/canopy-network/accord/round"
	"github.com/canopy-network/accord/statesync"
	"github.com/canopy-network/accord/vote"
)

/*
	A Node is one coordination peer: it owns the replay guard, the gossip disseminator, the round tracker with one
	resolver per kind and the outcome emitter, and wires them to a transport and a ledger.

	Inbound traffic is handled by a single consumer loop over an event queue: frames, peer lifecycle events and
	deadline ticks are processed one at a time in arrival order. The application api runs on the caller's
	goroutine and only touches the components through their own synchronized interfaces.
*/

const eventQueueSize = 1024

var _ p2p.Handler = new(Node)

// Archive is the persistence the node restores sessions from and the emitter writes to
type Archive interface {
	emitter.Archive
	LatestCheckpoint(sessionID string) (*lib.Checkpoint, lib.ErrorI)
}

// GossipHandler receives the free-form gossip messages of a topic
type GossipHandler func(msg *lib.GossipMessage, from lib.PeerID)

// session is the registration of a game session, its rounds re-open after every checkpoint
type session struct {
	params lib.RoundParams // checkpoint cadence and submitter
	window time.Duration   // deadline of each epoch
}

// Node is a single coordination peer
type Node struct {
	ID        lib.PeerID           // the local peer
	Config    lib.Config           // peer options
	Tracker   *round.Tracker       // round lifecycle
	Sync      *statesync.Resolver  // session arenas
	Emitter   *emitter.Emitter     // ledger submissions
	Gossip    *gossip.Disseminator // flood fill
	guard     *dedup.Guard         // replay protection
	codec     codec.EnvelopeCodec  // outbound wire form
	transport p2p.Transport        // frames to and from peers
	archive   Archive              // optional
	key       *crypto.PrivateKey   // optional, signs outbound envelopes
	keys      map[lib.PeerID]crypto.PublicKey
	topics    map[string][]GossipHandler
	sessions  map[string]*session // session id -> registration
	announced map[string][]byte   // subject -> encoded announcement, replayed to peers that connect later
	nonce     atomic.Uint64       // outbound envelope nonce
	events    chan func()         // the event queue
	quit      chan struct{}       // closed on stop
	done      chan struct{}       // closed when the event loop exits
	started   bool                // the event loop runs
	stopped   bool                // no more work
	clock     clock.Clock         // injectable time source
	metrics   *lib.Metrics        // telemetry
	log       lib.LoggerI         // the logger
	mux       sync.Mutex          // guards keys, topics, sessions, announced and the flags
}

// New() creates a coordination peer on top of a transport and a ledger
func New(config lib.Config, self lib.PeerID, key *crypto.PrivateKey, transport p2p.Transport, ledger lib.LedgerI,
	archive Archive, c clock.Clock, metrics *lib.Metrics, log lib.LoggerI) *Node {
	if c == nil {
		c = clock.New()
	}
	n := &Node{
		ID:        self,
		Config:    config,
		Sync:      statesync.NewResolver(config.SyncConfig, metrics, log.WithModule("statesync")),
		guard:     dedup.NewGuard(config.DedupConfig, c, log.WithModule("dedup")),
		codec:     codec.New(config.CodecConfig),
		transport: transport,
		archive:   archive,
		key:       key,
		keys:      make(map[lib.PeerID]crypto.PublicKey),
		topics:    make(map[string][]GossipHandler),
		sessions:  make(map[string]*session),
		announced: make(map[string][]byte),
		events:    make(chan func(), eventQueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		clock:     c,
		metrics:   metrics,
		log:       log,
	}
	// envelopes of a restarted peer must stay above the nonce floor the other peers remember
	n.nonce.Store(uint64(c.Now().UnixMicro()))
	n.Tracker = round.NewTracker(config.RoundConfig, c, metrics, log.WithModule("round"),
		intent.NewResolver(log.WithModule("intent")),
		vote.NewAggregator(config.VoteConfig, log.WithModule("vote")),
		n.Sync,
	)
	var a emitter.Archive
	if archive != nil {
		a = archive
	}
	n.Emitter = emitter.New(config.LedgerConfig, self, ledger, a, c, metrics, log.WithModule("emitter"))
	n.Gossip = gossip.NewDisseminator(self, config.GossipConfig, transport, metrics, log.WithModule("gossip"))
	n.Tracker.OnFinal(n.onFinal)
	n.Emitter.OnHalt(n.Tracker.Halt)
	return n
}

// Start() begins the event loop and the transport
func (n *Node) Start() lib.ErrorI {
	n.mux.Lock()
	if n.stopped {
		n.mux.Unlock()
		return lib.ErrNodeStopped()
	}
	if n.started {
		n.mux.Unlock()
		return nil
	}
	n.started = true
	n.mux.Unlock()
	n.transport.SetHandler(n)
	go n.run()
	if err := n.transport.Start(); err != nil {
		return err
	}
	n.log.Infof("Peer %s started", n.ID)
	return nil
}

// Stop() closes the transport, drains the event loop, cancels every open round and waits for in-flight submissions
func (n *Node) Stop() {
	n.mux.Lock()
	if n.stopped {
		n.mux.Unlock()
		return
	}
	n.stopped = true
	started := n.started
	n.mux.Unlock()
	if started {
		n.transport.Stop()
	}
	close(n.quit)
	if started {
		<-n.done
	}
	n.Tracker.Stop()
	n.Emitter.Stop()
	n.log.Infof("Peer %s stopped", n.ID)
}

// OnReceive() implements p2p.Handler
func (n *Node) OnReceive(bz []byte, from lib.PeerID) {
	receivedAt := n.clock.Now()
	n.enqueue(func() { n.handleInbound(bz, from, receivedAt) })
}

// OnPeerConnected() implements p2p.Handler
func (n *Node) OnPeerConnected(peer lib.PeerID) {
	n.enqueue(func() {
		n.Gossip.PeerConnected(peer)
		n.replayAnnouncements(peer)
	})
}

// OnPeerDisconnected() implements p2p.Handler
func (n *Node) OnPeerDisconnected(peer lib.PeerID) {
	n.enqueue(func() {
		n.Gossip.PeerDisconnected(peer)
		n.guard.Forget(peer)
	})
}

// RegisterKey() sets the public key that verifies a peer's signatures
func (n *Node) RegisterKey(peer lib.PeerID, pub crypto.PublicKey) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.keys[peer] = pub
}

// run() is the single consumer of the event queue
func (n *Node) run() {
	defer close(n.done)
	tick := n.Config.RoundConfig.Tick()
	if tick <= 0 {
		tick = lib.DefaultRoundConfig().Tick()
	}
	ticker := n.clock.Ticker(tick)
	defer ticker.Stop()
	for {
		select {
		case ev := <-n.events:
			n.handle(ev)
		case now := <-ticker.C:
			n.Tracker.Tick(now)
		case <-n.quit:
			return
		}
	}
}

// handle() runs one event, a panic is logged and the loop continues
func (n *Node) handle(ev func()) {
	defer lib.CatchPanic(n.log)
	ev()
}

// enqueue() blocks while the queue is full so a fast sender slows the transport down
func (n *Node) enqueue(ev func()) bool {
	select {
	case n.events <- ev:
		return true
	case <-n.quit:
		return false
	}
}

// handleInbound() takes a frame through decode, verification, dedup, gossip and routing
func (n *Node) handleInbound(bz []byte, from lib.PeerID, receivedAt time.Time) {
	e, err := codec.Decode(bz, n.Config.MaxEnvelopeBytes)
	if err == nil {
		err = e.CheckID()
	}
	if err == nil {
		err = n.verify(e)
	}
	if err != nil {
		n.metrics.ObserveFormatError()
		n.log.Debugf("Dropped frame from %s: %s", from, err.Error())
		return
	}
	verdict := n.guard.Admit(e)
	n.metrics.ObserveVerdict(verdict.String())
	if verdict != dedup.Admitted {
		return
	}
	n.Gossip.OnReceive(e, bz, from)
	if err = n.route(e, receivedAt); err != nil {
		if lib.IsFormatError(err) {
			n.metrics.ObserveFormatError()
		}
		n.log.Debugf("Envelope %s from %s not applied: %s", e.ID, e.Sender, err.Error())
	}
}

// verify() checks a signature when the signer's key is known; RequireSignature drops what cannot be verified
func (n *Node) verify(e *lib.Envelope) lib.ErrorI {
	if len(e.Signature) == 0 {
		if n.Config.RequireSignature {
			return lib.ErrUnsignedEnvelope(e.Sender)
		}
		return nil
	}
	pub, ok := n.publicKey(e.Sender)
	if !ok {
		if n.Config.RequireSignature {
			return lib.ErrUnknownSigner(e.Sender)
		}
		return nil
	}
	return e.VerifySignature(pub)
}

// publicKey() is the registered key of a peer, or its id when the id is a hex public key
func (n *Node) publicKey(peer lib.PeerID) (crypto.PublicKey, bool) {
	n.mux.Lock()
	pub, ok := n.keys[peer]
	n.mux.Unlock()
	if ok {
		return pub, true
	}
	pub, err := crypto.PublicKeyFromString(string(peer))
	return pub, err == nil
}

// route() contributes an admitted envelope to its round, or handles it as gossip
func (n *Node) route(e *lib.Envelope, receivedAt time.Time) lib.ErrorI {
	if e.Kind == lib.KindGossip {
		return n.deliverGossip(e)
	}
	subject, err := subjectOf(e)
	if err != nil {
		return err
	}
	c := round.NewContribution(e, receivedAt)
	if err = n.Tracker.Contribute(subject, c); err == nil || !n.canReopen(subject, e.Kind, err) {
		return err
	}
	if err = n.implicitOpen(subject, e.Kind); err != nil && !lib.IsCode(err, lib.RoundModule, lib.CodeAlreadyOpen) {
		return err
	}
	return n.Tracker.Contribute(subject, c)
}

// canReopen() is true when a refused contribution should open the round it was meant for
func (n *Node) canReopen(subject string, kind lib.Kind, err lib.ErrorI) bool {
	registered := false
	if kind == lib.KindMove {
		_, id, _ := lib.SplitSubjectKey(subject)
		registered = n.session(id) != nil
	}
	switch {
	case lib.IsCode(err, lib.RoundModule, lib.CodeNoSuchRound):
		return n.Config.AutoOpen || registered
	case lib.IsCode(err, lib.RoundModule, lib.CodeRoundClosed):
		// the next epoch of a session may not be open yet
		return registered
	}
	return false
}

// implicitOpen() opens a round for a contribution to a subject this peer has no open round for
func (n *Node) implicitOpen(subject string, kind lib.Kind) lib.ErrorI {
	now := n.clock.Now()
	switch kind {
	case lib.KindIntent:
		_, err := n.Tracker.Open(subject, kind, now.Add(lib.MSToDuration(n.Config.IntentWindowMS)), lib.RoundParams{})
		return err
	case lib.KindVote:
		params := lib.RoundParams{Quorum: n.Config.DefaultQuorum, TotalPower: n.Config.DefaultTotalPower}
		_, err := n.Tracker.Open(subject, kind, now.Add(lib.MSToDuration(n.Config.VoteWindowMS)), params)
		return err
	case lib.KindMove:
		_, id, err := lib.SplitSubjectKey(subject)
		if err != nil {
			return err
		}
		if n.session(id) == nil {
			n.registerSession(id, lib.RoundParams{})
		}
		return n.openEpoch(id)
	}
	return lib.ErrNoResolver(kind)
}

// deliverGossip() opens announced rounds and hands every other topic to its handlers
func (n *Node) deliverGossip(e *lib.Envelope) lib.ErrorI {
	msg, err := codec.DecodeGossip(e.Payload)
	if err != nil {
		return err
	}
	if msg.Topic == lib.TopicRoundOpen {
		return n.onAnnouncement(msg.Data)
	}
	n.mux.Lock()
	handlers := slices.Clone(n.topics[msg.Topic])
	n.mux.Unlock()
	for _, h := range handlers {
		n.notify(h, msg, e.Sender)
	}
	return nil
}

// notify() invokes a gossip handler, isolating the event loop from its panics
func (n *Node) notify(h GossipHandler, msg *lib.GossipMessage, from lib.PeerID) {
	defer lib.CatchPanic(n.log)
	h(msg, from)
}

// onAnnouncement() opens the announced round with the announced parameters
func (n *Node) onAnnouncement(data []byte) lib.ErrorI {
	a := new(lib.RoundAnnouncement)
	if err := lib.UnmarshalJSON(data, a); err != nil {
		return err
	}
	kind, key, err := lib.SplitSubjectKey(a.Subject)
	if err != nil {
		return err
	}
	if kind != a.Kind {
		return lib.ErrWrongKind(a.Subject, kind, a.Kind)
	}
	if kind == lib.KindMove {
		n.registerSession(key, a.Params)
		err = n.openEpoch(key)
	} else {
		deadline := time.UnixMilli(a.DeadlineMS)
		if !deadline.After(n.clock.Now()) {
			n.log.Debugf("Ignoring stale announcement of %s", a.Subject)
			return nil
		}
		_, err = n.Tracker.Open(a.Subject, a.Kind, deadline, a.Params)
	}
	if err != nil && !lib.IsCode(err, lib.RoundModule, lib.CodeAlreadyOpen) {
		return err
	}
	return nil
}

// onFinal() emits every finalized outcome and rolls sessions over to their next epoch
func (n *Node) onFinal(o *lib.Outcome) {
	if err := n.Emitter.Emit(o); err != nil && !lib.IsCode(err, lib.EmitterModule, lib.CodeEmitterStopped) {
		n.log.Errorf("Emitting %s failed: %s", o, err.Error())
	}
	if o.Kind != lib.KindMove {
		n.forget(o.Subject)
		return
	}
	_, id, _ := lib.SplitSubjectKey(o.Subject)
	switch o.Status {
	case lib.StatusCancelled, lib.StatusHalted:
		n.mux.Lock()
		delete(n.sessions, id)
		delete(n.announced, o.Subject)
		n.mux.Unlock()
		return
	}
	n.enqueue(func() {
		if err := n.openEpoch(id); err != nil && !lib.IsCode(err, lib.RoundModule, lib.CodeAlreadyOpen) {
			n.log.Debugf("Session %s not re-opened: %s", id, err.Error())
		}
	})
}

// registerSession() records a session's parameters and restores its last archived checkpoint
func (n *Node) registerSession(id string, params lib.RoundParams) {
	window := lib.MSToDuration(params.CheckpointIntervalMS)
	if window <= 0 {
		window = lib.MSToDuration(n.Config.CheckpointEveryMS)
	}
	n.mux.Lock()
	n.sessions[id] = &session{params: params, window: window}
	n.mux.Unlock()
	if n.archive == nil || n.Sync.Session(id) != nil {
		return
	}
	cp, err := n.archive.LatestCheckpoint(id)
	if err != nil {
		n.log.Errorf("Loading the last checkpoint of %s failed: %s", id, err.Error())
		return
	}
	if cp == nil {
		return
	}
	if err = n.Sync.Restore(cp); err != nil {
		n.log.Warnf("Restoring session %s failed: %s", id, err.Error())
		return
	}
	n.log.Infof("Restored session %s at checkpoint %d", id, cp.SequenceNo)
}

// session() returns a session registration, nil if unknown
func (n *Node) session(id string) *session {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.sessions[id]
}

// openEpoch() opens the next round of a registered session
func (n *Node) openEpoch(id string) lib.ErrorI {
	s := n.session(id)
	if s == nil {
		return lib.ErrUnknownSession(id)
	}
	_, err := n.Tracker.Open(lib.SubjectKey(lib.KindMove, id), lib.KindMove, n.clock.Now().Add(s.window), s.params)
	return err
}

// remember() keeps an announcement for peers that connect while the round is open
func (n *Node) remember(subject string, bz []byte) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.announced[subject] = bz
}

// forget() drops the announcement of a closed round
func (n *Node) forget(subject string) {
	n.mux.Lock()
	defer n.mux.Unlock()
	delete(n.announced, subject)
}

// replayAnnouncements() sends the announcements of our open rounds to a newly connected peer
func (n *Node) replayAnnouncements(peer lib.PeerID) {
	n.mux.Lock()
	subjects := make([]string, 0, len(n.announced))
	for subject := range n.announced {
		subjects = append(subjects, subject)
	}
	slices.Sort(subjects)
	frames := make([][]byte, len(subjects))
	for i, subject := range subjects {
		frames[i] = n.announced[subject]
	}
	n.mux.Unlock()
	for _, bz := range frames {
		if err := n.transport.Send(peer, bz); err != nil {
			n.log.Debugf("Replaying an announcement to %s failed: %s", peer, err.Error())
			return
		}
	}
}

// subjectOf() is the round subject a contribution belongs to
func subjectOf(e *lib.Envelope) (string, lib.ErrorI) {
	var key string
	switch e.Kind {
	case lib.KindIntent:
		i, err := codec.DecodeIntent(e.Payload)
		if err != nil {
			return "", err
		}
		key = i.ResourceKey
	case lib.KindVote:
		v, err := codec.DecodeVote(e.Payload)
		if err != nil {
			return "", err
		}
		key = v.ProposalID
	case lib.KindMove:
		m, err := codec.DecodeMove(e.Payload)
		if err != nil {
			return "", err
		}
		key = m.SessionID
	default:
		return "", lib.ErrUnknownKind(byte(e.Kind))
	}
	if key == "" {
		return "", lib.ErrEmptySubject()
	}
	return lib.SubjectKey(e.Kind, key), nil
}
