package coordinator

import (
	"bytes"
	"time"

	"github.com/canopy-network/accord/emitter"
	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/lib/codec"
	"github.com/canopy-network/accord/lib/crypto"
	"github.com/canopy-network/accord/round"
	"github.com/canopy-network/accord/statesync"
)

/* This file contains the application facing api of a coordination peer */

// OpenIntentRound() opens a round for a contested resource on every peer; a zero window uses the configured default
// the round is final early once every expected peer submitted an intent
func (n *Node) OpenIntentRound(resourceKey string, window time.Duration, expected ...lib.PeerID) (string, lib.ErrorI) {
	if window <= 0 {
		window = lib.MSToDuration(n.Config.IntentWindowMS)
	}
	return n.open(lib.KindIntent, resourceKey, window, lib.RoundParams{Expected: expected})
}

// OpenVoteRound() opens a round for a proposal on every peer; a zero window uses the configured default
// an empty submitter makes this peer the one that writes the tally
func (n *Node) OpenVoteRound(proposalID string, window time.Duration, params lib.RoundParams) (string, lib.ErrorI) {
	if window <= 0 {
		window = lib.MSToDuration(n.Config.VoteWindowMS)
	}
	if params.Quorum == 0 && params.TotalPower == 0 {
		params.Quorum, params.TotalPower = n.Config.DefaultQuorum, n.Config.DefaultTotalPower
	}
	if params.Submitter == "" {
		params.Submitter = n.ID
	}
	return n.open(lib.KindVote, proposalID, window, params)
}

// OpenSession() registers a game session on every peer, its rounds re-open after every checkpoint
// an empty submitter makes this peer the one that anchors the checkpoints
func (n *Node) OpenSession(sessionID string, params lib.RoundParams) (string, lib.ErrorI) {
	if params.Submitter == "" {
		params.Submitter = n.ID
	}
	return n.open(lib.KindMove, sessionID, 0, params)
}

// open() opens a round locally and announces it to the other peers
func (n *Node) open(kind lib.Kind, key string, window time.Duration, params lib.RoundParams) (string, lib.ErrorI) {
	if n.isStopped() {
		return "", lib.ErrNodeStopped()
	}
	if key == "" {
		return "", lib.ErrEmptySubject()
	}
	subject, deadline := lib.SubjectKey(kind, key), n.clock.Now().Add(window)
	var err lib.ErrorI
	if kind == lib.KindMove {
		n.registerSession(key, params)
		s := n.session(key)
		deadline = n.clock.Now().Add(s.window)
		err = n.openEpoch(key)
	} else {
		_, err = n.Tracker.Open(subject, kind, deadline, params)
	}
	if err != nil {
		return "", err
	}
	data, err := lib.MarshalJSON(&lib.RoundAnnouncement{Subject: subject, Kind: kind, DeadlineMS: deadline.UnixMilli(), Params: params})
	if err != nil {
		return "", err
	}
	e, bz, err := n.author(lib.KindGossip, codec.EncodeGossip(&lib.GossipMessage{Topic: lib.TopicRoundOpen, Data: data}))
	if err != nil {
		return "", err
	}
	n.remember(subject, bz)
	sent := n.Gossip.Broadcast(e, bz)
	n.log.Infof("Opened %s until %s, announced to %d peers", subject, deadline.Format(time.RFC3339), sent)
	return subject, nil
}

// SubmitIntent() claims a resource for this peer
func (n *Node) SubmitIntent(resourceKey string, priority uint64, data []byte) (*lib.Envelope, lib.ErrorI) {
	return n.submit(lib.KindIntent, codec.EncodeIntent(&lib.Intent{
		ResourceKey: resourceKey,
		Actor:       n.ID,
		Priority:    priority,
		CreatedAt:   n.clock.Now().UnixMilli(),
		Data:        data,
	}))
}

// CastVote() votes on a proposal; a later vote replaces this peer's earlier one
func (n *Node) CastVote(proposalID string, choice lib.Choice, weight uint64) (*lib.Envelope, lib.ErrorI) {
	if !choice.Valid() {
		return nil, lib.ErrInvalidChoice(choice)
	}
	return n.submit(lib.KindVote, codec.EncodeVote(&lib.Vote{
		ProposalID: proposalID,
		Voter:      n.ID,
		Choice:     choice,
		Weight:     weight,
		CastAt:     n.clock.Now().UnixMilli(),
	}))
}

// NextMove() builds a move of this peer that extends the session's current winning chain
func (n *Node) NextMove(sessionID string, data []byte) (*lib.Move, lib.ErrorI) {
	s := n.Sync.Session(sessionID)
	if s == nil {
		return nil, lib.ErrUnknownSession(sessionID)
	}
	info := s.Info()
	prev := lib.HexBytes(make([]byte, crypto.HashSize))
	switch {
	case len(info.WinningChain) > 0:
		prev = info.WinningChain[len(info.WinningChain)-1]
	case info.LastCheckpoint != nil:
		prev = info.LastCheckpoint.TipHash
	}
	return &lib.Move{
		SessionID:  sessionID,
		SequenceNo: info.AnchorSequence + uint64(len(info.WinningChain)) + 1,
		Actor:      n.ID,
		Data:       bytes.Clone(data),
		PrevHash:   prev,
	}, nil
}

// SubmitMove() contributes a move to its session; an empty actor is this peer
func (n *Node) SubmitMove(m *lib.Move) (*lib.Envelope, lib.ErrorI) {
	if m.Actor == "" {
		m.Actor = n.ID
	}
	return n.submit(lib.KindMove, codec.EncodeMove(m))
}

// Publish() floods a free-form message on a topic
func (n *Node) Publish(topic string, data []byte) (*lib.Envelope, lib.ErrorI) {
	if topic == "" || topic == lib.TopicRoundOpen {
		return nil, lib.ErrInvalidArgument()
	}
	return n.submit(lib.KindGossip, codec.EncodeGossip(&lib.GossipMessage{Topic: topic, Data: data}))
}

// OnGossip() registers a handler for the messages of a topic, handlers run on the event loop and must not block
func (n *Node) OnGossip(topic string, h GossipHandler) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.topics[topic] = append(n.topics[topic], h)
}

// Subscribe() invokes cb once with the subject's outcome, immediately if the round already closed
func (n *Node) Subscribe(subject string, cb func(*lib.Outcome)) lib.ErrorI {
	return n.Tracker.Subscribe(subject, cb)
}

// OnResult() registers a callback for every ledger submission result, rejections and reverts included
func (n *Node) OnResult(cb func(*emitter.Result)) { n.Emitter.OnResult(cb) }

// Close() finalizes the subject's round now
func (n *Node) Close(subject string) (*lib.Outcome, lib.ErrorI) { return n.Tracker.Close(subject) }

// Cancel() closes the subject's round without a decision; a cancelled session stops re-opening
func (n *Node) Cancel(subject, reason string) (*lib.Outcome, lib.ErrorI) {
	return n.Tracker.Cancel(subject, reason)
}

// Status() is a snapshot of the subject's latest round
func (n *Node) Status(subject string) (*round.Snapshot, lib.ErrorI) { return n.Tracker.Status(subject) }

// Outcome() is the outcome of the subject's latest closed round
func (n *Node) Outcome(subject string) (*lib.Outcome, lib.ErrorI) { return n.Tracker.Outcome(subject) }

// Session() summarizes a game session
func (n *Node) Session(sessionID string) (*statesync.SessionInfo, lib.ErrorI) {
	s := n.Sync.Session(sessionID)
	if s == nil {
		return nil, lib.ErrUnknownSession(sessionID)
	}
	return s.Info(), nil
}

// Peers() lists the connected peers
func (n *Node) Peers() []lib.PeerID { return n.Gossip.Peers() }

// submit() authors an envelope, applies it locally and floods it
func (n *Node) submit(kind lib.Kind, payload []byte) (*lib.Envelope, lib.ErrorI) {
	if n.isStopped() {
		return nil, lib.ErrNodeStopped()
	}
	e, bz, err := n.author(kind, payload)
	if err != nil {
		return nil, err
	}
	// a move waiting for its parent is still worth flooding
	if err = n.route(e, n.clock.Now()); err != nil && !lib.IsCode(err, lib.SyncModule, lib.CodeUnknownParent) {
		return nil, err
	}
	n.Gossip.Broadcast(e, bz)
	return e, nil
}

// author() creates, signs and encodes an envelope of this peer; the guard admits it so echoes are duplicates
func (n *Node) author(kind lib.Kind, payload []byte) (*lib.Envelope, []byte, lib.ErrorI) {
	e := lib.NewEnvelope(n.ID, kind, payload, n.clock.Now().UnixMilli(), n.nonce.Add(1))
	if n.key != nil {
		e.Sign(n.key)
	}
	bz, err := n.codec.Encode(e)
	if err != nil {
		return nil, nil, err
	}
	n.guard.Admit(e)
	return e, bz, nil
}

// isStopped() is true once Stop() was called
func (n *Node) isStopped() bool {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.stopped
}
