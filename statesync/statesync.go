package statesync

import (
	"bytes"
	"slices"
	"sync"
	"time"

	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/lib/codec"
	"github.com/canopy-network/accord/round"
)

/*
	The state sync resolver orders the moves of game sessions and decides when to checkpoint.

	Each session epoch is one round whose subject is the session. The session arena outlives its rounds: a round
	feeds moves into the arena and, when it closes, checkpoints the currently winning chain. The round closes early
	once the winning chain holds the configured number of moves or the checkpoint interval elapsed, whichever first.
*/

// Resolver is the round resolver for the move kind, it owns the session registry
type Resolver struct {
	config   lib.SyncConfig
	sessions map[string]*Session // session id -> arena
	metrics  *lib.Metrics
	log      lib.LoggerI
	mux      sync.Mutex // guards sessions
}

// NewResolver() creates the state sync resolver
func NewResolver(config lib.SyncConfig, metrics *lib.Metrics, log lib.LoggerI) *Resolver {
	if config.MaxOrphans <= 0 {
		config.MaxOrphans = lib.DefaultSyncConfig().MaxOrphans
	}
	return &Resolver{config: config, sessions: make(map[string]*Session), metrics: metrics, log: log}
}

// Kind() implements round.Resolver
func (r *Resolver) Kind() lib.Kind { return lib.KindMove }

// NewState() implements round.Resolver, every epoch of a session shares the session arena
func (r *Resolver) NewState(subject string, _ uint64, params lib.RoundParams) (round.State, lib.ErrorI) {
	kind, id, err := lib.SplitSubjectKey(subject)
	if err != nil {
		return nil, err
	}
	if kind != lib.KindMove {
		return nil, lib.ErrWrongKind(subject, lib.KindMove, kind)
	}
	every, interval := r.config.CheckpointEveryMoves, lib.MSToDuration(r.config.CheckpointEveryMS)
	if params.CheckpointEvery != 0 {
		every = params.CheckpointEvery
	}
	if params.CheckpointIntervalMS != 0 {
		interval = lib.MSToDuration(params.CheckpointIntervalMS)
	}
	return &State{session: r.session(id), every: every, interval: interval, submitter: params.Submitter}, nil
}

// Session() returns the arena of a session, nil if no move round was ever opened for it
func (r *Resolver) Session(id string) *Session {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.sessions[id]
}

// Sessions() lists the known session ids in order
func (r *Resolver) Sessions() []string {
	r.mux.Lock()
	defer r.mux.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Restore() anchors a session at its last archived checkpoint so a restarted node keeps checkpoints monotonic
func (r *Resolver) Restore(cp *lib.Checkpoint) lib.ErrorI {
	return r.session(cp.SessionID).restore(cp)
}

// session() gets or creates the arena of a session
func (r *Resolver) session(id string) *Session {
	r.mux.Lock()
	defer r.mux.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession(id, r.config, r.metrics, r.log.WithModule("session/"+id))
		r.sessions[id] = s
	}
	return s
}

// State is one checkpoint period of a session
type State struct {
	session   *Session
	every     uint64        // checkpoint after this many winning chain moves
	interval  time.Duration // or after this much time
	submitter lib.PeerID    // the peer that anchors the checkpoint
}

// Apply() adds a move to the session arena
func (s *State) Apply(c *round.Contribution, now time.Time) lib.ErrorI {
	m, err := move(c)
	if err != nil {
		return err
	}
	return s.session.AddMove(m, now)
}

// Counts() implements round.Counter, only the moves finalized by the checkpoint are part of the outcome
func (s *State) Counts(c *round.Contribution, o *lib.Outcome) bool {
	if o.Checkpoint == nil {
		return false
	}
	m, err := move(c)
	if err != nil {
		return false
	}
	id := codec.MoveID(m)
	return slices.ContainsFunc(o.Checkpoint.IncludedMoveIDs, func(included lib.HexBytes) bool {
		return bytes.Equal(included, id)
	})
}

// move() decodes the move of a contribution, an empty actor is the sender
func move(c *round.Contribution) (*lib.Move, lib.ErrorI) {
	m, err := codec.DecodeMove(c.Payload)
	if err != nil {
		return nil, err
	}
	if m.Actor == "" {
		m.Actor = c.Sender
	}
	return m, nil
}

// Final() is true once a checkpoint is due
func (s *State) Final(now time.Time) bool {
	return s.session.due(s.every, s.interval, now)
}

// Outcome() checkpoints the winning chain, or reports an empty period
func (s *State) Outcome(_ lib.CloseReason, now time.Time) (*lib.Outcome, lib.ErrorI) {
	cp, err := s.session.checkpoint(now)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return &lib.Outcome{Status: lib.StatusEmpty}, nil
	}
	return &lib.Outcome{Status: lib.StatusCheckpointed, Checkpoint: cp, Submitter: s.submitter}, nil
}
