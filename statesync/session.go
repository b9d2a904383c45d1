package statesync

import (
	"bytes"
	"sync"
	"time"

	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/lib/codec"
	"github.com/canopy-network/accord/lib/crypto"
)

/*
	A Session holds the move chain of one game session as an arena of nodes indexed by move id, with the parent
	link of each node stored as an arena index. The chain is rooted at the session anchor: the tip of the last
	checkpoint, or the zero hash at sequence 0 before the first checkpoint.

	Between checkpoints the chain may fork. The winning branch is recomputed on demand over every live tip:
	the most moves since the anchor wins, ties go to the lexically smallest concatenation of move ids. At
	checkpoint time the winning chain is finalized and every other live node is discarded; discarded nodes stay
	in the arena for audit but can no longer be extended.
*/

// node is a single move in the session arena
type node struct {
	move         *lib.Move
	id           []byte // move id, the hash of its canonical encoding
	parent       int    // arena index of the parent, -1 for the anchor
	depth        uint64 // moves since the anchor along this chain
	children     []int  // arena indices of the children
	discarded    bool   // on a branch that lost a checkpoint
	checkpointed bool   // finalized by a checkpoint
}

// orphan is a move buffered until its parent arrives
type orphan struct {
	move    *lib.Move
	id      []byte
	expires time.Time
}

// anchor is the root of the active chain
type anchor struct {
	seq       uint64 // sequence of the last checkpointed move, 0 at genesis
	tip       []byte // id of the last checkpointed move, the zero hash at genesis
	stateHash []byte // state hash of the last checkpoint, empty at genesis
	count     int    // checkpoints produced
}

// Session is the move chain arena of one game session
type Session struct {
	id          string
	config      lib.SyncConfig
	nodes       []node         // the arena
	index       map[string]int // move id -> arena index
	roots       []int          // live nodes extending the anchor
	orphans     []orphan       // moves with an unknown parent
	anchor      anchor
	periodStart time.Time       // arrival of the first move since the anchor
	last        *lib.Checkpoint // the last produced checkpoint
	metrics     *lib.Metrics
	log         lib.LoggerI
	mux         sync.Mutex
}

// newSession() creates an empty session rooted at genesis
func newSession(id string, config lib.SyncConfig, metrics *lib.Metrics, log lib.LoggerI) *Session {
	return &Session{
		id:      id,
		config:  config,
		index:   make(map[string]int),
		anchor:  anchor{tip: make([]byte, crypto.HashSize)},
		metrics: metrics,
		log:     log,
	}
}

// AddMove() incorporates a move; an unknown parent buffers the move and returns ErrUnknownParent
func (s *Session) AddMove(m *lib.Move, now time.Time) lib.ErrorI {
	s.mux.Lock()
	defer s.mux.Unlock()
	if m.SessionID != s.id {
		return lib.ErrWrongSession(s.id, m.SessionID)
	}
	s.pruneOrphans(now)
	id := codec.MoveID(m)
	// moves are idempotent by content
	if _, known := s.index[string(id)]; known || s.isOrphan(id) {
		return nil
	}
	if err := s.attach(m, id, now); err != nil {
		if !lib.IsCode(err, lib.SyncModule, lib.CodeUnknownParent) {
			return err
		}
		// buffer briefly, dropped if the parent never arrives
		if len(s.orphans) >= s.config.MaxOrphans {
			return lib.ErrOrphanPoolFull()
		}
		s.orphans = append(s.orphans, orphan{move: m, id: id, expires: now.Add(s.config.OrphanWindow())})
		s.metrics.ObserveOrphans(len(s.orphans), 0)
		return err
	}
	s.adopt(id, now)
	return nil
}

// attach() links the move into the arena under its parent
func (s *Session) attach(m *lib.Move, id []byte, now time.Time) lib.ErrorI {
	parent, parentSeq, parentDepth := -1, s.anchor.seq, uint64(0)
	if !bytes.Equal(m.PrevHash, s.anchor.tip) {
		i, ok := s.index[string(m.PrevHash)]
		if !ok {
			return lib.ErrUnknownParent(m.PrevHash)
		}
		p := &s.nodes[i]
		switch {
		case p.discarded:
			return lib.ErrDiscardedBranch()
		case p.checkpointed:
			return lib.ErrBelowCheckpoint(m.SequenceNo, s.anchor.seq)
		}
		parent, parentSeq, parentDepth = i, p.move.SequenceNo, p.depth
	}
	if m.SequenceNo != parentSeq+1 {
		return lib.ErrWrongSequence(parentSeq+1, m.SequenceNo)
	}
	idx := len(s.nodes)
	s.nodes = append(s.nodes, node{move: m, id: id, parent: parent, depth: parentDepth + 1})
	s.index[string(id)] = idx
	// two moves extending the same parent is a fork
	siblings := s.roots
	if parent >= 0 {
		siblings = s.nodes[parent].children
	}
	if len(siblings) > 0 {
		s.metrics.ObserveFork()
		s.log.Infof("Session %s forked at sequence %d", s.id, m.SequenceNo)
	}
	if parent >= 0 {
		s.nodes[parent].children = append(s.nodes[parent].children, idx)
	} else {
		s.roots = append(s.roots, idx)
	}
	if s.periodStart.IsZero() {
		s.periodStart = now
	}
	return nil
}

// adopt() attaches every buffered descendant of a newly attached move
func (s *Session) adopt(parentID []byte, now time.Time) {
	for queue := [][]byte{parentID}; len(queue) > 0; queue = queue[1:] {
		var ready []orphan
		kept := s.orphans[:0]
		for _, o := range s.orphans {
			if bytes.Equal(o.move.PrevHash, queue[0]) {
				ready = append(ready, o)
			} else {
				kept = append(kept, o)
			}
		}
		s.orphans = kept
		for _, o := range ready {
			if err := s.attach(o.move, o.id, now); err != nil {
				s.log.Debugf("Dropping orphan move %x of session %s: %s", o.id, s.id, err.Error())
				continue
			}
			queue = append(queue, o.id)
		}
	}
}

// pruneOrphans() drops buffered moves whose parent never arrived
func (s *Session) pruneOrphans(now time.Time) {
	kept, pruned := s.orphans[:0], 0
	for _, o := range s.orphans {
		if now.Before(o.expires) {
			kept = append(kept, o)
			continue
		}
		pruned++
		s.log.Debugf("Orphan move %x of session %s expired", o.id, s.id)
	}
	s.orphans = kept
	if pruned > 0 {
		s.metrics.ObserveOrphans(len(s.orphans), pruned)
	}
}

// isOrphan() is true if the move is buffered
func (s *Session) isOrphan(id []byte) bool {
	for _, o := range s.orphans {
		if bytes.Equal(o.id, id) {
			return true
		}
	}
	return false
}

// winner() returns the arena indices of the winning chain from the anchor to its tip, nil if no moves since the anchor
func (s *Session) winner() (best []int) {
	bestTip := -1
	for _, tip := range s.tips() {
		chain := s.chain(tip)
		if bestTip < 0 || s.beats(tip, chain, bestTip, best) {
			bestTip, best = tip, chain
		}
	}
	return
}

// beats() compares two chains: more moves since the anchor, then the smaller concatenation of move ids
func (s *Session) beats(a int, chainA []int, b int, chainB []int) bool {
	if s.nodes[a].depth != s.nodes[b].depth {
		return s.nodes[a].depth > s.nodes[b].depth
	}
	return bytes.Compare(s.concat(chainA), s.concat(chainB)) < 0
}

// tips() returns the live nodes with no children
func (s *Session) tips() (tips []int) {
	for i := range s.nodes {
		n := &s.nodes[i]
		if !n.discarded && !n.checkpointed && len(n.children) == 0 {
			tips = append(tips, i)
		}
	}
	return
}

// chain() walks from the tip back to the anchor and returns the path in order
func (s *Session) chain(tip int) []int {
	path := make([]int, 0, s.nodes[tip].depth)
	for i := tip; i >= 0; i = s.nodes[i].parent {
		path = append(path, i)
	}
	for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
		path[l], path[r] = path[r], path[l]
	}
	return path
}

// concat() joins the move ids along a chain
func (s *Session) concat(chain []int) (bz []byte) {
	for _, i := range chain {
		bz = append(bz, s.nodes[i].id...)
	}
	return
}

// due() is true once the winning chain reached the move count or the period elapsed
func (s *Session) due(every uint64, interval time.Duration, now time.Time) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.pruneOrphans(now)
	chain := s.winner()
	if len(chain) == 0 {
		return false
	}
	if every > 0 && uint64(len(chain)) >= every {
		return true
	}
	return interval > 0 && now.Sub(s.periodStart) >= interval
}

// checkpoint() finalizes the winning chain, discards the losing branches and advances the anchor
func (s *Session) checkpoint(now time.Time) (*lib.Checkpoint, lib.ErrorI) {
	s.mux.Lock()
	defer s.mux.Unlock()
	chain := s.winner()
	if len(chain) == 0 {
		return nil, nil
	}
	tip := &s.nodes[chain[len(chain)-1]]
	// checkpoints are strictly increasing
	if s.anchor.count > 0 && tip.move.SequenceNo <= s.anchor.seq {
		return nil, lib.ErrNonMonotonicCheckpoint(s.anchor.seq, tip.move.SequenceNo)
	}
	ids := make([]lib.HexBytes, len(chain))
	leaves := make([][]byte, len(chain))
	for i, idx := range chain {
		ids[i], leaves[i] = s.nodes[idx].id, s.nodes[idx].id
		s.nodes[idx].checkpointed = true
	}
	discarded := 0
	for i := range s.nodes {
		if n := &s.nodes[i]; !n.checkpointed && !n.discarded {
			n.discarded = true
			discarded++
		}
	}
	if discarded > 0 {
		s.log.Infof("Session %s checkpoint discarded %d moves on losing branches", s.id, discarded)
	}
	cp := &lib.Checkpoint{
		SessionID:       s.id,
		SequenceNo:      tip.move.SequenceNo,
		StateHash:       crypto.HashConcat(s.anchor.stateHash, crypto.MerkleRoot(leaves)),
		PrevStateHash:   s.anchor.stateHash,
		TipHash:         tip.id,
		IncludedMoveIDs: ids,
		CreatedAt:       now.UnixMilli(),
	}
	s.anchor = anchor{seq: cp.SequenceNo, tip: tip.id, stateHash: cp.StateHash, count: s.anchor.count + 1}
	s.roots, s.periodStart, s.last = nil, time.Time{}, cp
	s.metrics.ObserveCheckpoint()
	return cp, nil
}

// restore() re-anchors a session that has no moves yet at a previously produced checkpoint
func (s *Session) restore(cp *lib.Checkpoint) lib.ErrorI {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.anchor.count > 0 && cp.SequenceNo <= s.anchor.seq {
		return lib.ErrNonMonotonicCheckpoint(s.anchor.seq, cp.SequenceNo)
	}
	if len(s.nodes) != 0 || len(s.orphans) != 0 {
		return lib.ErrInvalidArgument()
	}
	s.anchor = anchor{seq: cp.SequenceNo, tip: cp.TipHash, stateHash: cp.StateHash, count: s.anchor.count + 1}
	s.last = cp
	return nil
}

// SessionInfo is a read-only summary of a session
type SessionInfo struct {
	ID             string          `json:"id"`
	AnchorSequence uint64          `json:"anchorSequence"`
	StateHash      lib.HexBytes    `json:"stateHash"`
	Moves          int             `json:"moves"`
	Tips           int             `json:"tips"`
	Orphans        int             `json:"orphans"`
	WinningChain   []lib.HexBytes  `json:"winningChain"`
	LastCheckpoint *lib.Checkpoint `json:"lastCheckpoint,omitempty"`
}

// Info() summarizes the session
func (s *Session) Info() *SessionInfo {
	s.mux.Lock()
	defer s.mux.Unlock()
	chain := s.winner()
	winning := make([]lib.HexBytes, len(chain))
	for i, idx := range chain {
		winning[i] = s.nodes[idx].id
	}
	return &SessionInfo{
		ID:             s.id,
		AnchorSequence: s.anchor.seq,
		StateHash:      s.anchor.stateHash,
		Moves:          len(s.nodes),
		Tips:           len(s.tips()),
		Orphans:        len(s.orphans),
		WinningChain:   winning,
		LastCheckpoint: s.last,
	}
}
