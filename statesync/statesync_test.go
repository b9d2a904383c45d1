package statesync

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/lib/codec"
	"github.com/canopy-network/accord/lib/crypto"
	"github.com/canopy-network/accord/round"
	"github.com/stretchr/testify/require"
)

const sessionID = "game-1"

var (
	subject = lib.SubjectKey(lib.KindMove, sessionID)
	genesis = make([]byte, crypto.HashSize)
)

func newTestTracker() (*round.Tracker, *Resolver, *clock.Mock) {
	c := clock.NewMock()
	c.Set(time.UnixMilli(1_700_000_000_000))
	log := lib.NewNullLogger()
	config := lib.SyncConfig{
		CheckpointEveryMoves: 10,
		CheckpointEveryMS:    uint64(time.Hour.Milliseconds()),
		OrphanWindowMS:       uint64((5 * time.Second).Milliseconds()),
		MaxOrphans:           4,
	}
	r := NewResolver(config, nil, log)
	return round.NewTracker(lib.DefaultRoundConfig(), c, nil, log, r), r, c
}

func newMove(seq uint64, actor string, prev []byte) *lib.Move {
	return &lib.Move{
		SessionID:  sessionID,
		SequenceNo: seq,
		Actor:      lib.PeerID(actor),
		Data:       []byte(fmt.Sprintf("%s-%d", actor, seq)),
		PrevHash:   prev,
	}
}

// branch() builds n linked moves extending prev starting at seq
func branch(prev []byte, seq uint64, n int, actor string) (moves []*lib.Move) {
	for i := 0; i < n; i++ {
		m := newMove(seq+uint64(i), actor, prev)
		moves = append(moves, m)
		prev = codec.MoveID(m)
	}
	return
}

func contribution(m *lib.Move) *round.Contribution {
	e := lib.NewEnvelope(m.Actor, lib.KindMove, codec.EncodeMove(m), 1, m.SequenceNo)
	return round.NewContribution(e, time.Time{})
}

func ids(moves []*lib.Move) (out []lib.HexBytes) {
	for _, m := range moves {
		out = append(out, codec.MoveID(m))
	}
	return
}

func open(t *testing.T, tr *round.Tracker, c clock.Clock, params lib.RoundParams) {
	_, err := tr.Open(subject, lib.KindMove, c.Now().Add(time.Minute), params)
	require.NoError(t, err)
}

func contributeAll(t *testing.T, tr *round.Tracker, moves ...*lib.Move) {
	for _, m := range moves {
		require.NoError(t, tr.Contribute(subject, contribution(m)))
	}
}

func TestLongerBranchWinsFork(t *testing.T) {
	tr, r, c := newTestTracker()
	// the first epoch checkpoints at sequence 10 once ten moves arrived
	open(t, tr, c, lib.RoundParams{})
	first := branch(genesis, 1, 10, "a")
	contributeAll(t, tr, first...)
	outcome, err := tr.Outcome(subject)
	require.NoError(t, err)
	require.Equal(t, lib.StatusCheckpointed, outcome.Status)
	require.Equal(t, lib.ReasonFinality, outcome.Reason)
	cp1 := outcome.Checkpoint
	require.EqualValues(t, 10, cp1.SequenceNo)
	require.Equal(t, ids(first), cp1.IncludedMoveIDs)
	// two branches extend move 10 with 3 and 2 moves
	open(t, tr, c, lib.RoundParams{})
	tip := codec.MoveID(first[9])
	long, short := branch(tip, 11, 3, "a"), branch(tip, 11, 2, "b")
	contributeAll(t, tr, short[0], long[0], short[1], long[1], long[2])
	info := r.Session(sessionID).Info()
	require.Equal(t, 2, info.Tips)
	require.Equal(t, ids(long), info.WinningChain)
	outcome, err = tr.Close(subject)
	require.NoError(t, err)
	cp2 := outcome.Checkpoint
	require.EqualValues(t, 13, cp2.SequenceNo)
	require.Equal(t, ids(long), cp2.IncludedMoveIDs)
	require.Equal(t, cp1.StateHash, cp2.PrevStateHash)
	leaves := make([][]byte, len(long))
	for i, id := range ids(long) {
		leaves[i] = id
	}
	require.Equal(t, lib.HexBytes(crypto.HashConcat(cp1.StateHash, crypto.MerkleRoot(leaves))), cp2.StateHash)
	require.Equal(t, lib.HexBytes(codec.MoveID(long[2])), cp2.TipHash)
	// the losing branch can no longer be extended, nor can finalized history
	open(t, tr, c, lib.RoundParams{})
	err = tr.Contribute(subject, contribution(newMove(13, "b", codec.MoveID(short[1]))))
	require.True(t, lib.IsCode(err, lib.SyncModule, lib.CodeDiscardedBranch))
	err = tr.Contribute(subject, contribution(newMove(13, "c", codec.MoveID(long[1]))))
	require.True(t, lib.IsCode(err, lib.SyncModule, lib.CodeBelowCheckpoint))
	contributeAll(t, tr, newMove(14, "a", codec.MoveID(long[2])))
}

func TestEqualBranchesTieBreak(t *testing.T) {
	tr, r, c := newTestTracker()
	open(t, tr, c, lib.RoundParams{})
	x, y := branch(genesis, 1, 2, "x"), branch(genesis, 1, 2, "y")
	contributeAll(t, tr, y[0], x[0], y[1], x[1])
	expected := x
	if string(codec.MoveID(y[0]))+string(codec.MoveID(y[1])) < string(codec.MoveID(x[0]))+string(codec.MoveID(x[1])) {
		expected = y
	}
	require.Equal(t, ids(expected), r.Session(sessionID).Info().WinningChain)
	outcome, err := tr.Close(subject)
	require.NoError(t, err)
	require.Equal(t, ids(expected), outcome.Checkpoint.IncludedMoveIDs)
}

func TestOrphanAdoption(t *testing.T) {
	tr, r, c := newTestTracker()
	open(t, tr, c, lib.RoundParams{})
	moves := branch(genesis, 1, 3, "a")
	// children arrive before their parent
	for _, m := range []*lib.Move{moves[2], moves[1]} {
		err := tr.Contribute(subject, contribution(m))
		require.True(t, lib.IsCode(err, lib.SyncModule, lib.CodeUnknownParent))
	}
	info := r.Session(sessionID).Info()
	require.Equal(t, 2, info.Orphans)
	require.Empty(t, info.WinningChain)
	contributeAll(t, tr, moves[0])
	info = r.Session(sessionID).Info()
	require.Zero(t, info.Orphans)
	require.Equal(t, ids(moves), info.WinningChain)
	outcome, err := tr.Close(subject)
	require.NoError(t, err)
	require.Equal(t, ids(moves), outcome.Checkpoint.IncludedMoveIDs)
	require.Len(t, outcome.Contributions, 3)
}

func TestOrphanExpiry(t *testing.T) {
	tr, r, c := newTestTracker()
	open(t, tr, c, lib.RoundParams{})
	first := newMove(1, "a", genesis)
	contributeAll(t, tr, first)
	missing := newMove(2, "b", codec.MoveID(first))
	stray := newMove(3, "b", codec.MoveID(missing))
	err := tr.Contribute(subject, contribution(stray))
	require.True(t, lib.IsCode(err, lib.SyncModule, lib.CodeUnknownParent))
	// the parent never arrives inside the window
	c.Add(6 * time.Second)
	tr.Tick(c.Now())
	require.Zero(t, r.Session(sessionID).Info().Orphans)
	outcome, err := tr.Close(subject)
	require.NoError(t, err)
	require.Equal(t, ids([]*lib.Move{first}), outcome.Checkpoint.IncludedMoveIDs)
	require.Equal(t, []lib.MessageID{contribution(first).ID}, outcome.Contributions)
	// a late parent does not resurrect the dropped move
	open(t, tr, c, lib.RoundParams{})
	contributeAll(t, tr, newMove(2, "a", codec.MoveID(first)))
	require.Equal(t, 1, len(r.Session(sessionID).Info().WinningChain))
}

func TestDroppedMovesLeaveProofUnchanged(t *testing.T) {
	moves := branch(genesis, 1, 2, "a")
	stray := newMove(5, "b", codec.MoveID(newMove(4, "b", genesis)))
	loser := newMove(1, "c", genesis)
	tests := []struct {
		name   string
		detail string
		extra  []*lib.Move
	}{
		{
			name:   "nothing else",
			detail: "only the finalized chain was seen",
		},
		{
			name:   "expired orphan",
			detail: "a buffered move whose parent never arrived",
			extra:  []*lib.Move{stray},
		},
		{
			name:   "losing branch",
			detail: "a shorter fork discarded by the checkpoint",
			extra:  []*lib.Move{loser},
		},
	}
	var expected *lib.CoordinationProof
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tr, _, c := newTestTracker()
			open(t, tr, c, lib.RoundParams{})
			contributeAll(t, tr, moves...)
			for _, m := range test.extra {
				_ = tr.Contribute(subject, contribution(m))
			}
			c.Add(6 * time.Second)
			outcome, err := tr.Close(subject)
			require.NoError(t, err)
			require.Equal(t, ids(moves), outcome.Checkpoint.IncludedMoveIDs, test.detail)
			require.Len(t, outcome.Contributions, 2, test.detail)
			proof := lib.NewCoordinationProof(outcome)
			if expected == nil {
				expected = proof
			}
			require.Equal(t, expected, proof, test.detail)
		})
	}
}

func TestOrphanPoolBound(t *testing.T) {
	tr, _, c := newTestTracker()
	open(t, tr, c, lib.RoundParams{})
	for i := 0; i < 4; i++ {
		err := tr.Contribute(subject, contribution(newMove(2, fmt.Sprint(i), crypto.Hash([]byte{byte(i)}))))
		require.True(t, lib.IsCode(err, lib.SyncModule, lib.CodeUnknownParent))
	}
	err := tr.Contribute(subject, contribution(newMove(2, "x", crypto.Hash([]byte("x")))))
	require.True(t, lib.IsCode(err, lib.SyncModule, lib.CodeOrphanPoolFull))
}

func TestMonotonicCheckpoints(t *testing.T) {
	tr, _, c := newTestTracker()
	prev, last := genesis, uint64(0)
	for epoch := 0; epoch < 4; epoch++ {
		open(t, tr, c, lib.RoundParams{CheckpointEvery: 2})
		moves := branch(prev, last+1, 2, "a")
		contributeAll(t, tr, moves...)
		outcome, err := tr.Outcome(subject)
		require.NoError(t, err)
		require.Greater(t, outcome.Checkpoint.SequenceNo, last)
		last, prev = outcome.Checkpoint.SequenceNo, codec.MoveID(moves[1])
	}
	require.EqualValues(t, 8, last)
}

func TestNonMonotonicCheckpointHaltsSubject(t *testing.T) {
	tr, r, c := newTestTracker()
	open(t, tr, c, lib.RoundParams{CheckpointEvery: 2})
	contributeAll(t, tr, branch(genesis, 1, 2, "a")...)
	first, err := tr.Close(subject)
	require.NoError(t, err)
	require.Equal(t, lib.StatusCheckpointed, first.Status)
	open(t, tr, c, lib.RoundParams{})
	s := r.Session(sessionID)
	contributeAll(t, tr, newMove(3, "a", s.Info().LastCheckpoint.TipHash))
	// corrupt the anchor so the next checkpoint would go backwards
	s.mux.Lock()
	s.anchor.seq = 100
	s.mux.Unlock()
	outcome, err := tr.Close(subject)
	require.NoError(t, err)
	require.Equal(t, lib.StatusHalted, outcome.Status)
	require.True(t, lib.IsInvariantViolation(tr.Halted(subject)))
	_, err = tr.Open(subject, lib.KindMove, c.Now().Add(time.Minute), lib.RoundParams{})
	require.True(t, lib.IsCode(err, lib.RoundModule, lib.CodeSubjectHalted))
	// other sessions are unaffected
	other := lib.SubjectKey(lib.KindMove, "game-2")
	_, err = tr.Open(other, lib.KindMove, c.Now().Add(time.Minute), lib.RoundParams{})
	require.NoError(t, err)
	m := newMove(1, "a", genesis)
	m.SessionID = "game-2"
	require.NoError(t, tr.Contribute(other, contribution(m)))
}

func TestIntervalCheckpoint(t *testing.T) {
	tr, _, c := newTestTracker()
	open(t, tr, c, lib.RoundParams{CheckpointIntervalMS: 1000})
	contributeAll(t, tr, newMove(1, "a", genesis))
	tr.Tick(c.Now())
	outcome, err := tr.Outcome(subject)
	require.NoError(t, err)
	require.Nil(t, outcome)
	c.Add(time.Second)
	tr.Tick(c.Now())
	outcome, err = tr.Outcome(subject)
	require.NoError(t, err)
	require.Equal(t, lib.StatusCheckpointed, outcome.Status)
	require.Equal(t, lib.ReasonFinality, outcome.Reason)
}

func TestEmptyPeriod(t *testing.T) {
	tr, _, c := newTestTracker()
	open(t, tr, c, lib.RoundParams{})
	tr.Tick(c.Now().Add(time.Minute))
	outcome, err := tr.Outcome(subject)
	require.NoError(t, err)
	require.Equal(t, lib.StatusEmpty, outcome.Status)
	require.Nil(t, outcome.Checkpoint)
}

func TestAddMoveRejects(t *testing.T) {
	s := newSession(sessionID, lib.DefaultSyncConfig(), nil, lib.NewNullLogger())
	now := time.Now()
	tests := []struct {
		name   string
		detail string
		move   *lib.Move
		code   lib.ErrorCode
	}{
		{
			name:   "wrong session",
			detail: "the move belongs to another session",
			move:   &lib.Move{SessionID: "other", SequenceNo: 1, PrevHash: genesis},
			code:   lib.CodeWrongSession,
		},
		{
			name:   "wrong sequence",
			detail: "the move skips sequence numbers",
			move:   newMove(5, "a", genesis),
			code:   lib.CodeWrongSequence,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.True(t, lib.IsCode(s.AddMove(test.move, now), lib.SyncModule, test.code), test.detail)
		})
	}
	// the same move twice is a no-op
	m := newMove(1, "a", genesis)
	require.NoError(t, s.AddMove(m, now))
	dup := *m
	require.NoError(t, s.AddMove(&dup, now))
	require.Equal(t, 1, s.Info().Moves)
}

func TestRestoreFromCheckpoint(t *testing.T) {
	// a node produces a checkpoint then restarts with a fresh resolver
	tr, r, c := newTestTracker()
	open(t, tr, c, lib.RoundParams{CheckpointEvery: 3})
	moves := branch(genesis, 1, 3, "a")
	contributeAll(t, tr, moves...)
	outcome, err := tr.Outcome(subject)
	require.NoError(t, err)
	cp := outcome.Checkpoint
	require.Equal(t, uint64(3), r.Session(sessionID).Info().AnchorSequence)
	restarted, r2, c2 := newTestTracker()
	require.NoError(t, r2.Restore(cp))
	info := r2.Session(sessionID).Info()
	require.Equal(t, cp.SequenceNo, info.AnchorSequence)
	require.Equal(t, cp.StateHash, info.StateHash)
	// the next epoch extends the restored tip and chains the state hash
	open(t, restarted, c2, lib.RoundParams{CheckpointEvery: 1})
	require.NoError(t, restarted.Contribute(subject, contribution(newMove(4, "a", cp.TipHash))))
	next, err := restarted.Outcome(subject)
	require.NoError(t, err)
	require.Equal(t, cp.StateHash, next.Checkpoint.PrevStateHash)
	require.EqualValues(t, 4, next.Checkpoint.SequenceNo)
	// restoring an older checkpoint or into a session with moves is refused
	require.True(t, lib.IsInvariantViolation(r2.Restore(cp)))
	require.NoError(t, r2.Restore(&lib.Checkpoint{SessionID: "game-3", SequenceNo: 1, TipHash: genesis}))
	s := r2.Session("game-3")
	m := newMove(2, "a", genesis)
	m.SessionID = "game-3"
	require.NoError(t, s.AddMove(m, c2.Now()))
	require.Error(t, r2.Restore(&lib.Checkpoint{SessionID: "game-3", SequenceNo: 9}))
}
