package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/store"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T, config lib.LedgerConfig) (*Local, *clock.Mock) {
	db, err := store.NewStoreInMemory(lib.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c := clock.NewMock()
	c.Set(time.UnixMilli(1_700_000_000_000))
	return NewLocal(config, db, c, lib.NewNullLogger()), c
}

func testConfig() lib.LedgerConfig {
	config := lib.DefaultLedgerConfig()
	config.Balance, config.BaseFee, config.FeePerKiB = 100, 10, 1
	return config
}

func newSubmission(submitter lib.PeerID, o *lib.Outcome, fee uint64) *lib.Submission {
	return &lib.Submission{Outcome: o, Proof: lib.NewCoordinationProof(o), Submitter: submitter, Fee: fee}
}

func wonOutcome(subject string, epoch uint64, actor lib.PeerID) *lib.Outcome {
	return &lib.Outcome{
		Subject:       subject,
		Kind:          lib.KindIntent,
		Epoch:         epoch,
		Status:        lib.StatusWon,
		Winner:        &lib.Intent{ResourceKey: "42", Actor: actor, Priority: 5},
		Contributions: []lib.MessageID{{1}, {2}},
		Submitter:     actor,
	}
}

func TestFirstWriterWins(t *testing.T) {
	l, _ := newTestLocal(t, testConfig())
	ctx := context.Background()
	alice, bob := wonOutcome("intent/42", 1, "alice"), wonOutcome("intent/42", 1, "bob")
	h, err := l.Submit(ctx, newSubmission("alice", alice, 20))
	require.NoError(t, err)
	receipt, err := l.WaitForConfirmation(ctx, h)
	require.NoError(t, err)
	require.Equal(t, lib.TxConfirmed, receipt.Status)
	require.Equal(t, uint64(20), receipt.Fee)
	// a divergent outcome for the same subject does not land
	_, err = l.Submit(ctx, newSubmission("bob", bob, 20))
	require.True(t, lib.IsCode(err, lib.EmitterModule, lib.CodeLedgerRejected))
	rec, err := l.Record("intent/42")
	require.NoError(t, err)
	require.Equal(t, lib.PeerID("alice"), rec.Submitter)
	require.Equal(t, lib.HexBytes(alice.Hash()), rec.OutcomeHash)
	// a later epoch moves the record forward
	_, err = l.Submit(ctx, newSubmission("bob", wonOutcome("intent/42", 2, "bob"), 20))
	require.NoError(t, err)
	balance, err := l.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(80), balance)
}

func TestCheckpointRecordsAdvance(t *testing.T) {
	l, _ := newTestLocal(t, testConfig())
	ctx := context.Background()
	checkpoint := func(epoch, seq uint64) *lib.Outcome {
		return &lib.Outcome{
			Subject:    "move/game-1",
			Kind:       lib.KindMove,
			Epoch:      epoch,
			Status:     lib.StatusCheckpointed,
			Checkpoint: &lib.Checkpoint{SessionID: "game-1", SequenceNo: seq},
		}
	}
	_, err := l.Submit(ctx, newSubmission("a", checkpoint(1, 10), 20))
	require.NoError(t, err)
	_, err = l.Submit(ctx, newSubmission("a", checkpoint(2, 10), 20))
	require.True(t, lib.IsCode(err, lib.EmitterModule, lib.CodeLedgerRejected))
	_, err = l.Submit(ctx, newSubmission("a", checkpoint(2, 13), 20))
	require.NoError(t, err)
	rec, err := l.Record("checkpoint/game-1")
	require.NoError(t, err)
	require.Equal(t, uint64(13), rec.Order)
}

func TestSubmitRejects(t *testing.T) {
	l, _ := newTestLocal(t, testConfig())
	won := wonOutcome("intent/7", 1, "alice")
	tampered := newSubmission("alice", won, 20)
	tampered.Proof.Contributions = 5
	tests := []struct {
		name   string
		detail string
		sub    *lib.Submission
		code   lib.ErrorCode
	}{
		{
			name:   "no decision",
			detail: "cancelled outcomes are never written",
			sub:    newSubmission("alice", &lib.Outcome{Subject: "intent/7", Status: lib.StatusCancelled}, 20),
			code:   lib.CodeLedgerRejected,
		},
		{
			name:   "bad proof",
			detail: "the proof must cover the submitted outcome",
			sub:    tampered,
			code:   lib.CodeLedgerRejected,
		},
		{
			name:   "low fee",
			detail: "the offered fee must cover the estimate",
			sub:    newSubmission("alice", won, 1),
			code:   lib.CodeLedgerRejected,
		},
		{
			name:   "insufficient funds",
			detail: "the account cannot pay the offered fee",
			sub:    newSubmission("alice", won, 101),
			code:   lib.CodeInsufficientFunds,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := l.Submit(context.Background(), test.sub)
			require.True(t, lib.IsCode(err, lib.EmitterModule, test.code), test.detail)
		})
	}
	// a cancelled context times out
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Submit(ctx, newSubmission("alice", won, 20))
	require.True(t, lib.IsCode(err, lib.EmitterModule, lib.CodeLedgerTimeout))
}

func TestEstimateFee(t *testing.T) {
	l, _ := newTestLocal(t, testConfig())
	small := newSubmission("a", wonOutcome("intent/1", 1, "a"), 0)
	fee, err := l.EstimateFee(context.Background(), small)
	require.NoError(t, err)
	require.Equal(t, uint64(11), fee)
	large := wonOutcome("intent/1", 1, "a")
	large.Contributions = make([]lib.MessageID, 100)
	fee, err = l.EstimateFee(context.Background(), newSubmission("a", large, 0))
	require.NoError(t, err)
	require.Greater(t, fee, uint64(11))
}

func TestConfirmationDelayAndRevert(t *testing.T) {
	config := testConfig()
	config.ConfirmAfterMS = 1000
	l, c := newTestLocal(t, config)
	ctx := context.Background()
	h, err := l.Submit(ctx, newSubmission("alice", wonOutcome("intent/9", 1, "alice"), 20))
	require.NoError(t, err)
	// the wait times out before the confirmation delay
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = l.WaitForConfirmation(short, h)
	require.True(t, lib.IsCode(err, lib.EmitterModule, lib.CodeLedgerTimeout))
	// a reverted transaction frees the record and keeps the fee
	require.NoError(t, l.Revert(h.TxID, "out of gas"))
	receipt, err := l.WaitForConfirmation(ctx, h)
	require.NoError(t, err)
	require.Equal(t, lib.TxReverted, receipt.Status)
	require.Equal(t, "out of gas", receipt.Reason)
	rec, err := l.Record("intent/9")
	require.NoError(t, err)
	require.Nil(t, rec)
	balance, err := l.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(80), balance)
	// the next writer confirms once the delay passed
	h, err = l.Submit(ctx, newSubmission("bob", wonOutcome("intent/9", 1, "bob"), 20))
	require.NoError(t, err)
	done := make(chan *lib.Receipt)
	go func() {
		r, e := l.WaitForConfirmation(ctx, h)
		require.NoError(t, e)
		done <- r
	}()
	require.Eventually(t, func() bool {
		c.Add(100 * time.Millisecond)
		select {
		case r := <-done:
			return r.Status == lib.TxConfirmed
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	// confirmed transactions are final
	require.Error(t, l.Revert(h.TxID, "late"))
}
