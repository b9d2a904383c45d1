package emitter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/store"
	"github.com/stretchr/testify/require"
)

const self = lib.PeerID("alice")

// fakeLedger scripts the ledger's answers and counts the calls it receives
type fakeLedger struct {
	fee          uint64
	estimateErrs []lib.ErrorI  // returned in order before the estimate succeeds
	submitErr    lib.ErrorI    // returned by every submit
	blockSubmit  bool          // submit waits for the context
	release      chan struct{} // submit waits for this channel when set
	status       lib.TxStatus  // receipt status
	estimates    int           // estimate calls
	submits      int           // submit calls
	inFlight     int           // concurrent submits
	maxInFlight  int           // high water mark of inFlight
	mux          sync.Mutex
}

func (f *fakeLedger) EstimateFee(_ context.Context, _ *lib.Submission) (uint64, lib.ErrorI) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.estimates++
	if len(f.estimateErrs) > 0 {
		err := f.estimateErrs[0]
		f.estimateErrs = f.estimateErrs[1:]
		return 0, err
	}
	return f.fee, nil
}

func (f *fakeLedger) Submit(ctx context.Context, s *lib.Submission) (*lib.TxHandle, lib.ErrorI) {
	f.mux.Lock()
	f.submits++
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	release, block, err := f.release, f.blockSubmit, f.submitErr
	f.mux.Unlock()
	defer func() {
		f.mux.Lock()
		f.inFlight--
		f.mux.Unlock()
	}()
	if release != nil {
		<-release
	}
	if block {
		<-ctx.Done()
		return nil, lib.ErrFailedWrite(ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	if !s.Proof.Verify(s.Outcome) {
		return nil, lib.ErrLedgerRejected("bad proof")
	}
	return &lib.TxHandle{TxID: s.Outcome.Hash(), Subject: s.Outcome.Subject, Epoch: s.Outcome.Epoch}, nil
}

func (f *fakeLedger) WaitForConfirmation(_ context.Context, h *lib.TxHandle) (*lib.Receipt, lib.ErrorI) {
	f.mux.Lock()
	defer f.mux.Unlock()
	status, reason := f.status, ""
	if status == "" {
		status = lib.TxConfirmed
	}
	if status == lib.TxReverted {
		reason = "out of gas"
	}
	return &lib.Receipt{Handle: h, Status: status, Reason: reason, Fee: f.fee}, nil
}

func (f *fakeLedger) counts() (estimates, submits int) {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.estimates, f.submits
}

type testEmitter struct {
	*Emitter
	ledger  *fakeLedger
	archive *store.Store
	results chan *Result
}

func newTestEmitter(t *testing.T, ledger *fakeLedger, modify func(c *lib.LedgerConfig)) *testEmitter {
	config := lib.DefaultLedgerConfig()
	config.SubmitTimeoutMS, config.ConfirmTimeoutMS = 1000, 1000
	if modify != nil {
		modify(&config)
	}
	archive, err := store.NewStoreInMemory(lib.NewNullLogger())
	require.NoError(t, err)
	e := New(config, self, ledger, archive, clock.New(), nil, lib.NewNullLogger())
	results := make(chan *Result, 16)
	e.OnResult(func(r *Result) { results <- r })
	t.Cleanup(func() {
		e.Stop()
		archive.Close()
	})
	return &testEmitter{Emitter: e, ledger: ledger, archive: archive, results: results}
}

func (te *testEmitter) result(t *testing.T) *Result {
	select {
	case r := <-te.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a submission result")
		return nil
	}
}

func (te *testEmitter) noResult(t *testing.T) {
	select {
	case r := <-te.results:
		t.Fatalf("unexpected submission result %s", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func won(subject string, epoch uint64, submitter lib.PeerID) *lib.Outcome {
	return &lib.Outcome{
		Subject:       subject,
		Kind:          lib.KindIntent,
		Epoch:         epoch,
		Status:        lib.StatusWon,
		Winner:        &lib.Intent{ResourceKey: "42", Actor: submitter, Priority: 5},
		Contributions: []lib.MessageID{{1}, {2}},
		Submitter:     submitter,
	}
}

func TestSubmitsOwnOutcome(t *testing.T) {
	te := newTestEmitter(t, &fakeLedger{fee: 7}, nil)
	o := won("intent/42", 1, self)
	require.NoError(t, te.Emit(o))
	r := te.result(t)
	require.NoError(t, r.Err)
	require.Equal(t, "confirmed", r.Label())
	require.Equal(t, lib.TxConfirmed, r.Receipt.Status)
	// the outcome and the receipt are archived
	archived, err := te.archive.GetOutcome("intent/42", 1)
	require.NoError(t, err)
	require.Equal(t, o.Hash(), archived.Hash())
	receipt, err := te.archive.GetReceipt("intent/42", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(7), receipt.Fee)
}

func TestSkipsOutcomesNotWrittenHere(t *testing.T) {
	te := newTestEmitter(t, &fakeLedger{}, nil)
	tests := []struct {
		name    string
		detail  string
		outcome *lib.Outcome
	}{
		{
			name:    "empty",
			detail:  "a deadline with nothing to decide writes nothing",
			outcome: &lib.Outcome{Subject: "vote/p1", Kind: lib.KindVote, Epoch: 1, Status: lib.StatusEmpty},
		},
		{
			name:    "cancelled",
			detail:  "cancelled rounds write nothing",
			outcome: &lib.Outcome{Subject: "vote/p2", Kind: lib.KindVote, Epoch: 1, Status: lib.StatusCancelled},
		},
		{
			name:    "halted",
			detail:  "halted subjects write nothing",
			outcome: &lib.Outcome{Subject: "move/g", Kind: lib.KindMove, Epoch: 1, Status: lib.StatusHalted},
		},
		{
			name:    "another submitter",
			detail:  "only the winner writes an intent outcome",
			outcome: won("intent/43", 1, "bob"),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.NoError(t, te.Emit(test.outcome), test.detail)
			archived, err := te.archive.GetOutcome(test.outcome.Subject, 1)
			require.NoError(t, err)
			require.NotNil(t, archived, test.detail)
		})
	}
	te.noResult(t)
	_, submits := te.ledger.counts()
	require.Zero(t, submits)
}

func TestFinalVerdictsAreNotResubmitted(t *testing.T) {
	tests := []struct {
		name   string
		detail string
		ledger *fakeLedger
		code   lib.ErrorCode
		label  string
	}{
		{
			name:   "rejected",
			detail: "the ledger refused the outcome",
			ledger: &fakeLedger{submitErr: lib.ErrLedgerRejected("already recorded")},
			code:   lib.CodeLedgerRejected,
			label:  "rejected",
		},
		{
			name:   "insufficient funds",
			detail: "the account cannot pay",
			ledger: &fakeLedger{submitErr: lib.ErrInsufficientFunds(10, 1)},
			code:   lib.CodeInsufficientFunds,
			label:  "insufficient_funds",
		},
		{
			name:   "reverted",
			detail: "the transaction reverted after acceptance",
			ledger: &fakeLedger{status: lib.TxReverted},
			code:   lib.CodeLedgerReverted,
			label:  "reverted",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			te := newTestEmitter(t, test.ledger, nil)
			require.NoError(t, te.Emit(won("intent/1", 1, self)))
			r := te.result(t)
			require.True(t, lib.IsCode(r.Err, lib.EmitterModule, test.code), test.detail)
			require.Equal(t, test.label, r.Label())
			te.noResult(t)
			_, submits := te.ledger.counts()
			require.Equal(t, 1, submits, test.detail)
		})
	}
}

func TestSubmitTimeout(t *testing.T) {
	te := newTestEmitter(t, &fakeLedger{blockSubmit: true}, func(c *lib.LedgerConfig) { c.SubmitTimeoutMS = 20 })
	require.NoError(t, te.Emit(won("intent/1", 1, self)))
	r := te.result(t)
	require.True(t, lib.IsCode(r.Err, lib.EmitterModule, lib.CodeLedgerTimeout))
	require.Nil(t, r.Handle)
	_, submits := te.ledger.counts()
	require.Equal(t, 1, submits)
}

func TestTransientEstimateIsRetried(t *testing.T) {
	te := newTestEmitter(t, &fakeLedger{estimateErrs: []lib.ErrorI{store.ErrStoreGet(fmt.Errorf("busy"))}}, nil)
	require.NoError(t, te.Emit(won("intent/1", 1, self)))
	r := te.result(t)
	require.NoError(t, r.Err)
	estimates, submits := te.ledger.counts()
	require.Equal(t, 2, estimates)
	require.Equal(t, 1, submits)
}

func TestFeeCeiling(t *testing.T) {
	te := newTestEmitter(t, &fakeLedger{fee: 100}, func(c *lib.LedgerConfig) { c.FeeCeiling = 50 })
	require.NoError(t, te.Emit(won("intent/1", 1, self)))
	r := te.result(t)
	require.True(t, lib.IsCode(r.Err, lib.EmitterModule, lib.CodeFeeTooHigh))
	_, submits := te.ledger.counts()
	require.Zero(t, submits)
}

func TestDivergentOutcomeHaltsSubject(t *testing.T) {
	te := newTestEmitter(t, &fakeLedger{}, nil)
	var halted []string
	te.OnHalt(func(subject string, cause lib.ErrorI) {
		require.True(t, lib.IsInvariantViolation(cause))
		halted = append(halted, subject)
	})
	o := won("intent/1", 1, "bob")
	require.NoError(t, te.Emit(o))
	// the same outcome again is a no-op
	same := *o
	require.NoError(t, te.Emit(&same))
	require.Empty(t, halted)
	// a different outcome for the same epoch is not
	err := te.Emit(won("intent/1", 1, "carol"))
	require.True(t, lib.IsInvariantViolation(err))
	require.Equal(t, []string{"intent/1"}, halted)
	// the next epoch is independent
	require.NoError(t, te.Emit(won("intent/1", 2, "carol")))
}

func TestInFlightBound(t *testing.T) {
	release := make(chan struct{})
	te := newTestEmitter(t, &fakeLedger{release: release}, func(c *lib.LedgerConfig) { c.MaxInFlight = 2 })
	for epoch := uint64(1); epoch <= 5; epoch++ {
		require.NoError(t, te.Emit(won("intent/1", epoch, self)))
	}
	require.Eventually(t, func() bool {
		_, submits := te.ledger.counts()
		return submits == 2
	}, time.Second, time.Millisecond)
	te.noResult(t)
	close(release)
	for i := 0; i < 5; i++ {
		require.NoError(t, te.result(t).Err)
	}
	te.ledger.mux.Lock()
	defer te.ledger.mux.Unlock()
	require.Equal(t, 2, te.ledger.maxInFlight)
}

func TestEmitAfterStop(t *testing.T) {
	te := newTestEmitter(t, &fakeLedger{}, nil)
	te.Stop()
	err := te.Emit(won("intent/1", 1, self))
	require.True(t, lib.IsCode(err, lib.EmitterModule, lib.CodeEmitterStopped))
}
