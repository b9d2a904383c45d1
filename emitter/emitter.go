package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/accord/lib"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

/*
	The emitter is the bridge between finalized outcomes and the ledger.

	Every outcome is archived, but only decided outcomes that this peer is responsible for are submitted: an
	outcome that names a submitter is written by that peer alone, so peers that agree on the outcome do not race
	each other to the chain. A submission is fee-estimated, submitted and then awaited to confirmation, each step
	under its own timeout. Estimates and confirmation polls are idempotent reads and are retried with backoff on
	transient failures; a rejected, timed out or reverted submission is reported and never resubmitted.

	Each (subject, epoch) may be emitted once. The same outcome twice is a no-op; a different outcome for an
	emitted epoch is an invariant violation that halts the subject.
*/

// Archive persists what the emitter saw and what the ledger answered
type Archive interface {
	SaveOutcome(o *lib.Outcome) lib.ErrorI
	SaveCheckpoint(cp *lib.Checkpoint) lib.ErrorI
	SaveReceipt(r *lib.Receipt) lib.ErrorI
}

// Result is the end of an outcome's path to the ledger
type Result struct {
	Outcome *lib.Outcome  `json:"outcome"`
	Handle  *lib.TxHandle `json:"handle,omitempty"`  // set once the ledger accepted the submission
	Receipt *lib.Receipt  `json:"receipt,omitempty"` // set once the ledger confirmed or reverted
	Err     lib.ErrorI    `json:"error,omitempty"`   // nil when confirmed
}

// Label() names the result for metrics and logs
func (r *Result) Label() string {
	switch {
	case r.Err == nil:
		return "confirmed"
	case lib.IsCode(r.Err, lib.EmitterModule, lib.CodeLedgerRejected):
		return "rejected"
	case lib.IsCode(r.Err, lib.EmitterModule, lib.CodeLedgerTimeout):
		return "timeout"
	case lib.IsCode(r.Err, lib.EmitterModule, lib.CodeLedgerReverted):
		return "reverted"
	case lib.IsCode(r.Err, lib.EmitterModule, lib.CodeInsufficientFunds):
		return "insufficient_funds"
	case lib.IsCode(r.Err, lib.EmitterModule, lib.CodeFeeTooHigh):
		return "fee_too_high"
	case lib.IsCode(r.Err, lib.EmitterModule, lib.CodeEmitterStopped):
		return "stopped"
	default:
		return "error"
	}
}

// emitKey identifies one round of one subject
type emitKey struct {
	subject string
	epoch   uint64
}

// Emitter submits finalized outcomes to the ledger
type Emitter struct {
	config    lib.LedgerConfig
	self      lib.PeerID               // outcomes naming another submitter are not written by this peer
	ledger    lib.LedgerI              // the chain
	archive   Archive                  // optional
	halt      func(string, lib.ErrorI) // halts a subject after a divergent outcome
	emitted   map[emitKey]lib.HexBytes // outcome hash per emitted round
	listeners []func(*Result)          // result callbacks
	sem       *semaphore.Weighted      // bounds in-flight submissions
	ctx       context.Context          // cancelled on stop
	cancel    context.CancelFunc       // stops in-flight submissions
	stopped   bool                     // no emission after stop
	wg        sync.WaitGroup           // in-flight submissions
	clock     clock.Clock              // latency measurement
	metrics   *lib.Metrics             // telemetry
	log       lib.LoggerI              // logger
	mux       sync.Mutex               // guards emitted, listeners and stopped
}

// New() creates an emitter for the local peer
func New(config lib.LedgerConfig, self lib.PeerID, ledger lib.LedgerI, archive Archive, c clock.Clock, metrics *lib.Metrics, log lib.LoggerI) *Emitter {
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = lib.DefaultLedgerConfig().MaxInFlight
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Emitter{
		config:  config,
		self:    self,
		ledger:  ledger,
		archive: archive,
		halt:    func(string, lib.ErrorI) {},
		emitted: make(map[emitKey]lib.HexBytes),
		sem:     semaphore.NewWeighted(config.MaxInFlight),
		ctx:     ctx,
		cancel:  cancel,
		clock:   c,
		metrics: metrics,
		log:     log,
	}
}

// OnHalt() sets the callback that halts a subject after a divergent outcome
func (e *Emitter) OnHalt(halt func(subject string, cause lib.ErrorI)) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.halt = halt
}

// OnResult() registers a callback for every submission result
func (e *Emitter) OnResult(cb func(*Result)) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.listeners = append(e.listeners, cb)
}

// Emit() archives a finalized outcome and, if this peer writes it, submits it in the background
func (e *Emitter) Emit(o *lib.Outcome) lib.ErrorI {
	key, hash := emitKey{o.Subject, o.Epoch}, lib.HexBytes(o.Hash())
	e.mux.Lock()
	if e.stopped {
		e.mux.Unlock()
		return lib.ErrEmitterStopped()
	}
	if prev, ok := e.emitted[key]; ok {
		halt := e.halt
		e.mux.Unlock()
		if prev.Equal(hash) {
			return nil
		}
		err := lib.ErrDivergentOutcome(o.Subject, o.Epoch)
		e.log.Errorf("Outcome %s diverges from the emitted %s: %s", hash, prev, err.Error())
		halt(o.Subject, err)
		return err
	}
	e.emitted[key] = hash
	decided, mine := o.Status.Decided(), o.Submitter == "" || o.Submitter == e.self
	if decided && mine {
		e.wg.Add(1)
	}
	e.mux.Unlock()
	e.save(o)
	switch {
	case !decided:
		e.log.Debugf("Not submitting %s: nothing to write", o)
	case !mine:
		e.log.Debugf("Not submitting %s: %s writes it", o, o.Submitter)
	default:
		go e.submit(o)
	}
	return nil
}

// Stop() cancels in-flight submissions and waits for them to report
func (e *Emitter) Stop() {
	e.mux.Lock()
	e.stopped = true
	e.mux.Unlock()
	e.cancel()
	e.wg.Wait()
}

// submit() takes one outcome through estimate, submit and confirmation
func (e *Emitter) submit(o *lib.Outcome) {
	defer e.wg.Done()
	defer lib.CatchPanic(e.log)
	start := e.clock.Now()
	result := &Result{Outcome: o}
	defer func() { e.finish(result, start) }()
	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		result.Err = lib.ErrEmitterStopped()
		return
	}
	defer e.sem.Release(1)
	sub := &lib.Submission{Outcome: o, Proof: lib.NewCoordinationProof(o), Submitter: e.self}
	// quote the fee
	if err := e.retry(e.config.SubmitTimeout(), func(ctx context.Context) (err lib.ErrorI) {
		sub.Fee, err = e.ledger.EstimateFee(ctx, sub)
		return
	}); err != nil {
		result.Err = err
		return
	}
	if e.config.FeeCeiling != 0 && sub.Fee > e.config.FeeCeiling {
		result.Err = lib.ErrFeeTooHigh(sub.Fee, e.config.FeeCeiling)
		return
	}
	// submit exactly once
	ctx, cancel := context.WithTimeout(e.ctx, e.config.SubmitTimeout())
	handle, err := e.ledger.Submit(ctx, sub)
	cancel()
	if err != nil {
		result.Err = timeoutOr(ctx, err)
		return
	}
	result.Handle = handle
	e.log.Infof("Submitted %s as %s with fee %d", o, handle, sub.Fee)
	// wait for the ledger's final word
	if err = e.retry(e.config.ConfirmTimeout(), func(ctx context.Context) (err lib.ErrorI) {
		result.Receipt, err = e.ledger.WaitForConfirmation(ctx, handle)
		return
	}); err != nil {
		result.Err = err
		return
	}
	if e.archive != nil {
		if err = e.archive.SaveReceipt(result.Receipt); err != nil {
			e.log.Errorf("Archiving receipt of %s failed: %s", handle, err.Error())
		}
	}
	if result.Receipt.Status == lib.TxReverted {
		result.Err = lib.ErrLedgerReverted(result.Receipt.Reason)
	}
}

// retry() runs an idempotent ledger read under a timeout, retrying with backoff while the failure is transient
func (e *Emitter) retry(timeout time.Duration, op func(ctx context.Context) lib.ErrorI) lib.ErrorI {
	ctx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval, policy.MaxInterval, policy.MaxElapsedTime = 50*time.Millisecond, 5*time.Second, 0
	var last lib.ErrorI
	err := backoff.Retry(func() error {
		if last = op(ctx); last == nil {
			return nil
		}
		if !transient(last) {
			return backoff.Permanent(last)
		}
		e.log.Warnf("Retrying ledger call: %s", last.Error())
		return last
	}, backoff.WithContext(policy, ctx))
	if err == nil {
		return nil
	}
	return timeoutOr(ctx, last)
}

// finish() reports a result to metrics, logs and listeners
func (e *Emitter) finish(result *Result, start time.Time) {
	label := result.Label()
	e.metrics.ObserveSubmission(label, e.clock.Since(start))
	if result.Err != nil {
		e.log.Warnf("Submission of %s ended %s: %s", result.Outcome, label, result.Err.Error())
	} else {
		e.log.Infof("Submission of %s confirmed", result.Outcome)
	}
	e.mux.Lock()
	listeners := append([]func(*Result){}, e.listeners...)
	e.mux.Unlock()
	for _, cb := range listeners {
		func() {
			defer lib.CatchPanic(e.log)
			cb(result)
		}()
	}
}

// save() archives an outcome and the checkpoint it carries
func (e *Emitter) save(o *lib.Outcome) {
	if e.archive == nil {
		return
	}
	if err := e.archive.SaveOutcome(o); err != nil {
		e.log.Errorf("Archiving %s failed: %s", o, err.Error())
	}
	if o.Checkpoint != nil {
		if err := e.archive.SaveCheckpoint(o.Checkpoint); err != nil {
			e.log.Errorf("Archiving checkpoint of %s failed: %s", o, err.Error())
		}
	}
}

// transient() is true for failures a retry may cure; the ledger's own verdicts are final
func transient(err lib.ErrorI) bool {
	return err.Module() != lib.EmitterModule
}

// timeoutOr() maps an expired context to ErrLedgerTimeout, the ledger's own verdicts pass through
func timeoutOr(ctx context.Context, err lib.ErrorI) lib.ErrorI {
	if err == nil || (errors.Is(ctx.Err(), context.DeadlineExceeded) && transient(err)) {
		return lib.ErrLedgerTimeout()
	}
	return err
}

// String() summarizes the result for logs
func (r *Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s (%s)", r.Outcome, r.Label(), r.Err.Error())
	}
	return fmt.Sprintf("%s: %s", r.Outcome, r.Label())
}
