package round

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/accord/lib"
)

// Tracker manages the lifecycle of coordination rounds, one owner goroutine per open round
type Tracker struct {
	config    lib.RoundConfig         // round options
	clock     clock.Clock             // injectable time source
	resolvers map[lib.Kind]Resolver   // domain resolver per kind
	hooks     []func(*lib.Outcome)    // invoked for every finalized round
	subjects  map[string]*subjectInfo // the subject table, the only shared structure
	quit      chan struct{}           // closed on Stop()
	metrics   *lib.Metrics            // telemetry
	log       lib.LoggerI             // the logger
	mux       sync.Mutex              // guards subjects and hooks
}

// subjectInfo is the table entry for a subject
type subjectInfo struct {
	kind    lib.Kind   // a subject never changes kind
	current *round     // the latest round, open or closed
	halted  lib.ErrorI // set once an invariant was violated
}

// NewTracker() creates a round tracker with the domain resolvers
func NewTracker(config lib.RoundConfig, c clock.Clock, metrics *lib.Metrics, log lib.LoggerI, resolvers ...Resolver) *Tracker {
	t := &Tracker{
		config:    config,
		clock:     c,
		resolvers: make(map[lib.Kind]Resolver),
		subjects:  make(map[string]*subjectInfo),
		quit:      make(chan struct{}),
		metrics:   metrics,
		log:       log,
	}
	for _, r := range resolvers {
		t.resolvers[r.Kind()] = r
	}
	return t
}

// OnFinal() registers a hook invoked once for every finalized round of any subject
func (t *Tracker) OnFinal(hook func(*lib.Outcome)) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.hooks = append(t.hooks, hook)
}

// Open() starts a round for the subject; re-opening a closed subject starts the next epoch
func (t *Tracker) Open(subject string, kind lib.Kind, deadline time.Time, params lib.RoundParams) (epoch uint64, err lib.ErrorI) {
	if subject == "" {
		return 0, lib.ErrEmptySubject()
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	select {
	case <-t.quit:
		return 0, lib.ErrRoundClosed(subject, 0)
	default:
	}
	info, exists := t.subjects[subject]
	if exists {
		switch {
		case info.halted != nil:
			return 0, lib.ErrSubjectHalted(subject)
		case info.kind != kind:
			return 0, lib.ErrWrongKind(subject, info.kind, kind)
		case info.current != nil && !info.current.closed():
			return 0, lib.ErrAlreadyOpen(subject)
		}
	}
	resolver, ok := t.resolvers[kind]
	if !ok {
		return 0, lib.ErrNoResolver(kind)
	}
	epoch = 1
	if exists && info.current != nil {
		epoch = info.current.epoch + 1
	}
	// create the domain state for the round
	state, err := resolver.NewState(subject, epoch, params)
	if err != nil {
		return 0, err
	}
	if !exists {
		info = &subjectInfo{kind: kind}
		t.subjects[subject] = info
	}
	r := newRound(subject, kind, epoch, deadline, state)
	info.current = r
	go t.run(r)
	t.metrics.ObserveRoundOpened()
	t.log.Debugf("Opened round %s#%d, deadline in %s", subject, epoch, deadline.Sub(t.clock.Now()))
	return epoch, nil
}

// Contribute() routes a contribution to the subject's open round
func (t *Tracker) Contribute(subject string, c *Contribution) lib.ErrorI {
	r, err := t.current(subject)
	if err != nil {
		return err
	}
	var result lib.ErrorI
	ok := r.do(func() {
		now := t.clock.Now()
		// every operation checks the deadline first
		if t.expire(r, now) {
			result = lib.ErrRoundClosed(r.subject, r.epoch)
			return
		}
		if c.Kind != r.kind {
			result = lib.ErrWrongKind(r.subject, r.kind, c.Kind)
			return
		}
		// idempotent by message id
		if _, seen := r.seen[c.ID]; seen {
			return
		}
		if e := r.state.Apply(c, now); e != nil {
			if lib.IsInvariantViolation(e) {
				t.halt(r, e)
				result = e
				return
			}
			result = e
			// a buffered move is recorded so its replays stay idempotent
			if !lib.IsCode(e, lib.SyncModule, lib.CodeUnknownParent) {
				return
			}
		}
		r.record(c)
		if r.state.Final(now) {
			t.finalize(r, lib.ReasonFinality, "")
		}
	})
	if !ok {
		t.lateConflict(r, c)
		return lib.ErrRoundClosed(r.subject, r.epoch)
	}
	return result
}

// Close() finalizes the subject's round and returns its outcome; closing a closed round returns the existing outcome
func (t *Tracker) Close(subject string) (*lib.Outcome, lib.ErrorI) {
	r, err := t.latest(subject)
	if err != nil {
		return nil, err
	}
	r.do(func() {
		if !t.expire(r, t.clock.Now()) && r.outcome == nil {
			t.finalize(r, lib.ReasonExplicit, "")
		}
	})
	<-r.done
	return r.outcome, nil
}

// Cancel() closes the subject's round with a Cancelled outcome; a no-op if already closed
func (t *Tracker) Cancel(subject, reason string) (*lib.Outcome, lib.ErrorI) {
	r, err := t.latest(subject)
	if err != nil {
		return nil, err
	}
	r.do(func() {
		if !t.expire(r, t.clock.Now()) {
			t.finalize(r, lib.ReasonCancelled, reason)
		}
	})
	<-r.done
	return r.outcome, nil
}

// Halt() marks the subject as halted after an invariant violation, closing any open round
func (t *Tracker) Halt(subject string, cause lib.ErrorI) {
	t.mux.Lock()
	info, ok := t.subjects[subject]
	if !ok {
		t.mux.Unlock()
		return
	}
	if info.halted == nil {
		info.halted = cause
	}
	r := info.current
	t.mux.Unlock()
	t.log.Errorf("Subject %s halted: %s", subject, cause.Error())
	if r == nil {
		return
	}
	r.do(func() {
		if r.outcome == nil {
			t.finalize(r, lib.ReasonHalted, cause.Error())
		}
	})
}

// Halted() returns the cause if the subject is halted
func (t *Tracker) Halted(subject string) lib.ErrorI {
	t.mux.Lock()
	defer t.mux.Unlock()
	if info, ok := t.subjects[subject]; ok {
		return info.halted
	}
	return nil
}

// Subscribe() registers a callback invoked exactly once with the round's terminal outcome
func (t *Tracker) Subscribe(subject string, cb func(*lib.Outcome)) lib.ErrorI {
	r, err := t.latest(subject)
	if err != nil {
		return err
	}
	added := false
	r.do(func() {
		if !t.expire(r, t.clock.Now()) {
			r.subscribers = append(r.subscribers, cb)
			added = true
		}
	})
	if added {
		return nil
	}
	// already terminal, deliver immediately
	<-r.done
	cb(r.outcome)
	return nil
}

// Status() returns a snapshot of the subject's latest round
func (t *Tracker) Status(subject string) (*Snapshot, lib.ErrorI) {
	r, err := t.latest(subject)
	if err != nil {
		return nil, err
	}
	var s *Snapshot
	if r.do(func() { t.expire(r, t.clock.Now()); s = r.snapshot() }) && s.Open {
		return s, nil
	}
	<-r.done
	return r.snapshot(), nil
}

// Outcome() returns the terminal outcome of the subject's latest round, nil while it is open
func (t *Tracker) Outcome(subject string) (*lib.Outcome, lib.ErrorI) {
	r, err := t.latest(subject)
	if err != nil {
		return nil, err
	}
	var open bool
	if r.do(func() { open = !t.expire(r, t.clock.Now()) }) && open {
		return nil, nil
	}
	<-r.done
	return r.outcome, nil
}

// Subjects() lists the subjects with an open round
func (t *Tracker) Subjects() (open []string) {
	t.mux.Lock()
	defer t.mux.Unlock()
	for subject, info := range t.subjects {
		if info.current != nil && !info.current.closed() {
			open = append(open, subject)
		}
	}
	return
}

// Tick() cooperatively checks deadlines and time based finality, and compacts rounds closed for longer than the retention
func (t *Tracker) Tick(now time.Time) {
	var open []*round
	t.mux.Lock()
	for _, info := range t.subjects {
		r := info.current
		if r == nil {
			continue
		}
		if !r.closed() {
			open = append(open, r)
			continue
		}
		// retained closed rounds keep their outcome only
		if r.state != nil && now.Sub(r.closedAt) > t.config.Retain() {
			r.compact()
		}
	}
	t.mux.Unlock()
	for _, r := range open {
		r.do(func() {
			if !t.expire(r, now) && r.state.Final(now) {
				t.finalize(r, lib.ReasonFinality, "")
			}
		})
	}
}

// Start() runs the cooperative tick loop until Stop()
func (t *Tracker) Start() {
	go func() {
		ticker := t.clock.Ticker(t.config.Tick())
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				t.Tick(now)
			case <-t.quit:
				return
			}
		}
	}()
}

// Stop() cancels every open round and stops the tick loop
func (t *Tracker) Stop() {
	t.mux.Lock()
	select {
	case <-t.quit:
		t.mux.Unlock()
		return
	default:
		close(t.quit)
	}
	t.mux.Unlock()
	for _, subject := range t.Subjects() {
		_, _ = t.Cancel(subject, "tracker stopped")
	}
}

// run() is the owner goroutine of a round
func (t *Tracker) run(r *round) {
	timer := t.clock.Timer(r.deadline.Sub(t.clock.Now()))
	defer timer.Stop()
	for r.outcome == nil {
		select {
		case op := <-r.inbox:
			op()
		case <-timer.C:
			t.expire(r, r.deadline)
		}
	}
	t.publish(r)
}

// expire() finalizes the round at its deadline; returns true if the round is closed
func (t *Tracker) expire(r *round, now time.Time) bool {
	if r.outcome != nil {
		return true
	}
	if now.Before(r.deadline) {
		return false
	}
	t.finalize(r, lib.ReasonDeadline, "")
	return true
}

// halt() marks the round's subject as halted and closes the round, runs on the owner
func (t *Tracker) halt(r *round, cause lib.ErrorI) {
	t.mux.Lock()
	if info, ok := t.subjects[r.subject]; ok && info.halted == nil {
		info.halted = cause
	}
	t.mux.Unlock()
	t.log.Errorf("Subject %s halted: %s", r.subject, cause.Error())
	t.finalize(r, lib.ReasonHalted, cause.Error())
}

// finalize() computes the single terminal outcome of the round, runs on the owner
func (t *Tracker) finalize(r *round, reason lib.CloseReason, detail string) {
	now := t.clock.Now()
	var o *lib.Outcome
	var counts func(*Contribution) bool
	switch reason {
	case lib.ReasonCancelled:
		o = &lib.Outcome{Status: lib.StatusCancelled, Detail: detail}
	case lib.ReasonHalted:
		o = &lib.Outcome{Status: lib.StatusHalted, Detail: detail}
	default:
		var err lib.ErrorI
		if o, err = r.state.Outcome(reason, now); err != nil {
			if lib.IsInvariantViolation(err) {
				t.halt(r, err)
				return
			}
			t.log.Errorf("Computing outcome of %s#%d failed: %s", r.subject, r.epoch, err.Error())
			o = &lib.Outcome{Status: lib.StatusEmpty, Detail: err.Error()}
		}
		if counter, ok := r.state.(Counter); ok {
			decided := o
			counts = func(c *Contribution) bool { return counter.Counts(c, decided) }
		}
	}
	// fill the fields common to every kind
	o.Subject, o.Kind, o.Epoch, o.Reason = r.subject, r.kind, r.epoch, reason
	o.Contributions = r.contributionIDs(counts)
	o.FinalizedAt = now.UnixMilli()
	r.outcome, r.closedAt = o, now
}

// publish() releases waiters and runs the hooks and subscribers exactly once
func (t *Tracker) publish(r *round) {
	subscribers := r.subscribers
	r.subscribers = nil
	close(r.done)
	t.metrics.ObserveRoundClosed(r.outcome)
	t.log.Infof("Round %s finalized (%s)", r.outcome, r.outcome.Reason)
	t.mux.Lock()
	hooks := append([]func(*lib.Outcome){}, t.hooks...)
	t.mux.Unlock()
	for _, cb := range subscribers {
		t.notify(cb, r.outcome)
	}
	for _, hook := range hooks {
		t.notify(hook, r.outcome)
	}
}

// notify() invokes a callback, isolating the owner from its panics
func (t *Tracker) notify(cb func(*lib.Outcome), o *lib.Outcome) {
	defer lib.CatchPanic(t.log)
	cb(o)
}

// lateConflict() records a contribution that arrived after its round closed
func (t *Tracker) lateConflict(r *round, c *Contribution) {
	t.metrics.ObserveLateConflict()
	if c.Kind == lib.KindIntent {
		t.log.Warnf("Late conflict: %s from %s arrived after %s#%d closed", c.ID, c.Sender, r.subject, r.epoch)
		return
	}
	t.log.Debugf("Contribution %s from %s arrived after %s#%d closed", c.ID, c.Sender, r.subject, r.epoch)
}

// current() returns the subject's round for contributions
func (t *Tracker) current(subject string) (*round, lib.ErrorI) {
	t.mux.Lock()
	defer t.mux.Unlock()
	info, ok := t.subjects[subject]
	if !ok || info.current == nil {
		return nil, lib.ErrNoSuchRound(subject)
	}
	if info.halted != nil {
		return nil, lib.ErrSubjectHalted(subject)
	}
	return info.current, nil
}

// latest() returns the subject's latest round regardless of halting
func (t *Tracker) latest(subject string) (*round, lib.ErrorI) {
	t.mux.Lock()
	defer t.mux.Unlock()
	info, ok := t.subjects[subject]
	if !ok || info.current == nil {
		return nil, lib.ErrNoSuchRound(subject)
	}
	return info.current, nil
}
