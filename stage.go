package flease

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
)

// Stage runs the Flease protocol for every cell of
// one process. A single goroutine owns all cell state;
// everything else talks to it over channels:
//
//   - Receive: inbound protocol messages from the transport.
//   - the timer queue: fired internal events.
//   - MasterEpochHandler continuations.
//   - the public API: OpenCell, CloseCell, GetLocalState, ...
//
// Messages addressed to ourselves never touch the
// Communicator; they go on a local FIFO that the Stage
// drains before it looks at its channels again.
type Stage struct {
	cfg     *Config
	me      Identity
	verbose bool

	comm   Communicator
	status StatusListener
	views  ViewChangeListener
	meh    MasterEpochHandler
	timer  TimerService

	// Stage goroutine only, below.
	cells       map[string]*cell
	lastCounter uint64
	selfq       []*Message
	stats       *stageCounters
	bo          expBackoffConfig

	recvCh  chan *Message
	eventCh chan *Message
	epochCh chan *epochResult
	reqCh   chan *stageReq

	started  atomic.Bool
	stopOnce sync.Once

	Halt *idem.Halter
}

// stageReq runs fn on the Stage goroutine. If the
// Stage shuts down first, cancel runs instead (on
// whatever goroutine is shutting down).
type stageReq struct {
	cellID string
	fn     func()
	cancel func()
}

// NewStage makes a Stage; call Start to run it.
// status, views, and meh may be nil. meh is only needed
// by cells opened with wantMasterEpoch.
func NewStage(cfg *Config, comm Communicator, status StatusListener, views ViewChangeListener, meh MasterEpochHandler) (*Stage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("flease.NewStage: nil Config")
	}
	if comm == nil {
		return nil, fmt.Errorf("flease.NewStage: nil Communicator")
	}
	cfg.Init()
	if err := cfg.CheckForProblems(); err != nil {
		return nil, err
	}
	if IsNil(status) {
		status = noopStatus{}
	}
	if IsNil(views) {
		views = noopViews{}
	}
	if IsNil(meh) {
		meh = nil
	}
	s := &Stage{
		cfg:     cfg,
		me:      cfg.Identity,
		verbose: cfg.Verbose,
		comm:    comm,
		status:  status,
		views:   views,
		meh:     meh,
		cells:   make(map[string]*cell),
		stats:   newStageCounters(),
		bo:      backoffConfigFrom(cfg),
		recvCh:  make(chan *Message, cfg.EventQueueLen),
		eventCh: make(chan *Message, cfg.EventQueueLen),
		epochCh: make(chan *epochResult, cfg.EventQueueLen),
		reqCh:   make(chan *stageReq, cfg.EventQueueLen),
		Halt:    idem.NewHalterNamed("flease.Stage(" + string(cfg.Identity) + ")"),

		// counters keep rising across restarts.
		lastCounter: uint64(time.Now().UnixMilli()) + randCounterSalt(),
	}
	s.timer = NewTimerQueue(s.deliverTimer)
	return s, nil
}

// Identity returns who this Stage is.
func (s *Stage) Identity() Identity {
	return s.me
}

// Config returns the Stage's config. Do not modify it.
func (s *Stage) Config() *Config {
	return s.cfg
}

// Start launches the Stage goroutine. Calls before Start
// are queued, up to Config.EventQueueLen of them.
func (s *Stage) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

// Close stops the Stage. Pending futures fail with
// ErrShutDown, and later API calls are refused.
func (s *Stage) Close() {
	s.Halt.ReqStop.Close()
	if s.started.Load() {
		<-s.Halt.Done.Chan
		return
	}
	s.shutdown()
}

func (s *Stage) nowMs() int64 {
	return time.Now().UnixMilli()
}

func (s *Stage) dMaxMs() int64 {
	return s.cfg.ClockDriftBound.Milliseconds()
}

// Receive hands an inbound message to the Stage. The
// transport must fill in msg.Sender. Malformed messages
// are dropped, as is everything when the Stage is
// overloaded: the protocol tolerates loss.
func (s *Stage) Receive(msg *Message) {
	if err := msg.Validate(); err != nil {
		s.stats.malformed.Add(1)
		alwaysPrintf("%v: dropping malformed message: %v", s.me, err)
		return
	}
	if msg.Sender == "" {
		s.stats.malformed.Add(1)
		alwaysPrintf("%v: dropping message without Sender: %v", s.me, msg)
		return
	}
	select {
	case s.recvCh <- msg:
	default:
		s.stats.overflow.Add(1)
	}
}

func (s *Stage) deliverTimer(ev *Message) {
	select {
	case s.eventCh <- ev:
	case <-s.Halt.ReqStop.Chan:
	}
}

// send hands m to the Communicator, or to our own queue.
func (s *Stage) send(m *Message, to Identity) {
	if int(m.Type) < len(s.stats.sent) {
		s.stats.sent[m.Type]++
	}
	if to == s.me {
		cp := m.Clone()
		cp.Sender = s.me
		s.selfq = append(s.selfq, cp)
		return
	}
	s.comm.Send(m, to)
}

func (s *Stage) getCell(cellID string) *cell {
	c, ok := s.cells[cellID]
	if !ok {
		c = newCell(cellID, s.bo)
		s.cells[cellID] = c
	}
	return c
}

func (s *Stage) run() {
	defer s.shutdown()

	for {
		s.drainSelf()

		select {
		case m := <-s.recvCh:
			s.dispatch(m)
		case ev := <-s.eventCh:
			s.dispatch(ev)
		case r := <-s.epochCh:
			s.dispatchEpoch(r)
		case req := <-s.reqCh:
			s.runReq(req)
		case <-s.Halt.ReqStop.Chan:
			return
		}
	}
}

func (s *Stage) drainSelf() {
	for len(s.selfq) > 0 {
		m := s.selfq[0]
		s.selfq[0] = nil
		s.selfq = s.selfq[1:]
		s.dispatch(m)
	}
	s.selfq = nil
}

// recoverCell keeps a panic in one cell's handling from
// taking down the Stage; the cell's election fails instead.
func (s *Stage) recoverCell(c *cell, what interface{}) {
	r := recover()
	if r == nil {
		return
	}
	s.stats.Panics++
	alwaysPrintf("%v: recovered panic handling %v on cell '%v': %v\n%v", s.me, what, c.id, r, stack())
	s.leaseFailed(c, KindInternal, fmt.Errorf("panic handling %v: %v", what, r))
}

// tellFailed runs the LeaseFailed callback. It can be
// reached from recoverCell, so a panic in the listener
// is logged and counted here, never rethrown.
func (s *Stage) tellFailed(cellID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.stats.Panics++
			alwaysPrintf("%v: recovered panic in LeaseFailed listener for cell '%v': %v\n%v", s.me, cellID, r, stack())
		}
	}()
	s.status.LeaseFailed(cellID, err)
}

func (s *Stage) dispatch(m *Message) {
	c := s.getCell(m.CellID)
	defer s.recoverCell(c, m)

	if m.Type.IsInternalEvent() {
		if m.gen != c.timerGen {
			return // stale timer
		}
		switch m.Type {
		case TIMEOUT_PREPARE, TIMEOUT_ACCEPT:
			s.onTimeout(c, m)
		case RESTART:
			s.onRestart(c)
		case RENEW:
			s.onRenew(c)
		}
		return
	}

	if int(m.Type) < len(s.stats.received) {
		s.stats.received[m.Type]++
	}
	c.highestSeen = maxProposal(c.highestSeen, m.ProposalNo)

	switch m.Type {
	case PREPARE:
		s.acceptorPrepare(c, m)
	case ACCEPT:
		s.acceptorAccept(c, m)
	case LEARN:
		if s.acceptorLearn(c, m) {
			s.onLearn(c, m)
		}
	case LEASE_RETURN:
		if s.acceptorLeaseReturn(c, m) {
			s.onLeaseReturn(c, m)
		}
	case PREPARE_ACK:
		s.onPrepareAck(c, m)
	case ACCEPT_ACK:
		s.onAcceptAck(c, m)
	case PREPARE_NACK, ACCEPT_NACK:
		s.onNack(c, m)
	case WRONG_VIEW:
		s.onWrongView(c, m)
	default:
		s.stats.malformed.Add(1)
		alwaysPrintf("%v: unhandled message type: %v", s.me, m)
	}
}

func (s *Stage) dispatchEpoch(r *epochResult) {
	c, ok := s.cells[r.cellID]
	if !ok {
		return
	}
	defer s.recoverCell(c, "master epoch result")
	s.onEpochResult(c, r)
}

func (s *Stage) runReq(req *stageReq) {
	if req.cellID != "" {
		c := s.getCell(req.cellID)
		defer s.recoverCell(c, "api request")
	} else {
		defer func() {
			if r := recover(); r != nil {
				s.stats.Panics++
				alwaysPrintf("%v: recovered panic in api request: %v\n%v", s.me, r, stack())
				req.cancel()
			}
		}()
	}
	req.fn()
}

// submit queues req for the Stage goroutine.
func (s *Stage) submit(req *stageReq) error {
	if s.Halt.ReqStop.IsClosed() {
		return ErrShutDown
	}
	select {
	case s.reqCh <- req:
		return nil
	case <-s.Halt.ReqStop.Chan:
		return ErrShutDown
	}
}

func (s *Stage) shutdown() {
	s.stopOnce.Do(func() {
		s.timer.Close()
		for _, c := range s.cells {
			s.disarm(c)
			c.abandonEpochOp()
			c.failFutures(ErrShutDown)
		}
		// refuse what is still queued.
		for {
			select {
			case req := <-s.reqCh:
				req.cancel()
				continue
			default:
			}
			break
		}
		s.Halt.Done.Close()
	})
}

// OpenCell starts negotiating cellID's lease with the
// given acceptors (self is always a participant, and is
// dropped from acceptors if listed). The future resolves
// on the first lease learned: ours, or another live
// holder's. Lease changes after that arrive through the
// StatusListener.
//
// With wantMasterEpoch, each new tenure's epoch is
// fetched from and stored to the MasterEpochHandler
// before the lease is granted.
func (s *Stage) OpenCell(cellID string, acceptors []Identity, wantMasterEpoch bool) *LeaseFuture {
	if cellID == "" || len(cellID) > MaxIDLen {
		return failedLeaseFuture(cellID, newLeaseError(cellID, KindMalformed, fmtMalformed("bad cell id of length %v", len(cellID))))
	}
	fut := newLeaseFuture(cellID)
	accs := dedupAcceptors(s.me, acceptors)
	err := s.submit(&stageReq{
		cellID: cellID,
		fn:     func() { s.openCell(cellID, accs, wantMasterEpoch, fut) },
		cancel: func() { fut.fail(ErrShutDown) },
	})
	if err != nil {
		return failedLeaseFuture(cellID, err)
	}
	return fut
}

func (s *Stage) openCell(cellID string, acceptors []Identity, wantEpoch bool, fut *LeaseFuture) {
	c := s.getCell(cellID)
	c.acceptors = acceptors
	c.wantEpoch = wantEpoch

	if wantEpoch && s.meh == nil {
		fut.fail(newLeaseError(cellID, KindEpochStore, ErrNoEpochHandler))
		return
	}

	if c.opened {
		switch c.phase {
		case OPEN:
			fut.resolve(newFlease(c.id, c.own))
		case BACKUP:
			fut.resolve(newFlease(c.id, c.learned))
		default:
			c.futures = append(c.futures, fut)
		}
		return
	}
	c.opened = true
	c.retries = 0
	c.backoff.reset()
	c.futures = append(c.futures, fut)
	s.pp("OpenCell('%v') acceptors=%v wantEpoch=%v", cellID, acceptors, wantEpoch)

	if !c.learned.IsEmpty() && c.learned.LeaseHolder != s.me &&
		!c.learned.HasTimedOut(s.nowMs(), s.dMaxMs()) {
		s.enterBackup(c, c.learned)
		return
	}
	c.phase = IDLE
	s.arm(c, RESTART, time.Now())
}

// CloseCell stops negotiating cellID. With returnLease,
// a lease we hold is handed back so that another
// process need not wait for it to time out. The
// cell's acceptor history is kept.
func (s *Stage) CloseCell(cellID string, returnLease bool) *CloseFuture {
	fut := newCloseFuture(cellID)
	err := s.submit(&stageReq{
		cellID: cellID,
		fn:     func() { s.closeCell(cellID, returnLease, fut) },
		cancel: func() { fut.finish(ErrShutDown) },
	})
	if err != nil {
		fut.finish(err)
	}
	return fut
}

func (s *Stage) closeCell(cellID string, returnLease bool, fut *CloseFuture) {
	c, ok := s.cells[cellID]
	if !ok {
		fut.finish(nil)
		return
	}
	s.disarm(c)
	s.timer.CancelAllFor(cellID)

	now := s.nowMs()
	if returnLease && c.opened && c.own.LeaseHolder == s.me && !c.own.HasTimedOut(now, s.dMaxMs()) {
		s.pp("CloseCell('%v') returning %v", cellID, c.own)
		s.broadcast(c, newLeaseReturn(c.id, c.ownNo, c.own, c.viewID, now))
	}
	c.clearRound()
	c.abandonEpochOp()
	c.own = LeaseValue{}
	c.phase = IDLE
	c.opened = false
	c.retries = 0
	c.electionStart = time.Time{}
	c.failFutures(newLeaseError(cellID, KindInternal, ErrCellClosed))
	fut.finish(nil)
}

// call runs fn on the Stage goroutine and waits for it.
func (s *Stage) call(ctx context.Context, fn func()) error {
	done := idem.NewIdemCloseChan()
	var cancelled atomic.Bool
	err := s.submit(&stageReq{
		fn: func() {
			fn()
			done.Close()
		},
		cancel: func() {
			cancelled.Store(true)
			done.Close()
		},
	})
	if err != nil {
		return err
	}
	select {
	case <-done.Chan:
		if cancelled.Load() {
			return ErrShutDown
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.Halt.Done.Chan:
		return ErrShutDown
	}
}

// GetLocalState returns a diagnostic snapshot of every
// cell this Stage knows, as LEARN-shaped messages.
func (s *Stage) GetLocalState(ctx context.Context) (map[string]*Message, error) {
	ch := make(chan map[string]*Message, 1)
	err := s.call(ctx, func() {
		st := make(map[string]*Message, len(s.cells))
		for id, c := range s.cells {
			st[id] = c.localState()
		}
		ch <- st
	})
	if err != nil {
		return nil, err
	}
	return <-ch, nil
}

// SetViewID installs cellID's current view, after
// the application has refreshed its membership.
func (s *Stage) SetViewID(ctx context.Context, cellID string, viewID int32) error {
	return s.call(ctx, func() {
		c := s.getCell(cellID)
		s.pp("SetViewID('%v', %v) was %v", cellID, viewID, c.viewID)
		c.viewID = viewID
	})
}

// Stats returns a copy of the Stage's counters.
func (s *Stage) Stats(ctx context.Context) (*StageStats, error) {
	ch := make(chan *StageStats, 1)
	err := s.call(ctx, func() {
		ch <- s.snapshotStats()
	})
	if err != nil {
		return nil, err
	}
	return <-ch, nil
}
