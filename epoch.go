package flease

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// MasterEpochHandler keeps a durable, per-cell master epoch.
//
// SendMasterEpoch fetches the last stored epoch for
// req.CellID (0 if none). StoreMasterEpoch durably stores
// req.MasterEpoch for req.CellID. Each continuation must
// be invoked exactly once, from any goroutine, possibly
// before the method returns.
type MasterEpochHandler interface {
	SendMasterEpoch(req *Message, cont func(epoch int64, err error))
	StoreMasterEpoch(req *Message, cont func(err error))
}

// epochResult carries a continuation back to the Stage
// goroutine; cell state is never touched from the
// handler's goroutine.
type epochResult struct {
	cellID string
	seq    uint64
	op     epochOp
	epoch  int64
	err    error
}

// postEpoch hands r to the Stage loop. It never blocks
// the caller, since the handler may call us from the
// Stage goroutine itself.
func (s *Stage) postEpoch(r *epochResult) {
	select {
	case s.epochCh <- r:
		return
	case <-s.Halt.ReqStop.Chan:
		return
	default:
	}
	go func() {
		select {
		case s.epochCh <- r:
		case <-s.Halt.ReqStop.Chan:
		}
	}()
}

func (s *Stage) epochRequest(c *cell, epoch int64) *Message {
	m := newMsg(LEARN, c.id, c.current, c.viewID, s.nowMs())
	m.LeaseHolder = s.me
	m.LeaseTimeoutMs = c.proposed.LeaseTimeoutMs
	m.MasterEpoch = epoch
	return m
}

// fetchEpoch asks the handler for the stored epoch. The
// armed prepare timer doubles as the deadline.
func (s *Stage) fetchEpoch(c *cell) {
	if s.meh == nil {
		s.leaseFailed(c, KindEpochStore, ErrNoEpochHandler)
		return
	}
	c.epochSeq++
	c.epochOp = epochOpFetching
	seq := c.epochSeq
	cellID := c.id
	s.arm(c, TIMEOUT_PREPARE, time.Now().Add(s.cfg.EpochTimeout))
	s.pp("cell '%v' fetching master epoch (seq %v)", cellID, seq)

	var once atomic.Bool
	s.meh.SendMasterEpoch(s.epochRequest(c, 0), func(epoch int64, err error) {
		if !once.CompareAndSwap(false, true) {
			return
		}
		s.postEpoch(&epochResult{cellID: cellID, seq: seq, op: epochOpFetching, epoch: epoch, err: err})
	})
}

// storeEpoch persists c.proposed's epoch before we commit.
func (s *Stage) storeEpoch(c *cell) {
	if s.meh == nil {
		s.leaseFailed(c, KindEpochStore, ErrNoEpochHandler)
		return
	}
	c.epochSeq++
	c.epochOp = epochOpStoring
	seq := c.epochSeq
	cellID := c.id
	s.arm(c, TIMEOUT_ACCEPT, time.Now().Add(s.cfg.EpochTimeout))
	s.pp("cell '%v' storing master epoch %v (seq %v)", cellID, c.proposed.MasterEpoch, seq)

	var once atomic.Bool
	s.meh.StoreMasterEpoch(s.epochRequest(c, c.proposed.MasterEpoch), func(err error) {
		if !once.CompareAndSwap(false, true) {
			return
		}
		s.postEpoch(&epochResult{cellID: cellID, seq: seq, op: epochOpStoring, err: err})
	})
}

// onEpochResult resumes the cell's election.
func (s *Stage) onEpochResult(c *cell, r *epochResult) {
	if c.epochOp != r.op || c.epochSeq != r.seq {
		s.pp("cell '%v' dropping stale epoch result seq %v", c.id, r.seq)
		return
	}
	c.epochOp = noEpochOp
	if r.err != nil {
		what := "fetch"
		if r.op == epochOpStoring {
			what = "store"
		}
		s.leaseFailed(c, KindEpochStore, errors.Wrapf(r.err, "master epoch %v", what))
		return
	}
	switch r.op {
	case epochOpFetching:
		if c.phase != PREPARING {
			return
		}
		e := c.prepMaxEpoch
		if r.epoch > e {
			e = r.epoch
		}
		c.proposed = LeaseValue{
			LeaseHolder:    s.me,
			LeaseTimeoutMs: s.nowMs() + s.cfg.LeaseDuration.Milliseconds(),
			MasterEpoch:    e + 1,
		}
		c.newEpoch = true
		s.startAccept(c)

	case epochOpStoring:
		if c.phase != ACCEPTING {
			return
		}
		s.commit(c)
	}
}

// MemEpochStore is an in-memory MasterEpochHandler.
// It answers asynchronously. Cells can be made to hang
// or fail, to exercise the Stage's error paths.
type MemEpochStore struct {
	mut    sync.Mutex
	epochs map[string]int64
	hang   map[string]bool
	fail   map[string]error

	// store-only faults; fetches still answer.
	hangStore map[string]bool
	failStore map[string]error

	// Delay before each continuation runs.
	Delay time.Duration

	Stores atomic.Int64
}

func NewMemEpochStore() *MemEpochStore {
	return &MemEpochStore{
		epochs: make(map[string]int64),
		hang:      make(map[string]bool),
		fail:      make(map[string]error),
		hangStore: make(map[string]bool),
		failStore: make(map[string]error),
	}
}

// SetHang makes calls for cellID never complete.
func (m *MemEpochStore) SetHang(cellID string, hang bool) {
	m.mut.Lock()
	m.hang[cellID] = hang
	m.mut.Unlock()
}

// SetFail makes calls for cellID fail with err (nil clears).
func (m *MemEpochStore) SetFail(cellID string, err error) {
	m.mut.Lock()
	if err == nil {
		delete(m.fail, cellID)
	} else {
		m.fail[cellID] = err
	}
	m.mut.Unlock()
}

// SetHangStore makes only StoreMasterEpoch for cellID
// never complete.
func (m *MemEpochStore) SetHangStore(cellID string, hang bool) {
	m.mut.Lock()
	m.hangStore[cellID] = hang
	m.mut.Unlock()
}

// SetFailStore makes only StoreMasterEpoch for cellID
// fail with err (nil clears).
func (m *MemEpochStore) SetFailStore(cellID string, err error) {
	m.mut.Lock()
	if err == nil {
		delete(m.failStore, cellID)
	} else {
		m.failStore[cellID] = err
	}
	m.mut.Unlock()
}

// Epoch returns the stored epoch for cellID.
func (m *MemEpochStore) Epoch(cellID string) int64 {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.epochs[cellID]
}

func (m *MemEpochStore) later(f func()) {
	go func() {
		if m.Delay > 0 {
			time.Sleep(m.Delay)
		}
		f()
	}()
}

func (m *MemEpochStore) SendMasterEpoch(req *Message, cont func(epoch int64, err error)) {
	m.mut.Lock()
	hang := m.hang[req.CellID]
	err := m.fail[req.CellID]
	e := m.epochs[req.CellID]
	m.mut.Unlock()
	if hang {
		return
	}
	m.later(func() { cont(e, err) })
}

func (m *MemEpochStore) StoreMasterEpoch(req *Message, cont func(err error)) {
	m.mut.Lock()
	hang := m.hang[req.CellID] || m.hangStore[req.CellID]
	err := m.fail[req.CellID]
	if err == nil {
		err = m.failStore[req.CellID]
	}
	if !hang && err == nil {
		if req.MasterEpoch > m.epochs[req.CellID] {
			m.epochs[req.CellID] = req.MasterEpoch
		}
		m.Stores.Add(1)
	}
	m.mut.Unlock()
	if hang {
		return
	}
	m.later(func() { cont(err) })
}
