package flease

import (
	"context"
	"fmt"
	mathrand "math/rand/v2"
	"sync"
	"testing"
	"time"
)

// simNet is an in-memory network for multi-Stage tests.
// Every message goes through AppendWire/DecodeWire, and
// may be dropped, duplicated, or delayed (and so reordered).
// Nodes can be cut off from everyone.
type simNet struct {
	mut    sync.Mutex
	stages map[Identity]*Stage
	rng    *mathrand.Rand

	dropProb float64
	dupProb  float64
	maxDelay time.Duration

	cut map[Identity]bool

	counts map[MsgType]int64
}

func newSimNet(seed uint64) *simNet {
	return &simNet{
		stages: make(map[Identity]*Stage),
		rng:    mathrand.New(mathrand.NewPCG(seed, seed+1)),
		cut:    make(map[Identity]bool),
		counts: make(map[MsgType]int64),
	}
}

func (n *simNet) commFor(from Identity) Communicator {
	return CommFunc(func(m *Message, to Identity) {
		n.send(from, to, m)
	})
}

func (n *simNet) add(s *Stage) {
	n.mut.Lock()
	n.stages[s.Identity()] = s
	n.mut.Unlock()
}

// setFaults changes the fault rates for later sends.
func (n *simNet) setFaults(drop, dup float64, maxDelay time.Duration) {
	n.mut.Lock()
	n.dropProb = drop
	n.dupProb = dup
	n.maxDelay = maxDelay
	n.mut.Unlock()
}

// isolate cuts (or restores) every link to and from id.
func (n *simNet) isolate(id Identity, cut bool) {
	n.mut.Lock()
	n.cut[id] = cut
	n.mut.Unlock()
}

func (n *simNet) resetCounts() {
	n.mut.Lock()
	n.counts = make(map[MsgType]int64)
	n.mut.Unlock()
}

func (n *simNet) countsCopy() map[MsgType]int64 {
	n.mut.Lock()
	defer n.mut.Unlock()
	r := make(map[MsgType]int64)
	for k, v := range n.counts {
		r[k] = v
	}
	return r
}

func (n *simNet) send(from, to Identity, m *Message) {
	by, err := m.AppendWire(nil)
	panicOn(err)

	n.mut.Lock()
	dst := n.stages[to]
	if dst == nil || n.cut[from] || n.cut[to] {
		n.mut.Unlock()
		return
	}
	if n.dropProb > 0 && n.rng.Float64() < n.dropProb {
		n.mut.Unlock()
		return
	}
	n.counts[m.Type]++
	copies := 1
	if n.dupProb > 0 && n.rng.Float64() < n.dupProb {
		copies = 2
	}
	delays := make([]time.Duration, copies)
	for i := range delays {
		if n.maxDelay > 0 {
			delays[i] = time.Duration(n.rng.Int64N(int64(n.maxDelay)))
		}
	}
	n.mut.Unlock()

	for _, d := range delays {
		back, err := DecodeWire(by)
		panicOn(err)
		back.Sender = from
		if d == 0 {
			dst.Receive(back)
			continue
		}
		time.AfterFunc(d, func() { dst.Receive(back) })
	}
}

// testListener records everything a Stage reports.
type testListener struct {
	mut     sync.Mutex
	me      Identity
	changes map[string][]Flease
	fails   map[string][]error
	views   map[string][]int32

	// panic in StatusChanged for this cell.
	panicOn string
	// panic in every LeaseFailed, after recording it.
	panicOnFail bool

	changed chan string
	viewCh  chan int32
}

func newTestListener(me Identity) *testListener {
	return &testListener{
		me:      me,
		changes: make(map[string][]Flease),
		fails:   make(map[string][]error),
		views:   make(map[string][]int32),
		changed: make(chan string, 10000),
		viewCh:  make(chan int32, 10000),
	}
}

func (l *testListener) StatusChanged(cellID string, lease Flease) {
	if l.panicOn != "" && cellID == l.panicOn {
		panic(fmt.Sprintf("listener told to panic on cell '%v'", cellID))
	}
	l.mut.Lock()
	l.changes[cellID] = append(l.changes[cellID], lease)
	l.mut.Unlock()
	select {
	case l.changed <- cellID:
	default:
	}
}

func (l *testListener) LeaseFailed(cellID string, err error) {
	l.mut.Lock()
	l.fails[cellID] = append(l.fails[cellID], err)
	l.mut.Unlock()
	if l.panicOnFail {
		panic(fmt.Sprintf("listener told to panic on failure of cell '%v'", cellID))
	}
}

func (l *testListener) ViewIDChanged(cellID string, viewID int32) {
	l.mut.Lock()
	l.views[cellID] = append(l.views[cellID], viewID)
	l.mut.Unlock()
	select {
	case l.viewCh <- viewID:
	default:
	}
}

func (l *testListener) last(cellID string) (f Flease, ok bool) {
	l.mut.Lock()
	defer l.mut.Unlock()
	ch := l.changes[cellID]
	if len(ch) == 0 {
		return
	}
	return ch[len(ch)-1], true
}

func (l *testListener) history(cellID string) []Flease {
	l.mut.Lock()
	defer l.mut.Unlock()
	return append([]Flease{}, l.changes[cellID]...)
}

func (l *testListener) failures(cellID string) []error {
	l.mut.Lock()
	defer l.mut.Unlock()
	return append([]error{}, l.fails[cellID]...)
}

// believesHolder: our last report says we hold a lease
// we can still rely on.
func (l *testListener) believesHolder(cellID string, now time.Time, dMax time.Duration) bool {
	f, ok := l.last(cellID)
	if !ok {
		return false
	}
	return f.IsValidFor(l.me, now, dMax)
}

// testConfig is quick enough for tests but keeps the
// ordering RenewalMargin > dMax + AcceptTimeout.
func testConfig(id Identity) *Config {
	cfg := &Config{
		Identity:        id,
		LeaseDuration:   600 * time.Millisecond,
		ClockDriftBound: 30 * time.Millisecond,
		PrepareTimeout:  100 * time.Millisecond,
		AcceptTimeout:   100 * time.Millisecond,
		RenewalMargin:   300 * time.Millisecond,
		MaxRetries:      100,
		BackoffInitial:  5 * time.Millisecond,
		BackoffMax:      80 * time.Millisecond,
		EpochTimeout:    200 * time.Millisecond,
	}
	cfg.Init()
	return cfg
}

type testCluster struct {
	net    *simNet
	names  []Identity
	stages map[Identity]*Stage
	lis    map[Identity]*testListener
	meh    map[Identity]*MemEpochStore
}

// newTestCluster starts one Stage per name on a fresh simNet.
func newTestCluster(t *testing.T, seed uint64, names []Identity, tweak func(cfg *Config)) *testCluster {
	c := &testCluster{
		net:    newSimNet(seed),
		names:  names,
		stages: make(map[Identity]*Stage),
		lis:    make(map[Identity]*testListener),
		meh:    make(map[Identity]*MemEpochStore),
	}
	for _, name := range names {
		cfg := testConfig(name)
		if tweak != nil {
			tweak(cfg)
		}
		lis := newTestListener(name)
		meh := NewMemEpochStore()
		s, err := NewStage(cfg, c.net.commFor(name), lis, lis, meh)
		if err != nil {
			t.Fatalf("NewStage(%v): %v", name, err)
		}
		c.net.add(s)
		c.stages[name] = s
		c.lis[name] = lis
		c.meh[name] = meh
		s.Start()
	}
	return c
}

func (c *testCluster) Close() {
	for _, s := range c.stages {
		s.Close()
	}
}

// others returns every name but me.
func (c *testCluster) others(me Identity) (r []Identity) {
	for _, n := range c.names {
		if n != me {
			r = append(r, n)
		}
	}
	return
}

func (c *testCluster) open(me Identity, cellID string, wantEpoch bool) *LeaseFuture {
	return c.stages[me].OpenCell(cellID, c.others(me), wantEpoch)
}

func getLease(t *testing.T, f *LeaseFuture, within time.Duration) (Flease, error) {
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	lease, err := f.Get(ctx)
	if err == context.DeadlineExceeded {
		t.Fatalf("lease future for cell '%v' did not resolve within %v", f.CellID, within)
	}
	return lease, err
}

func mustStats(t *testing.T, s *Stage) *StageStats {
	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return st
}

// waitFor polls cond until it holds, or fails the test.
func waitFor(t *testing.T, within time.Duration, what string, cond func() bool) {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for: %v", within, what)
}

func cellPhaseOf(t *testing.T, s *Stage, cellID string) cellPhase {
	ch := make(chan cellPhase, 1)
	err := s.call(context.Background(), func() {
		c, ok := s.cells[cellID]
		if !ok {
			ch <- IDLE
			return
		}
		ch <- c.phase
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	return <-ch
}
