package flease

import (
	"fmt"
	"time"
)

type cellPhase int

const (
	IDLE      cellPhase = 0
	PREPARING cellPhase = 1
	ACCEPTING cellPhase = 2
	OPEN      cellPhase = 3
	BACKUP    cellPhase = 4
)

func (p cellPhase) String() string {
	switch p {
	case IDLE:
		return "IDLE"
	case PREPARING:
		return "PREPARING"
	case ACCEPTING:
		return "ACCEPTING"
	case OPEN:
		return "OPEN"
	case BACKUP:
		return "BACKUP"
	}
	return fmt.Sprintf("unknown cellPhase(%d)", int(p))
}

type epochOp int

const (
	noEpochOp       epochOp = 0
	epochOpFetching epochOp = 1
	epochOpStoring  epochOp = 2
)

// cell is the protocol state for one negotiated resource.
// Only the Stage goroutine touches it. Cells are never
// deleted: forgetting promised/accepted would let
// an old proposal win again.
type cell struct {
	id string

	// acceptor
	promised   ProposalNumber
	acceptedNo ProposalNumber
	accepted   LeaseValue
	viewID     int32

	// learner
	learned   LeaseValue
	learnedNo ProposalNumber

	// proposer
	opened    bool
	acceptors []Identity // remote participants; never includes self.
	wantEpoch bool
	phase     cellPhase

	current     ProposalNumber
	highestSeen ProposalNumber

	// value in flight in the current accept round.
	proposed LeaseValue
	newEpoch bool
	renewing bool

	// our last committed lease and the number it went out under.
	own   LeaseValue
	ownNo ProposalNumber

	prepAcks   map[Identity]*Message
	acceptAcks map[Identity]bool

	retries int
	lastErr error
	backoff *expBackoff

	// one armed timer at a time; firings
	// carrying an older gen are ignored.
	timerGen uint64

	epochOp  epochOp
	epochSeq uint64
	// max epoch seen in the prepare majority, kept
	// while the stored epoch is being fetched.
	prepMaxEpoch int64

	futures []*LeaseFuture

	notified     Flease
	haveNotified bool

	electionStart time.Time
}

func newCell(id string, bo expBackoffConfig) *cell {
	return &cell{
		id:      id,
		backoff: newExpBackoff(bo),
	}
}

// majority of the participants: our acceptors plus ourselves.
func (c *cell) majority() int {
	return (len(c.acceptors)+1)/2 + 1
}

func (c *cell) String() string {
	return fmt.Sprintf("cell{'%v' %v opened:%v p:%v promised:%v acceptedNo:%v accepted:%v learned:%v retries:%v}",
		c.id, c.phase, c.opened, c.current, c.promised, c.acceptedNo, c.accepted, c.learned, c.retries)
}

// clearRound forgets the replies of the current round.
func (c *cell) clearRound() {
	c.prepAcks = nil
	c.acceptAcks = nil
	c.renewing = false
	c.newEpoch = false
}

// abandonEpochOp makes any outstanding epoch
// continuation for this cell stale.
func (c *cell) abandonEpochOp() {
	if c.epochOp != noEpochOp {
		c.epochOp = noEpochOp
		c.epochSeq++
	}
}

func (c *cell) resolveFutures(lease Flease) {
	for _, f := range c.futures {
		f.resolve(lease)
	}
	c.futures = nil
}

func (c *cell) failFutures(err error) {
	for _, f := range c.futures {
		f.fail(err)
	}
	c.futures = nil
}

// localState is the diagnostic snapshot of the cell, in
// the shape of a LEARN: ProposalNo is the accepted number,
// PrevProposalNo the promised one.
func (c *cell) localState() *Message {
	m := &Message{
		Type:           LEARN,
		CellID:         c.id,
		ProposalNo:     c.acceptedNo,
		PrevProposalNo: c.promised,
		ViewID:         c.viewID,
	}
	if !c.learned.IsEmpty() {
		m.setLease(c.learned)
	} else {
		m.setLease(c.accepted)
	}
	return m
}

// dedupAcceptors drops self, empties, and repeats.
func dedupAcceptors(me Identity, acceptors []Identity) (r []Identity) {
	seen := make(map[Identity]bool)
	for _, a := range acceptors {
		if a == "" || a == me || seen[a] {
			continue
		}
		seen[a] = true
		r = append(r, a)
	}
	return
}
