package flease

import (
	"fmt"
)

// ProposalNumber orders competing Paxos proposals.
// Counter is compared first; SenderID breaks ties, so
// two distinct senders never issue the same number.
// The zero value is the empty proposal number, lower
// than every number a proposer issues.
type ProposalNumber struct {
	Counter  uint64
	SenderID uint64
}

// EmptyProposal is lower than any issued proposal.
var EmptyProposal = ProposalNumber{}

// MaxCounter is the largest counter a message may carry.
// Keeping peers far below the top of uint64 means
// NextHigherThan can never wrap around to a low number.
const MaxCounter uint64 = 1 << 62

func (a ProposalNumber) IsEmpty() bool {
	return a.Counter == 0 && a.SenderID == 0
}

// Compare returns -1, 0, or 1 as a is before,
// the same as, or after b.
func (a ProposalNumber) Compare(b ProposalNumber) int {
	switch {
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	case a.SenderID < b.SenderID:
		return -1
	case a.SenderID > b.SenderID:
		return 1
	}
	return 0
}

// Before is true iff a < b.
func (a ProposalNumber) Before(b ProposalNumber) bool {
	return a.Compare(b) < 0
}

// After is true iff a > b.
func (a ProposalNumber) After(b ProposalNumber) bool {
	return a.Compare(b) > 0
}

// SameNumber is true iff a == b.
func (a ProposalNumber) SameNumber(b ProposalNumber) bool {
	return a.Counter == b.Counter && a.SenderID == b.SenderID
}

func (a ProposalNumber) String() string {
	if a.IsEmpty() {
		return "P(empty)"
	}
	return fmt.Sprintf("P(%v.%v)", a.Counter, a.SenderID)
}

// maxProposal returns the larger of a and b.
func maxProposal(a, b ProposalNumber) ProposalNumber {
	if a.After(b) {
		return a
	}
	return b
}

// NextHigherThan returns a proposal number for sender self
// that is strictly greater than seen. The counter is also
// kept strictly above last, the highest counter self has
// already issued, so the sequence a sender issues is
// strictly increasing no matter what it has observed.
func NextHigherThan(seen ProposalNumber, self uint64, last uint64) ProposalNumber {
	c := seen.Counter
	if last > c {
		c = last
	}
	return ProposalNumber{Counter: c + 1, SenderID: self}
}
