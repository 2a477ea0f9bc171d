package flease

import (
	"fmt"
	"strings"
)

// MsgType tags a Message. The first nine travel
// on the wire; the rest are internal events the
// Stage schedules for itself and never encodes.
type MsgType uint8

const (
	INVALID_MSG MsgType = 0

	PREPARE      MsgType = 1
	PREPARE_ACK  MsgType = 2
	PREPARE_NACK MsgType = 3
	ACCEPT       MsgType = 4
	ACCEPT_ACK   MsgType = 5
	ACCEPT_NACK  MsgType = 6
	LEARN        MsgType = 7
	LEASE_RETURN MsgType = 8
	WRONG_VIEW   MsgType = 9

	// internal events
	TIMEOUT_PREPARE MsgType = 10
	TIMEOUT_ACCEPT  MsgType = 11
	RESTART         MsgType = 12
	RENEW           MsgType = 13
)

func (t MsgType) String() string {
	switch t {
	case INVALID_MSG:
		return "INVALID_MSG"
	case PREPARE:
		return "PREPARE"
	case PREPARE_ACK:
		return "PREPARE_ACK"
	case PREPARE_NACK:
		return "PREPARE_NACK"
	case ACCEPT:
		return "ACCEPT"
	case ACCEPT_ACK:
		return "ACCEPT_ACK"
	case ACCEPT_NACK:
		return "ACCEPT_NACK"
	case LEARN:
		return "LEARN"
	case LEASE_RETURN:
		return "LEASE_RETURN"
	case WRONG_VIEW:
		return "WRONG_VIEW"
	case TIMEOUT_PREPARE:
		return "TIMEOUT_PREPARE"
	case TIMEOUT_ACCEPT:
		return "TIMEOUT_ACCEPT"
	case RESTART:
		return "RESTART"
	case RENEW:
		return "RENEW"
	}
	return fmt.Sprintf("unknown MsgType(%v)", uint8(t))
}

// IsInternalEvent is true for the self-scheduled kinds.
func (t MsgType) IsInternalEvent() bool {
	return t >= TIMEOUT_PREPARE && t <= RENEW
}

// IsWireType is true for kinds that may be encoded.
func (t MsgType) IsWireType() bool {
	return t >= PREPARE && t <= WRONG_VIEW
}

// Message is the Flease protocol message, and also
// the carrier for the Stage's internal timer events.
//
// A Message is built fresh for each send and must not
// be changed once handed to a Communicator or to
// Stage.Receive.
type Message struct {
	Type   MsgType
	CellID string

	ProposalNo     ProposalNumber
	PrevProposalNo ProposalNumber

	SendTimestampMs int64

	LeaseTimeoutMs int64
	LeaseHolder    Identity
	MasterEpoch    int64

	ViewID int32

	// Sender is filled in by the transport on
	// receipt; it is not part of the wire format.
	Sender Identity

	// internal events only: the timer generation
	// that armed this event.
	gen uint64
}

// Lease returns the lease value fields.
func (m *Message) Lease() LeaseValue {
	return LeaseValue{
		LeaseHolder:    m.LeaseHolder,
		LeaseTimeoutMs: m.LeaseTimeoutMs,
		MasterEpoch:    m.MasterEpoch,
	}
}

func (m *Message) setLease(v LeaseValue) {
	m.LeaseHolder = v.LeaseHolder
	m.LeaseTimeoutMs = v.LeaseTimeoutMs
	m.MasterEpoch = v.MasterEpoch
}

// Validate checks the structural invariant every
// non-event message must satisfy.
func (m *Message) Validate() error {
	if m == nil {
		return fmtMalformed("nil message")
	}
	if !m.Type.IsWireType() {
		return fmtMalformed("type %v is not a wire type", m.Type)
	}
	if m.CellID == "" {
		return fmtMalformed("%v with empty cell id", m.Type)
	}
	if len(m.CellID) > MaxIDLen {
		return fmtMalformed("%v cell id too long: %v bytes", m.Type, len(m.CellID))
	}
	if len(m.LeaseHolder) > MaxIDLen {
		return fmtMalformed("%v lease holder too long: %v bytes", m.Type, len(m.LeaseHolder))
	}
	if m.ProposalNo.IsEmpty() {
		return fmtMalformed("%v on cell '%v' with empty proposal number", m.Type, m.CellID)
	}
	if m.ProposalNo.Counter > MaxCounter || m.PrevProposalNo.Counter > MaxCounter {
		return fmtMalformed("%v on cell '%v' with proposal counter past MaxCounter: %v / %v", m.Type, m.CellID, m.ProposalNo, m.PrevProposalNo)
	}
	return nil
}

// Clone returns a shallow copy; every field is a value.
func (m *Message) Clone() *Message {
	cp := *m
	return &cp
}

func (m *Message) String() string {
	if m == nil {
		return "(nil *Message)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "&Message{%v cell:'%v' p:%v", m.Type, m.CellID, m.ProposalNo)
	if !m.PrevProposalNo.IsEmpty() {
		fmt.Fprintf(&b, " prev:%v", m.PrevProposalNo)
	}
	if m.LeaseHolder != "" || m.MasterEpoch != 0 {
		fmt.Fprintf(&b, " holder:'%v' timeout:%v epoch:%v", m.LeaseHolder, niceMs(m.LeaseTimeoutMs), m.MasterEpoch)
	}
	if m.ViewID != 0 {
		fmt.Fprintf(&b, " view:%v", m.ViewID)
	}
	if m.Sender != "" {
		fmt.Fprintf(&b, " from:'%v'", m.Sender)
	}
	if m.Type.IsInternalEvent() {
		fmt.Fprintf(&b, " gen:%v", m.gen)
	}
	b.WriteString("}")
	return b.String()
}

// constructors. All outgoing messages are stamped
// with the local send time.

func newMsg(typ MsgType, cellID string, p ProposalNumber, viewID int32, nowMs int64) *Message {
	return &Message{
		Type:            typ,
		CellID:          cellID,
		ProposalNo:      p,
		ViewID:          viewID,
		SendTimestampMs: nowMs,
	}
}

func newPrepare(cellID string, p ProposalNumber, viewID int32, nowMs int64) *Message {
	return newMsg(PREPARE, cellID, p, viewID, nowMs)
}

func newAccept(cellID string, p ProposalNumber, v LeaseValue, viewID int32, nowMs int64) *Message {
	m := newMsg(ACCEPT, cellID, p, viewID, nowMs)
	m.setLease(v)
	return m
}

func newLearn(cellID string, p ProposalNumber, v LeaseValue, viewID int32, nowMs int64) *Message {
	m := newMsg(LEARN, cellID, p, viewID, nowMs)
	m.setLease(v)
	return m
}

func newLeaseReturn(cellID string, p ProposalNumber, v LeaseValue, viewID int32, nowMs int64) *Message {
	m := newMsg(LEASE_RETURN, cellID, p, viewID, nowMs)
	m.setLease(v)
	return m
}

// newReply answers req with the same cell and proposal number.
func newReply(typ MsgType, req *Message, viewID int32, nowMs int64) *Message {
	return newMsg(typ, req.CellID, req.ProposalNo, viewID, nowMs)
}

// newEvent builds an internal timer event.
func newEvent(typ MsgType, cellID string, p ProposalNumber, gen uint64) *Message {
	return &Message{
		Type:       typ,
		CellID:     cellID,
		ProposalNo: p,
		gen:        gen,
	}
}
