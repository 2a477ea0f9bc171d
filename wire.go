package flease

import (
	"encoding/binary"
)

// MaxIDLen bounds cell ids and lease holder names on the wire.
const MaxIDLen = 1024

// fixed part of an encoded Message:
// type(1) + 2 length words(8) + 2 proposal numbers(32) +
// send ts(8) + lease timeout(8) + view(4) + epoch(8).
const wireFixedLen = 1 + 4 + 16 + 16 + 8 + 8 + 4 + 4 + 8

// MaxWireLen is the largest frame DecodeWire accepts.
const MaxWireLen = wireFixedLen + 2*MaxIDLen

// WireLen returns the encoded size of m.
func (m *Message) WireLen() int {
	return wireFixedLen + len(m.CellID) + len(m.LeaseHolder)
}

// AppendWire appends the big-endian encoding of m to b.
// Internal events cannot be encoded.
func (m *Message) AppendWire(b []byte) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return b, err
	}
	b = append(b, byte(m.Type))
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.CellID)))
	b = append(b, m.CellID...)
	b = appendProposal(b, m.ProposalNo)
	b = appendProposal(b, m.PrevProposalNo)
	b = binary.BigEndian.AppendUint64(b, uint64(m.SendTimestampMs))
	b = binary.BigEndian.AppendUint64(b, uint64(m.LeaseTimeoutMs))
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.LeaseHolder)))
	b = append(b, m.LeaseHolder...)
	b = binary.BigEndian.AppendUint32(b, uint32(m.ViewID))
	b = binary.BigEndian.AppendUint64(b, uint64(m.MasterEpoch))
	return b, nil
}

func appendProposal(b []byte, p ProposalNumber) []byte {
	b = binary.BigEndian.AppendUint64(b, p.Counter)
	return binary.BigEndian.AppendUint64(b, p.SenderID)
}

// wireReader consumes a frame front to back,
// remembering the first short read.
type wireReader struct {
	b     []byte
	short bool
}

func (r *wireReader) take(n int) []byte {
	if r.short || len(r.b) < n {
		r.short = true
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *wireReader) u32() uint32 {
	by := r.take(4)
	if by == nil {
		return 0
	}
	return binary.BigEndian.Uint32(by)
}

func (r *wireReader) u64() uint64 {
	by := r.take(8)
	if by == nil {
		return 0
	}
	return binary.BigEndian.Uint64(by)
}

func (r *wireReader) proposal() ProposalNumber {
	c := r.u64()
	s := r.u64()
	return ProposalNumber{Counter: c, SenderID: s}
}

// lenString reads a u32 length and that many bytes.
func (r *wireReader) lenString(what string) (string, error) {
	n := r.u32()
	if r.short {
		return "", fmtMalformed("short frame reading %v length", what)
	}
	if n > MaxIDLen {
		return "", fmtMalformed("%v length %v exceeds max %v", what, n, MaxIDLen)
	}
	by := r.take(int(n))
	if r.short {
		return "", fmtMalformed("short frame reading %v: want %v bytes", what, n)
	}
	return string(by), nil
}

// DecodeWire parses exactly one encoded Message from b.
// The returned Message has an empty Sender.
func DecodeWire(b []byte) (*Message, error) {
	if len(b) < wireFixedLen {
		return nil, fmtMalformed("frame of %v bytes is shorter than minimum %v", len(b), wireFixedLen)
	}
	if len(b) > MaxWireLen {
		return nil, fmtMalformed("frame of %v bytes exceeds max %v", len(b), MaxWireLen)
	}
	r := &wireReader{b: b}
	m := &Message{}
	m.Type = MsgType(r.take(1)[0])
	if !m.Type.IsWireType() {
		return nil, fmtMalformed("unknown or internal message type %v", uint8(m.Type))
	}
	var err error
	m.CellID, err = r.lenString("cell id")
	if err != nil {
		return nil, err
	}
	m.ProposalNo = r.proposal()
	m.PrevProposalNo = r.proposal()
	m.SendTimestampMs = int64(r.u64())
	m.LeaseTimeoutMs = int64(r.u64())
	holder, err := r.lenString("lease holder")
	if err != nil {
		return nil, err
	}
	m.LeaseHolder = Identity(holder)
	m.ViewID = int32(r.u32())
	m.MasterEpoch = int64(r.u64())
	if r.short {
		return nil, fmtMalformed("short frame")
	}
	if len(r.b) != 0 {
		return nil, fmtMalformed("%v trailing bytes after message", len(r.b))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
