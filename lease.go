package flease

import (
	"fmt"
	"time"
)

// Identity names a participant: a peer name or host:port.
// The empty Identity means "nobody".
type Identity string

// LeaseValue is the single value negotiated per cell.
// The zero value (empty holder) means "no lease".
type LeaseValue struct {
	LeaseHolder    Identity
	LeaseTimeoutMs int64 // unix milliseconds
	MasterEpoch    int64
}

func (v LeaseValue) IsEmpty() bool {
	return v.LeaseHolder == ""
}

// HasTimedOut reports whether the lease is over even for
// a clock that runs dMaxMs behind ours. Use it before
// contesting somebody else's lease.
func (v LeaseValue) HasTimedOut(nowMs, dMaxMs int64) bool {
	return v.LeaseTimeoutMs+dMaxMs < nowMs
}

// HasNotTimedOut reports whether the lease is still
// valid even for a clock that runs dMaxMs ahead of ours.
// Use it before relying on holding a lease yourself.
func (v LeaseValue) HasNotTimedOut(nowMs, dMaxMs int64) bool {
	return v.LeaseTimeoutMs-dMaxMs > nowMs
}

func (v LeaseValue) String() string {
	if v.IsEmpty() {
		return fmt.Sprintf("LeaseValue{empty, epoch:%v}", v.MasterEpoch)
	}
	return fmt.Sprintf("LeaseValue{holder:%v, timeout:%v, epoch:%v}",
		v.LeaseHolder, niceMs(v.LeaseTimeoutMs), v.MasterEpoch)
}

// Flease is the lease snapshot handed to the application.
// It is a value; the Stage never changes one after
// handing it out.
type Flease struct {
	CellID         string   `json:"cell"`
	LeaseHolder    Identity `json:"holder"`
	LeaseTimeoutMs int64    `json:"leaseTimeoutMs"`
	MasterEpoch    int64    `json:"masterEpoch"`
}

func newFlease(cellID string, v LeaseValue) Flease {
	return Flease{
		CellID:         cellID,
		LeaseHolder:    v.LeaseHolder,
		LeaseTimeoutMs: v.LeaseTimeoutMs,
		MasterEpoch:    v.MasterEpoch,
	}
}

func (f Flease) IsEmpty() bool {
	return f.LeaseHolder == ""
}

// Timeout returns the lease expiry as a time.Time.
func (f Flease) Timeout() time.Time {
	return time.UnixMilli(f.LeaseTimeoutMs)
}

// IsValidFor is true when me holds the lease and can
// still rely on it at now, allowing dMax of clock skew.
func (f Flease) IsValidFor(me Identity, now time.Time, dMax time.Duration) bool {
	if f.LeaseHolder == "" || f.LeaseHolder != me {
		return false
	}
	return f.value().HasNotTimedOut(now.UnixMilli(), dMax.Milliseconds())
}

func (f Flease) value() LeaseValue {
	return LeaseValue{
		LeaseHolder:    f.LeaseHolder,
		LeaseTimeoutMs: f.LeaseTimeoutMs,
		MasterEpoch:    f.MasterEpoch,
	}
}

// Equal compares every field.
func (f Flease) Equal(g Flease) bool {
	return f == g
}

func (f Flease) String() string {
	if f.IsEmpty() {
		return fmt.Sprintf("Flease{cell:'%v' no holder, epoch:%v}", f.CellID, f.MasterEpoch)
	}
	return fmt.Sprintf("Flease{cell:'%v' holder:'%v' timeout:%v epoch:%v}",
		f.CellID, f.LeaseHolder, niceMs(f.LeaseTimeoutMs), f.MasterEpoch)
}
