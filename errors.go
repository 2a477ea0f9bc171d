package flease

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrShutDown       = errors.New("flease: stage shut down")
	ErrCellClosed     = errors.New("flease: cell closed")
	ErrMaxRetries     = errors.New("flease: max retries exceeded")
	ErrNoMajority     = errors.New("flease: no majority reachable")
	ErrEpochTimeout   = errors.New("flease: master epoch operation timed out")
	ErrNoEpochHandler = errors.New("flease: master epoch requested but no MasterEpochHandler configured")
	ErrMalformed      = errors.New("flease: malformed message")
	ErrWrongView      = errors.New("flease: wrong view")
)

// ErrKind classifies why an election failed.
type ErrKind int

const (
	KindContention ErrKind = 1
	KindStaleView  ErrKind = 2
	KindEpochStore ErrKind = 3
	KindLiveness   ErrKind = 4
	KindMalformed  ErrKind = 5
	KindInternal   ErrKind = 6
)

func (k ErrKind) String() string {
	switch k {
	case KindContention:
		return "contention"
	case KindStaleView:
		return "stale view"
	case KindEpochStore:
		return "epoch store"
	case KindLiveness:
		return "liveness"
	case KindMalformed:
		return "malformed"
	case KindInternal:
		return "internal"
	}
	return fmt.Sprintf("ErrKind(%d)", int(k))
}

// LeaseError is what StatusListener.LeaseFailed and
// failed futures carry. errors.Is sees through it to
// the sentinel in Cause.
type LeaseError struct {
	CellID string
	Kind   ErrKind
	Cause  error
}

func (e *LeaseError) Error() string {
	return fmt.Sprintf("flease cell '%v' (%v): %v", e.CellID, e.Kind, e.Cause)
}

func (e *LeaseError) Unwrap() error {
	return e.Cause
}

func newLeaseError(cellID string, kind ErrKind, cause error) *LeaseError {
	return &LeaseError{CellID: cellID, Kind: kind, Cause: cause}
}

func fmtMalformed(format string, a ...interface{}) error {
	return errors.Wrapf(ErrMalformed, format, a...)
}
