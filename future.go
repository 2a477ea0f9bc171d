package flease

import (
	"context"

	"github.com/glycerine/loquet"
)

// LeaseFuture is returned by OpenCell. It resolves with
// the first lease the cell learns about: our own grant,
// or the live lease of another holder (the cell is then
// in BACKUP). It fails if the election fails, the cell
// is closed, or the Stage shuts down.
//
// Later lease changes are reported only through the
// StatusListener.
type LeaseFuture struct {
	CellID string

	ch    *loquet.Chan[Flease]
	lease Flease
	err   error

	// Stage goroutine only.
	resolved bool
}

func newLeaseFuture(cellID string) *LeaseFuture {
	return &LeaseFuture{
		CellID: cellID,
		ch:     loquet.NewChan[Flease](nil),
	}
}

// failedLeaseFuture returns an already failed future.
func failedLeaseFuture(cellID string, err error) *LeaseFuture {
	f := newLeaseFuture(cellID)
	f.fail(err)
	return f
}

func (f *LeaseFuture) resolve(lease Flease) {
	if f.resolved {
		return
	}
	f.resolved = true
	f.lease = lease
	f.ch.Close()
}

func (f *LeaseFuture) fail(err error) {
	if f.resolved {
		return
	}
	f.resolved = true
	f.err = err
	f.ch.Close()
}

// Get waits for the outcome, or for ctx to be done.
func (f *LeaseFuture) Get(ctx context.Context) (Flease, error) {
	select {
	case <-f.ch.WhenClosed():
		return f.lease, f.err
	case <-ctx.Done():
		return Flease{}, ctx.Err()
	}
}

// IsDone does not block.
func (f *LeaseFuture) IsDone() bool {
	select {
	case <-f.ch.WhenClosed():
		return true
	default:
	}
	return false
}

// CloseFuture is returned by CloseCell.
type CloseFuture struct {
	CellID string

	ch  *loquet.Chan[bool]
	err error

	resolved bool
}

func newCloseFuture(cellID string) *CloseFuture {
	return &CloseFuture{
		CellID: cellID,
		ch:     loquet.NewChan[bool](nil),
	}
}

func (f *CloseFuture) finish(err error) {
	if f.resolved {
		return
	}
	f.resolved = true
	f.err = err
	f.ch.Close()
}

// Get waits until the close has been applied.
func (f *CloseFuture) Get(ctx context.Context) error {
	select {
	case <-f.ch.WhenClosed():
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *CloseFuture) IsDone() bool {
	select {
	case <-f.ch.WhenClosed():
		return true
	default:
	}
	return false
}
