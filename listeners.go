package flease

// Communicator sends protocol messages to peers. Send
// is best effort: it must not block the caller for
// long, and it reports no delivery failures.
// Inbound messages are handed to Stage.Receive with
// Sender filled in.
type Communicator interface {
	Send(msg *Message, to Identity)
}

// StatusListener hears about committed lease changes and
// unrecoverable election failures. Both methods are
// called on the Stage goroutine and must not block.
type StatusListener interface {
	StatusChanged(cellID string, lease Flease)
	LeaseFailed(cellID string, err error)
}

// ViewChangeListener is told when a cell's view is
// stale, so the application can refresh membership and
// call SetViewID. Called on the Stage goroutine.
type ViewChangeListener interface {
	ViewIDChanged(cellID string, viewID int32)
}

// StatusFuncs adapts plain functions to StatusListener.
// Nil funcs are skipped.
type StatusFuncs struct {
	OnChange func(cellID string, lease Flease)
	OnFail   func(cellID string, err error)
}

func (f *StatusFuncs) StatusChanged(cellID string, lease Flease) {
	if f.OnChange != nil {
		f.OnChange(cellID, lease)
	}
}

func (f *StatusFuncs) LeaseFailed(cellID string, err error) {
	if f.OnFail != nil {
		f.OnFail(cellID, err)
	}
}

// ViewChangeFunc adapts a function to ViewChangeListener.
type ViewChangeFunc func(cellID string, viewID int32)

func (f ViewChangeFunc) ViewIDChanged(cellID string, viewID int32) {
	f(cellID, viewID)
}

type noopStatus struct{}

func (noopStatus) StatusChanged(string, Flease) {}
func (noopStatus) LeaseFailed(string, error)    {}

type noopViews struct{}

func (noopViews) ViewIDChanged(string, int32) {}

// CommFunc adapts a function to Communicator.
type CommFunc func(msg *Message, to Identity)

func (f CommFunc) Send(msg *Message, to Identity) {
	f(msg, to)
}
