package flease

import (
	"context"
	"math"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

type sent struct {
	m  *Message
	to Identity
}

// captureComm records what a Stage sends.
type captureComm struct {
	ch chan sent
}

func newCaptureComm() *captureComm {
	return &captureComm{ch: make(chan sent, 1000)}
}

func (c *captureComm) Send(m *Message, to Identity) {
	c.ch <- sent{m: m, to: to}
}

func (c *captureComm) next(t *testing.T) sent {
	select {
	case s := <-c.ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("nothing sent")
	}
	return sent{}
}

func (c *captureComm) none(wait time.Duration) bool {
	select {
	case <-c.ch:
		return false
	case <-time.After(wait):
	}
	return true
}

func pn(counter, sender uint64) ProposalNumber {
	return ProposalNumber{Counter: counter, SenderID: sender}
}

func Test040_acceptor_promises_and_accepts(t *testing.T) {

	cv.Convey("an acceptor acks PREPAREs at or above its promise, nacks lower, and accepts only at or above the promise", t, func() {
		comm := newCaptureComm()
		lis := newTestListener("acc")
		s, err := NewStage(testConfig("acc"), comm, lis, lis, nil)
		panicOn(err)
		s.Start()
		defer s.Close()

		prep := &Message{Type: PREPARE, CellID: "x", ProposalNo: pn(5, 1), Sender: "p1"}
		s.Receive(prep)
		r := comm.next(t)
		cv.So(r.to, cv.ShouldEqual, Identity("p1"))
		cv.So(r.m.Type, cv.ShouldEqual, PREPARE_ACK)
		cv.So(r.m.ProposalNo, cv.ShouldResemble, pn(5, 1))
		cv.So(r.m.PrevProposalNo.IsEmpty(), cv.ShouldBeTrue)
		cv.So(r.m.LeaseHolder, cv.ShouldEqual, Identity(""))

		// duplicates are harmless.
		s.Receive(prep.Clone())
		r = comm.next(t)
		cv.So(r.m.Type, cv.ShouldEqual, PREPARE_ACK)

		// lower: nack, carrying our promise.
		s.Receive(&Message{Type: PREPARE, CellID: "x", ProposalNo: pn(5, 0), Sender: "p2"})
		r = comm.next(t)
		cv.So(r.to, cv.ShouldEqual, Identity("p2"))
		cv.So(r.m.Type, cv.ShouldEqual, PREPARE_NACK)
		cv.So(r.m.PrevProposalNo, cv.ShouldResemble, pn(5, 1))

		// accept below the promise: nack.
		v := LeaseValue{LeaseHolder: "p2", LeaseTimeoutMs: time.Now().Add(time.Minute).UnixMilli(), MasterEpoch: 1}
		acc := &Message{Type: ACCEPT, CellID: "x", ProposalNo: pn(4, 9), Sender: "p2"}
		acc.setLease(v)
		s.Receive(acc)
		r = comm.next(t)
		cv.So(r.m.Type, cv.ShouldEqual, ACCEPT_NACK)
		cv.So(r.m.PrevProposalNo, cv.ShouldResemble, pn(5, 1))

		// accept at the promise: ack, echoing the value.
		v.LeaseHolder = "p1"
		acc = &Message{Type: ACCEPT, CellID: "x", ProposalNo: pn(5, 1), Sender: "p1"}
		acc.setLease(v)
		s.Receive(acc)
		r = comm.next(t)
		cv.So(r.m.Type, cv.ShouldEqual, ACCEPT_ACK)
		cv.So(r.m.Lease(), cv.ShouldResemble, v)

		// the next PREPARE learns about the accepted value.
		s.Receive(&Message{Type: PREPARE, CellID: "x", ProposalNo: pn(9, 2), Sender: "p2"})
		r = comm.next(t)
		cv.So(r.m.Type, cv.ShouldEqual, PREPARE_ACK)
		cv.So(r.m.PrevProposalNo, cv.ShouldResemble, pn(5, 1))
		cv.So(r.m.Lease(), cv.ShouldResemble, v)

		st, err := s.GetLocalState(context.Background())
		panicOn(err)
		x := st["x"]
		cv.So(x.Type, cv.ShouldEqual, LEARN)
		cv.So(x.ProposalNo, cv.ShouldResemble, pn(5, 1))
		cv.So(x.PrevProposalNo, cv.ShouldResemble, pn(9, 2))
		cv.So(x.LeaseHolder, cv.ShouldEqual, Identity("p1"))

		// a cell we never opened never notifies the application.
		_, ok := lis.last("x")
		cv.So(ok, cv.ShouldBeFalse)
	})
}

func Test041_lease_return_keeps_the_epoch(t *testing.T) {

	cv.Convey("LEASE_RETURN from the holder clears holder and timeout but not the epoch", t, func() {
		comm := newCaptureComm()
		s, err := NewStage(testConfig("acc"), comm, nil, nil, nil)
		panicOn(err)
		s.Start()
		defer s.Close()

		v := LeaseValue{LeaseHolder: "p1", LeaseTimeoutMs: time.Now().Add(time.Minute).UnixMilli(), MasterEpoch: 4}
		learn := &Message{Type: LEARN, CellID: "x", ProposalNo: pn(7, 1), Sender: "p1"}
		learn.setLease(v)
		s.Receive(learn)

		// a return from somebody else is ignored.
		ret := &Message{Type: LEASE_RETURN, CellID: "x", ProposalNo: pn(7, 1), Sender: "p2"}
		ret.setLease(LeaseValue{LeaseHolder: "p2", MasterEpoch: 4})
		s.Receive(ret)

		st, err := s.GetLocalState(context.Background())
		panicOn(err)
		cv.So(st["x"].LeaseHolder, cv.ShouldEqual, Identity("p1"))

		ret = &Message{Type: LEASE_RETURN, CellID: "x", ProposalNo: pn(7, 1), Sender: "p1"}
		ret.setLease(v)
		s.Receive(ret)

		st, err = s.GetLocalState(context.Background())
		panicOn(err)
		cv.So(st["x"].LeaseHolder, cv.ShouldEqual, Identity(""))
		cv.So(st["x"].LeaseTimeoutMs, cv.ShouldEqual, int64(0))
		cv.So(st["x"].MasterEpoch, cv.ShouldEqual, int64(4))

		// LEARN sends no replies.
		cv.So(comm.none(50*time.Millisecond), cv.ShouldBeTrue)
	})
}

func Test042_acceptor_view_checks(t *testing.T) {

	cv.Convey("older views get WRONG_VIEW; a newer view tells our ViewChangeListener and is dropped", t, func() {
		comm := newCaptureComm()
		lis := newTestListener("acc")
		s, err := NewStage(testConfig("acc"), comm, lis, lis, nil)
		panicOn(err)
		s.Start()
		defer s.Close()

		panicOn(s.SetViewID(context.Background(), "x", 2))

		s.Receive(&Message{Type: PREPARE, CellID: "x", ProposalNo: pn(5, 1), ViewID: 1, Sender: "p1"})
		r := comm.next(t)
		cv.So(r.m.Type, cv.ShouldEqual, WRONG_VIEW)
		cv.So(r.m.ViewID, cv.ShouldEqual, int32(2))
		cv.So(r.m.ProposalNo, cv.ShouldResemble, pn(5, 1))

		s.Receive(&Message{Type: ACCEPT, CellID: "x", ProposalNo: pn(6, 1), ViewID: 3, Sender: "p1"})
		select {
		case v := <-lis.viewCh:
			cv.So(v, cv.ShouldEqual, int32(3))
		case <-time.After(5 * time.Second):
			t.Fatalf("ViewIDChanged not called")
		}
		cv.So(comm.none(50*time.Millisecond), cv.ShouldBeTrue)

		// same view: business as usual.
		s.Receive(&Message{Type: PREPARE, CellID: "x", ProposalNo: pn(7, 1), ViewID: 2, Sender: "p1"})
		r = comm.next(t)
		cv.So(r.m.Type, cv.ShouldEqual, PREPARE_ACK)
		cv.So(r.m.ViewID, cv.ShouldEqual, int32(2))
	})
}

func Test043_malformed_inbound_is_dropped_and_counted(t *testing.T) {

	cv.Convey("Receive drops messages with no cell, no proposal, no sender, or an internal type", t, func() {
		comm := newCaptureComm()
		s, err := NewStage(testConfig("acc"), comm, nil, nil, nil)
		panicOn(err)
		s.Start()
		defer s.Close()

		s.Receive(&Message{Type: PREPARE, ProposalNo: pn(1, 1), Sender: "p"})
		s.Receive(&Message{Type: PREPARE, CellID: "x", Sender: "p"})
		s.Receive(&Message{Type: PREPARE, CellID: "x", ProposalNo: pn(1, 1)})
		s.Receive(&Message{Type: RENEW, CellID: "x", ProposalNo: pn(1, 1), Sender: "p"})
		s.Receive(nil)
		// a counter this high would leave no room above it.
		s.Receive(&Message{Type: PREPARE_NACK, CellID: "x", ProposalNo: pn(1, 1), PrevProposalNo: pn(math.MaxUint64, 9), Sender: "p"})

		cv.So(comm.none(50*time.Millisecond), cv.ShouldBeTrue)
		st := mustStats(t, s)
		cv.So(st.Malformed, cv.ShouldEqual, int64(6))
		cv.So(st.Cells, cv.ShouldEqual, 0)
	})
}
