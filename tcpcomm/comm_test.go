package tcpcomm

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/glycerine/flease"
	"github.com/glycerine/ipaddr"

	cv "github.com/glycerine/goconvey/convey"
)

func localAddr() string {
	return fmt.Sprintf("127.0.0.1:%v", ipaddr.GetAvailPort())
}

type inbox chan *flease.Message

func (in inbox) deliver(m *flease.Message) {
	select {
	case in <- m:
	default:
	}
}

func (in inbox) next(t *testing.T, within time.Duration) *flease.Message {
	select {
	case m := <-in:
		return m
	case <-time.After(within):
	}
	return nil
}

// pair starts two Comms that know each other.
func pair(t *testing.T, pskA, pskB []byte) (a, b *Comm, inA, inB inbox) {
	var err error
	a, err = New(&Config{Identity: "A", ListenAddr: localAddr(), PreSharedKey: pskA})
	panicOn(err)
	b, err = New(&Config{Identity: "B", ListenAddr: localAddr(), PreSharedKey: pskB})
	panicOn(err)
	inA = make(inbox, 100)
	inB = make(inbox, 100)
	panicOn(a.Start(inA.deliver))
	panicOn(b.Start(inB.deliver))
	a.AddPeer("B", b.Addr().String())
	b.AddPeer("A", a.Addr().String())
	return
}

func samplePrepare() *flease.Message {
	return &flease.Message{
		Type:            flease.PREPARE,
		CellID:          "cell-7",
		ProposalNo:      flease.ProposalNumber{Counter: 12, SenderID: 99},
		SendTimestampMs: time.Now().UnixMilli(),
		ViewID:          3,
	}
}

func Test001_send_and_receive(t *testing.T) {

	cv.Convey("a message sent from A to B arrives whole, with Sender set from the hello", t, func() {
		a, b, _, inB := pair(t, nil, nil)
		defer a.Close()
		defer b.Close()

		m := samplePrepare()
		a.Send(m, "B")
		got := inB.next(t, 5*time.Second)
		cv.So(got, cv.ShouldNotBeNil)
		cv.So(got.Sender, cv.ShouldEqual, flease.Identity("A"))
		cv.So(got.Type, cv.ShouldEqual, flease.PREPARE)
		cv.So(got.CellID, cv.ShouldEqual, "cell-7")
		cv.So(got.ProposalNo, cv.ShouldResemble, m.ProposalNo)
		cv.So(got.ViewID, cv.ShouldEqual, int32(3))

		// one connection carries many.
		for i := 0; i < 10; i++ {
			a.Send(m, "B")
		}
		for i := 0; i < 10; i++ {
			cv.So(inB.next(t, 5*time.Second), cv.ShouldNotBeNil)
		}
		cv.So(a.Stats().Dials, cv.ShouldEqual, int64(1))
		cv.So(a.Stats().Sent, cv.ShouldEqual, int64(11))
	})
}

func Test002_pre_shared_key(t *testing.T) {

	cv.Convey("with matching keys messages flow; with different keys they are refused", t, func() {
		a, b, _, inB := pair(t, []byte("correct horse battery staple"), []byte("correct horse battery staple"))
		a.Send(samplePrepare(), "B")
		cv.So(inB.next(t, 5*time.Second), cv.ShouldNotBeNil)
		a.Close()
		b.Close()

		a, b, _, inB = pair(t, []byte("correct horse battery staple"), []byte("tr0ub4dor&3"))
		defer a.Close()
		defer b.Close()
		a.Send(samplePrepare(), "B")
		cv.So(inB.next(t, 300*time.Millisecond), cv.ShouldBeNil)
		waitFor(t, 5*time.Second, func() bool { return b.Stats().BadFrames > 0 })
	})
}

func Test003_unknown_peer_and_closed_comm_drop(t *testing.T) {

	cv.Convey("sends to an unknown identity, or after Close, are dropped and counted", t, func() {
		a, err := New(&Config{Identity: "A", ListenAddr: localAddr()})
		panicOn(err)
		panicOn(a.Start(func(*flease.Message) {}))

		a.Send(samplePrepare(), "nobody")
		cv.So(a.Stats().Dropped, cv.ShouldEqual, int64(1))

		panicOn(a.Close())
		a.AddPeer("B", localAddr())
		a.Send(samplePrepare(), "B")
		cv.So(a.Stats().Dropped, cv.ShouldEqual, int64(2))
	})
}

func Test004_seal_and_open(t *testing.T) {

	cv.Convey("sealed frames open only with the same key and the same frame kind", t, func() {
		s1, err := newSealer([]byte("k1"))
		panicOn(err)
		s2, err := newSealer([]byte("k2"))
		panicOn(err)

		fr := s1.frame([]byte("hi there"), adMsg)
		body := fr[4:]
		pt, err := s1.open(body, adMsg)
		panicOn(err)
		cv.So(string(pt), cv.ShouldEqual, "hi there")

		_, err = s1.open(body, adHello)
		cv.So(err, cv.ShouldNotBeNil)
		_, err = s2.open(body, adMsg)
		cv.So(err, cv.ShouldNotBeNil)

		body[len(body)-1] ^= 1
		_, err = s1.open(body, adMsg)
		cv.So(err, cv.ShouldNotBeNil)

		// no key: plaintext passes straight through.
		plain, err := newSealer(nil)
		panicOn(err)
		fr = plain.frame([]byte("abc"), adMsg)
		cv.So(fr, cv.ShouldResemble, []byte{0, 0, 0, 3, 'a', 'b', 'c'})

		id, err := parseHello(helloFor("node-1"))
		panicOn(err)
		cv.So(id, cv.ShouldEqual, flease.Identity("node-1"))
		_, err = parseHello([]byte("hello"))
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test005_three_stages_elect_over_tcp(t *testing.T) {

	cv.Convey("three Stages wired through tcpcomm agree on one lease holder", t, func() {
		names := []flease.Identity{"n1", "n2", "n3"}
		comms := map[flease.Identity]*Comm{}
		stages := map[flease.Identity]*flease.Stage{}
		psk := []byte("test cluster key")

		for _, n := range names {
			c, err := New(&Config{Identity: n, ListenAddr: localAddr(), PreSharedKey: psk})
			panicOn(err)
			cfg := flease.NewConfig(n)
			cfg.LeaseDuration = 3 * time.Second
			cfg.RenewalMargin = 1500 * time.Millisecond
			s, err := flease.NewStage(cfg, c, nil, nil, nil)
			panicOn(err)
			panicOn(c.Start(s.Receive))
			s.Start()
			comms[n] = c
			stages[n] = s
		}
		defer func() {
			for _, n := range names {
				stages[n].Close()
				comms[n].Close()
			}
		}()
		for _, n := range names {
			for _, m := range names {
				if m != n {
					comms[n].AddPeer(m, comms[m].Addr().String())
				}
			}
		}

		futs := map[flease.Identity]*flease.LeaseFuture{}
		for _, n := range names {
			futs[n] = stages[n].OpenCell("leader", names, false)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		holders := map[flease.Identity]bool{}
		for _, n := range names {
			lease, err := futs[n].Get(ctx)
			panicOn(err)
			holders[lease.LeaseHolder] = true
		}
		// futures may resolve with different holders
		// while contention settles; the acceptors' view
		// must converge on one.
		waitFor(t, 20*time.Second, func() bool {
			var holder flease.Identity
			for _, n := range names {
				st, err := stages[n].GetLocalState(ctx)
				if err != nil {
					return false
				}
				x, ok := st["leader"]
				if !ok || x.LeaseHolder == "" {
					return false
				}
				if holder == "" {
					holder = x.LeaseHolder
				} else if x.LeaseHolder != holder {
					return false
				}
			}
			return true
		})
		cv.So(len(holders), cv.ShouldBeGreaterThanOrEqualTo, 1)
	})
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", within)
}

func Test006_limit_listener_caps_inbound(t *testing.T) {

	cv.Convey("with a limit of 1, a second connection is accepted only after the first closes", t, func() {
		raw, err := net.Listen("tcp", "127.0.0.1:0")
		panicOn(err)
		lsn := newLimitListener(raw, 1)
		defer lsn.Close()

		accepted := make(chan net.Conn, 2)
		go func() {
			for {
				c, err := lsn.Accept()
				if err != nil {
					return
				}
				accepted <- c
			}
		}()
		d1, err := net.Dial("tcp", raw.Addr().String())
		panicOn(err)
		defer d1.Close()
		d2, err := net.Dial("tcp", raw.Addr().String())
		panicOn(err)
		defer d2.Close()

		first := <-accepted
		select {
		case <-accepted:
			t.Fatalf("second connection accepted while at the limit")
		case <-time.After(100 * time.Millisecond):
		}
		first.Close()
		select {
		case c := <-accepted:
			c.Close()
		case <-time.After(5 * time.Second):
			t.Fatalf("second connection never accepted")
		}
	})
}
