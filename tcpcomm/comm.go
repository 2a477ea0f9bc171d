// Package tcpcomm is a TCP flease.Communicator.
//
// Each Comm listens for inbound connections and keeps one
// outbound connection per peer, dialed lazily on first
// Send and redialed after errors. Outbound connections
// carry our messages only; replies come back on the
// peer's own connection to us. Sends go through a small
// per-peer queue and are dropped when it is full or the
// peer is unreachable: the protocol tolerates loss, and
// Send must never stall the Stage.
//
// With Config.PreSharedKey set, every frame is sealed with
// XChaCha20-Poly1305, so only key holders can join or
// forge a Sender. Replayed frames are not detected; the
// protocol treats them as duplicates.
package tcpcomm

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/flease"
	"github.com/glycerine/idem"
	"github.com/pkg/errors"
)

const (
	DefaultDialTimeout  = 2 * time.Second
	DefaultHelloTimeout = 5 * time.Second
	DefaultRedialDelay  = 200 * time.Millisecond
	DefaultSendQueueLen = 256
	DefaultMaxInbound   = 64
)

type Config struct {
	Identity flease.Identity

	// ListenAddr is host:port; port 0 picks a free one.
	ListenAddr string

	// Peers maps identities to dial addresses. More can
	// be added with AddPeer.
	Peers map[flease.Identity]string

	// PreSharedKey, if set, seals every frame.
	PreSharedKey []byte

	DialTimeout  time.Duration
	HelloTimeout time.Duration
	RedialDelay  time.Duration
	SendQueueLen int

	// MaxInbound caps simultaneous inbound connections.
	MaxInbound int
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = DefaultHelloTimeout
	}
	if c.RedialDelay <= 0 {
		c.RedialDelay = DefaultRedialDelay
	}
	if c.SendQueueLen <= 0 {
		c.SendQueueLen = DefaultSendQueueLen
	}
	if c.MaxInbound <= 0 {
		c.MaxInbound = DefaultMaxInbound
	}
}

// Stats are running totals.
type Stats struct {
	Sent      int64 `json:"sent"`
	Received  int64 `json:"received"`
	Dropped   int64 `json:"dropped"`
	BadFrames int64 `json:"badFrames"`
	Dials     int64 `json:"dials"`
}

type Comm struct {
	cfg  Config
	me   flease.Identity
	seal *sealer

	deliver func(*flease.Message)
	lsn     net.Listener

	mut     sync.Mutex
	addrs   map[flease.Identity]string
	peers   map[flease.Identity]*peer
	inbound map[net.Conn]bool

	wg sync.WaitGroup

	sent      atomic.Int64
	received  atomic.Int64
	dropped   atomic.Int64
	badFrames atomic.Int64
	dials     atomic.Int64

	Halt *idem.Halter
}

// peer is one outbound connection and its queue.
type peer struct {
	id flease.Identity
	q  chan []byte
}

func New(cfg *Config) (*Comm, error) {
	if cfg == nil || cfg.Identity == "" {
		return nil, fmt.Errorf("tcpcomm.New: Config.Identity required")
	}
	c2 := *cfg
	c2.setDefaults()
	seal, err := newSealer(c2.PreSharedKey)
	if err != nil {
		return nil, err
	}
	s := &Comm{
		cfg:     c2,
		me:      c2.Identity,
		seal:    seal,
		addrs:   make(map[flease.Identity]string),
		peers:   make(map[flease.Identity]*peer),
		inbound: make(map[net.Conn]bool),
		Halt:    idem.NewHalterNamed("tcpcomm.Comm(" + string(c2.Identity) + ")"),
	}
	for id, addr := range c2.Peers {
		s.addrs[id] = addr
	}
	return s, nil
}

// AddPeer sets (or changes) where id is dialed.
func (s *Comm) AddPeer(id flease.Identity, addr string) {
	s.mut.Lock()
	s.addrs[id] = addr
	s.mut.Unlock()
}

// Start listens and hands every decoded inbound message,
// Sender filled in, to deliver. Typically deliver is
// Stage.Receive.
func (s *Comm) Start(deliver func(*flease.Message)) error {
	if deliver == nil {
		return fmt.Errorf("tcpcomm.Start: nil deliver")
	}
	lsn, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "tcpcomm: listen on '%v'", s.cfg.ListenAddr)
	}
	s.deliver = deliver
	s.lsn = newLimitListener(lsn, s.cfg.MaxInbound)
	s.wg.Add(1)
	go s.acceptLoop()
	pp("%v: tcpcomm listening on %v", s.me, lsn.Addr())
	return nil
}

// Addr is the bound listen address, once Started.
func (s *Comm) Addr() net.Addr {
	if s.lsn == nil {
		return nil
	}
	return s.lsn.Addr()
}

func (s *Comm) Stats() Stats {
	return Stats{
		Sent:      s.sent.Load(),
		Received:  s.received.Load(),
		Dropped:   s.dropped.Load(),
		BadFrames: s.badFrames.Load(),
		Dials:     s.dials.Load(),
	}
}

// Send queues msg for to. It never blocks.
func (s *Comm) Send(msg *flease.Message, to flease.Identity) {
	if s.Halt.ReqStop.IsClosed() {
		s.dropped.Add(1)
		return
	}
	by, err := msg.AppendWire(nil)
	if err != nil {
		alwaysPrintf("%v: tcpcomm not sending bad message to '%v': %v", s.me, to, err)
		s.dropped.Add(1)
		return
	}
	p := s.peerFor(to)
	if p == nil {
		s.dropped.Add(1)
		return
	}
	select {
	case p.q <- s.seal.frame(by, adMsg):
	default:
		s.dropped.Add(1)
	}
}

// peerFor returns the running peer for id, starting it
// on first use. nil if id has no address or we are closing.
func (s *Comm) peerFor(id flease.Identity) *peer {
	s.mut.Lock()
	defer s.mut.Unlock()
	if p, ok := s.peers[id]; ok {
		return p
	}
	if _, ok := s.addrs[id]; !ok {
		return nil
	}
	if s.Halt.ReqStop.IsClosed() {
		return nil
	}
	p := &peer{id: id, q: make(chan []byte, s.cfg.SendQueueLen)}
	s.peers[id] = p
	s.wg.Add(1)
	go s.sendLoop(p)
	return p
}

func (s *Comm) addrOf(id flease.Identity) string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.addrs[id]
}

// sendLoop owns p's connection. Frames that meet a
// broken connection are lost.
func (s *Comm) sendLoop(p *peer) {
	defer s.wg.Done()
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	for {
		select {
		case fr := <-p.q:
			if conn == nil {
				conn = s.dial(p.id)
				if conn == nil {
					s.dropped.Add(1)
					s.pause()
					continue
				}
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.DialTimeout))
			if _, err := conn.Write(fr); err != nil {
				pp("%v: tcpcomm write to '%v': %v", s.me, p.id, err)
				conn.Close()
				conn = nil
				s.dropped.Add(1)
				continue
			}
			s.sent.Add(1)
		case <-s.Halt.ReqStop.Chan:
			return
		}
	}
}

func (s *Comm) pause() {
	select {
	case <-time.After(s.cfg.RedialDelay):
	case <-s.Halt.ReqStop.Chan:
	}
}

// dial connects to id and says hello.
func (s *Comm) dial(id flease.Identity) net.Conn {
	addr := s.addrOf(id)
	s.dials.Add(1)
	conn, err := net.DialTimeout("tcp", addr, s.cfg.DialTimeout)
	if err != nil {
		pp("%v: tcpcomm dial '%v' at %v: %v", s.me, id, addr, err)
		return nil
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	if _, err := conn.Write(s.seal.frame(helloFor(s.me), adHello)); err != nil {
		conn.Close()
		return nil
	}
	return conn
}

func (s *Comm) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.lsn.Accept()
		if err != nil {
			if s.Halt.ReqStop.IsClosed() {
				return
			}
			alwaysPrintf("%v: tcpcomm accept: %v", s.me, err)
			s.pause()
			continue
		}
		s.mut.Lock()
		if s.Halt.ReqStop.IsClosed() {
			s.mut.Unlock()
			conn.Close()
			return
		}
		s.inbound[conn] = true
		s.wg.Add(1)
		s.mut.Unlock()
		go s.readLoop(conn)
	}
}

func (s *Comm) readLoop(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mut.Lock()
		delete(s.inbound, conn)
		s.mut.Unlock()
	}()

	body, err := readFrame(conn, s.cfg.HelloTimeout)
	if err != nil {
		return
	}
	pt, err := s.seal.open(body, adHello)
	if err != nil {
		s.badFrames.Add(1)
		alwaysPrintf("%v: tcpcomm hello from %v: %v", s.me, conn.RemoteAddr(), err)
		return
	}
	from, err := parseHello(pt)
	if err != nil {
		s.badFrames.Add(1)
		alwaysPrintf("%v: tcpcomm hello from %v: %v", s.me, conn.RemoteAddr(), err)
		return
	}
	pp("%v: tcpcomm inbound from '%v' at %v", s.me, from, conn.RemoteAddr())

	for {
		body, err := readFrame(conn, 0)
		if err != nil {
			return
		}
		pt, err := s.seal.open(body, adMsg)
		if err != nil {
			s.badFrames.Add(1)
			alwaysPrintf("%v: tcpcomm frame from '%v': %v", s.me, from, err)
			return
		}
		msg, err := flease.DecodeWire(pt)
		if err != nil {
			// a bad message is not a bad connection.
			s.badFrames.Add(1)
			alwaysPrintf("%v: tcpcomm message from '%v': %v", s.me, from, err)
			continue
		}
		msg.Sender = from
		s.received.Add(1)
		s.deliver(msg)
	}
}

// Close stops all goroutines and closes every connection.
func (s *Comm) Close() error {
	s.mut.Lock()
	s.Halt.ReqStop.Close()
	s.mut.Unlock()
	if s.lsn != nil {
		s.lsn.Close()
	}
	s.mut.Lock()
	for conn := range s.inbound {
		conn.Close()
	}
	s.mut.Unlock()
	s.wg.Wait()
	s.Halt.Done.Close()
	return nil
}
