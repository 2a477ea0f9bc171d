package flease

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// proposer role: drives one cell through
// prepare -> accept -> learn, then renews.

// broadcast sends m to every participant, ourselves included.
func (s *Stage) broadcast(c *cell, m *Message) {
	for _, a := range c.acceptors {
		s.send(m, a)
	}
	s.send(m, s.me)
}

// arm replaces the cell's armed timer.
func (s *Stage) arm(c *cell, typ MsgType, at time.Time) {
	c.timerGen++
	s.timer.Schedule(newEvent(typ, c.id, c.current, c.timerGen), at)
}

// disarm makes any pending timer of c stale.
func (s *Stage) disarm(c *cell) {
	c.timerGen++
}

func (s *Stage) nextProposal(seen ProposalNumber) ProposalNumber {
	p := NextHigherThan(seen, s.cfg.SenderID, s.lastCounter)
	s.lastCounter = p.Counter
	return p
}

func (s *Stage) startPrepare(c *cell) {
	c.clearRound()
	c.abandonEpochOp()
	c.current = s.nextProposal(c.highestSeen)
	c.highestSeen = maxProposal(c.highestSeen, c.current)
	c.phase = PREPARING
	c.prepAcks = make(map[Identity]*Message)
	now := time.Now()
	if c.electionStart.IsZero() {
		c.electionStart = now
	}
	s.pp("cell '%v' PREPARE %v (retry %v)", c.id, c.current, c.retries)
	s.arm(c, TIMEOUT_PREPARE, now.Add(s.cfg.PrepareTimeout))
	s.broadcast(c, newPrepare(c.id, c.current, c.viewID, now.UnixMilli()))
}

func (s *Stage) onPrepareAck(c *cell, m *Message) {
	if c.phase != PREPARING || c.epochOp != noEpochOp || !m.ProposalNo.SameNumber(c.current) {
		return
	}
	c.prepAcks[m.Sender] = m
	if len(c.prepAcks) < c.majority() {
		return
	}
	s.prepareMajority(c)
}

// prepareMajority picks the value to propose, or
// discovers that somebody else holds a live lease.
func (s *Stage) prepareMajority(c *cell) {
	var maxEpoch int64
	var highest *Message
	for _, ack := range c.prepAcks {
		if ack.MasterEpoch > maxEpoch {
			maxEpoch = ack.MasterEpoch
		}
		if ack.PrevProposalNo.IsEmpty() {
			continue
		}
		if highest == nil ||
			ack.PrevProposalNo.After(highest.PrevProposalNo) ||
			(ack.PrevProposalNo.SameNumber(highest.PrevProposalNo) && supersedes(ack, highest)) {
			highest = ack
		}
	}
	if highest != nil && highest.LeaseHolder == "" {
		// the newest value was handed back.
		highest = nil
	}
	now := s.nowMs()
	dMax := s.dMaxMs()

	if highest != nil {
		v := highest.Lease()
		if !v.HasTimedOut(now, dMax) {
			if v.LeaseHolder != s.me {
				s.pp("cell '%v' read phase finds live lease %v", c.id, v)
				if highest.PrevProposalNo.Compare(c.learnedNo) >= 0 {
					c.learned = v
					c.learnedNo = highest.PrevProposalNo
				}
				s.enterBackup(c, v)
				return
			}
			// continuing our own tenure: same epoch. Unless we
			// committed it ourselves, it may never have reached
			// the epoch store, so it is stored (again) first.
			c.proposed = LeaseValue{
				LeaseHolder:    s.me,
				LeaseTimeoutMs: now + s.cfg.LeaseDuration.Milliseconds(),
				MasterEpoch:    v.MasterEpoch,
			}
			c.newEpoch = c.own.IsEmpty() || c.own.MasterEpoch != v.MasterEpoch
			s.startAccept(c)
			return
		}
	}

	if c.wantEpoch {
		c.prepMaxEpoch = maxEpoch
		s.fetchEpoch(c)
		return
	}
	c.proposed = LeaseValue{
		LeaseHolder:    s.me,
		LeaseTimeoutMs: now + s.cfg.LeaseDuration.Milliseconds(),
		MasterEpoch:    maxEpoch + 1,
	}
	c.newEpoch = true
	s.startAccept(c)
}

// supersedes compares two acks of the same accepted
// proposal number. A returned (cleared) value beats a held
// one, since its holder no longer relies on it; between
// held values, renewals make the later timeout newer.
func supersedes(a, b *Message) bool {
	if b.LeaseHolder == "" {
		return false
	}
	if a.LeaseHolder == "" {
		return true
	}
	return a.LeaseTimeoutMs > b.LeaseTimeoutMs
}

func (s *Stage) startAccept(c *cell) {
	c.phase = ACCEPTING
	c.acceptAcks = make(map[Identity]bool)
	now := time.Now()
	s.pp("cell '%v' ACCEPT %v %v renewing=%v", c.id, c.current, c.proposed, c.renewing)
	s.arm(c, TIMEOUT_ACCEPT, now.Add(s.cfg.AcceptTimeout))
	s.broadcast(c, newAccept(c.id, c.current, c.proposed, c.viewID, now.UnixMilli()))
}

func (s *Stage) onAcceptAck(c *cell, m *Message) {
	if c.phase != ACCEPTING || c.epochOp != noEpochOp || !m.ProposalNo.SameNumber(c.current) {
		return
	}
	// renewals reuse the proposal number, so an ack
	// from an earlier renewal must not count.
	if m.Lease() != c.proposed {
		return
	}
	c.acceptAcks[m.Sender] = true
	if len(c.acceptAcks) < c.majority() {
		return
	}
	s.acceptMajority(c)
}

func (s *Stage) acceptMajority(c *cell) {
	if !c.proposed.HasNotTimedOut(s.nowMs(), s.dMaxMs()) {
		s.retry(c, KindLiveness, errors.Wrapf(ErrNoMajority, "accept majority came too late for %v", c.proposed))
		return
	}
	if c.wantEpoch && c.newEpoch {
		s.storeEpoch(c)
		return
	}
	s.commit(c)
}

// commit makes the proposed value ours.
func (s *Stage) commit(c *cell) {
	now := time.Now()
	if !c.proposed.HasNotTimedOut(now.UnixMilli(), s.dMaxMs()) {
		s.retry(c, KindLiveness, errors.Wrapf(ErrNoMajority, "lease %v expired before commit", c.proposed))
		return
	}
	fresh := !c.renewing
	c.own = c.proposed
	c.ownNo = c.current
	c.learned = c.proposed
	c.learnedNo = c.current
	c.phase = OPEN
	c.clearRound()
	c.retries = 0
	c.lastErr = nil
	c.backoff.reset()

	if fresh {
		s.stats.Commits++
		if !c.electionStart.IsZero() {
			s.stats.addElectionLatency(now.Sub(c.electionStart))
		}
		s.broadcast(c, newLearn(c.id, c.ownNo, c.own, c.viewID, now.UnixMilli()))
	} else {
		s.stats.Renewals++
	}
	c.electionStart = time.Time{}

	renewAt := time.UnixMilli(c.own.LeaseTimeoutMs).Add(-s.cfg.RenewalMargin)
	s.arm(c, RENEW, renewAt)

	s.pp("cell '%v' OPEN %v fresh=%v; renew at %v", c.id, c.own, fresh, nice(renewAt))
	lease := newFlease(c.id, c.own)
	s.notify(c, lease)
	c.resolveFutures(lease)
}

func (s *Stage) onRenew(c *cell) {
	if c.phase != OPEN || !c.opened {
		return
	}
	timeout := s.nowMs() + s.cfg.LeaseDuration.Milliseconds()
	if timeout < c.own.LeaseTimeoutMs {
		timeout = c.own.LeaseTimeoutMs
	}
	c.clearRound()
	c.renewing = true
	c.proposed = LeaseValue{
		LeaseHolder:    s.me,
		LeaseTimeoutMs: timeout,
		MasterEpoch:    c.own.MasterEpoch,
	}
	s.startAccept(c)
}

func (s *Stage) onNack(c *cell, m *Message) {
	c.highestSeen = maxProposal(c.highestSeen, m.PrevProposalNo)
	if c.epochOp != noEpochOp || !m.ProposalNo.SameNumber(c.current) {
		return
	}
	switch {
	case m.Type == PREPARE_NACK && c.phase == PREPARING:
	case m.Type == ACCEPT_NACK && c.phase == ACCEPTING:
		if c.renewing {
			s.pp("cell '%v' renewal nacked by '%v' (promised %v); full prepare", c.id, m.Sender, m.PrevProposalNo)
			s.startPrepare(c)
			return
		}
	default:
		return
	}
	s.retry(c, KindContention, fmt.Errorf("%v from '%v': promised %v", m.Type, m.Sender, m.PrevProposalNo))
}

func (s *Stage) onWrongView(c *cell, m *Message) {
	if !m.ProposalNo.SameNumber(c.current) || c.epochOp != noEpochOp {
		return
	}
	if c.phase != PREPARING && c.phase != ACCEPTING {
		return
	}
	if m.ViewID > c.viewID {
		s.views.ViewIDChanged(c.id, m.ViewID)
	}
	s.retry(c, KindStaleView, errors.Wrapf(ErrWrongView, "'%v' is in view %v, we are in %v", m.Sender, m.ViewID, c.viewID))
}

func (s *Stage) onTimeout(c *cell, ev *Message) {
	if c.epochOp != noEpochOp {
		s.leaseFailed(c, KindEpochStore, ErrEpochTimeout)
		return
	}
	switch {
	case ev.Type == TIMEOUT_PREPARE && c.phase == PREPARING:
		s.retry(c, KindLiveness, errors.Wrapf(ErrNoMajority, "prepare %v: %v of %v needed replied", c.current, len(c.prepAcks), c.majority()))
	case ev.Type == TIMEOUT_ACCEPT && c.phase == ACCEPTING:
		if c.renewing {
			s.startPrepare(c)
			return
		}
		s.retry(c, KindLiveness, errors.Wrapf(ErrNoMajority, "accept %v: %v of %v needed replied", c.current, len(c.acceptAcks), c.majority()))
	}
}

func (s *Stage) onRestart(c *cell) {
	if !c.opened {
		return
	}
	switch c.phase {
	case IDLE, BACKUP:
		s.startPrepare(c)
	}
}

// retry abandons the round and tries again after a
// backoff, until MaxRetries rounds have failed.
func (s *Stage) retry(c *cell, kind ErrKind, cause error) {
	s.stats.Retries++
	c.retries++
	c.lastErr = cause
	if c.retries > s.cfg.MaxRetries {
		s.leaseFailed(c, kind, errors.Wrapf(ErrMaxRetries, "after %v rounds, last: %v", c.retries, cause))
		return
	}
	c.clearRound()
	c.abandonEpochOp()
	c.phase = IDLE
	wait := c.backoff.next()
	s.pp("cell '%v' retry %v in %v: %v", c.id, c.retries, wait, cause)
	s.arm(c, RESTART, time.Now().Add(wait))
}

// enterBackup: somebody else holds v. Watch it, and
// try again once it has surely expired.
func (s *Stage) enterBackup(c *cell, v LeaseValue) {
	c.clearRound()
	c.abandonEpochOp()
	c.phase = BACKUP
	c.retries = 0
	c.lastErr = nil
	c.backoff.reset()
	c.electionStart = time.Time{}
	c.own = LeaseValue{}
	s.stats.Backups++

	wake := time.UnixMilli(v.LeaseTimeoutMs + s.dMaxMs() + 1)
	s.arm(c, RESTART, wake)
	s.pp("cell '%v' BACKUP to %v; wake at %v", c.id, v, nice(wake))

	lease := newFlease(c.id, v)
	s.notify(c, lease)
	c.resolveFutures(lease)
}

// leaseFailed ends the election. The cell stays
// closed until the application opens it again.
func (s *Stage) leaseFailed(c *cell, kind ErrKind, cause error) {
	s.disarm(c)
	c.clearRound()
	c.abandonEpochOp()
	c.phase = IDLE
	c.opened = false
	c.retries = 0
	c.backoff.reset()
	c.electionStart = time.Time{}
	c.own = LeaseValue{}
	s.stats.Failures++

	err := newLeaseError(c.id, kind, cause)
	alwaysPrintf("%v: lease failed: %v", s.me, err)
	c.failFutures(err)
	s.tellFailed(c.id, err)
}

// notify tells the listener about lease, unless
// it already heard exactly this.
func (s *Stage) notify(c *cell, lease Flease) {
	if c.haveNotified && c.notified == lease {
		return
	}
	c.haveNotified = true
	c.notified = lease
	s.status.StatusChanged(c.id, lease)
}

// onLearn: the proposer side of a LEARN
// that was news to the acceptor side.
func (s *Stage) onLearn(c *cell, m *Message) {
	if !c.opened || m.LeaseHolder == s.me {
		return
	}
	v := m.Lease()
	if v.HasTimedOut(s.nowMs(), s.dMaxMs()) {
		return
	}
	s.enterBackup(c, v)
}

func (s *Stage) onLeaseReturn(c *cell, m *Message) {
	if !c.opened || c.phase != BACKUP || m.LeaseHolder == s.me {
		return
	}
	s.notify(c, Flease{CellID: c.id, MasterEpoch: m.MasterEpoch})
	wait := randDur(0, s.cfg.BackoffInitial)
	s.pp("cell '%v' lease returned by '%v'; restart in %v", c.id, m.LeaseHolder, wait)
	s.arm(c, RESTART, time.Now().Add(wait))
}
