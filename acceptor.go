package flease

// acceptor and learner roles. Replies go back to
// m.Sender, which may be ourselves.

// viewOK reports whether m was sent in our view. A
// sender in an older view is told so when reply is set;
// a sender in a newer view means our own view is stale.
func (s *Stage) viewOK(c *cell, m *Message, reply bool) bool {
	switch {
	case m.ViewID < c.viewID:
		if reply {
			w := newReply(WRONG_VIEW, m, c.viewID, s.nowMs())
			s.send(w, m.Sender)
		}
		s.pp("%v from '%v' has old view %v < ours %v", m.Type, m.Sender, m.ViewID, c.viewID)
		return false
	case m.ViewID > c.viewID:
		s.pp("our view %v on cell '%v' is stale; '%v' has %v", c.viewID, c.id, m.Sender, m.ViewID)
		s.views.ViewIDChanged(c.id, m.ViewID)
		return false
	}
	return true
}

func (s *Stage) acceptorPrepare(c *cell, m *Message) {
	if !s.viewOK(c, m, true) {
		return
	}
	now := s.nowMs()
	// equal means a duplicate of the PREPARE we promised.
	if m.ProposalNo.Compare(c.promised) >= 0 {
		c.promised = m.ProposalNo
		ack := newReply(PREPARE_ACK, m, c.viewID, now)
		ack.PrevProposalNo = c.acceptedNo
		ack.setLease(c.accepted)
		s.send(ack, m.Sender)
		return
	}
	nack := newReply(PREPARE_NACK, m, c.viewID, now)
	nack.PrevProposalNo = c.promised
	s.send(nack, m.Sender)
}

func (s *Stage) acceptorAccept(c *cell, m *Message) {
	if !s.viewOK(c, m, true) {
		return
	}
	now := s.nowMs()
	// acceptedNo <= promised always holds, so this
	// also keeps acceptedNo from going backwards.
	if m.ProposalNo.Compare(c.promised) >= 0 {
		c.promised = m.ProposalNo
		c.acceptedNo = m.ProposalNo
		c.accepted = m.Lease()
		ack := newReply(ACCEPT_ACK, m, c.viewID, now)
		ack.setLease(c.accepted)
		s.send(ack, m.Sender)
		return
	}
	nack := newReply(ACCEPT_NACK, m, c.viewID, now)
	nack.PrevProposalNo = c.promised
	s.send(nack, m.Sender)
}

// acceptorLearn records a committed value. It reports
// whether the LEARN was news to this cell.
func (s *Stage) acceptorLearn(c *cell, m *Message) bool {
	if !s.viewOK(c, m, false) {
		return false
	}
	v := m.Lease()
	if m.ProposalNo.Compare(c.acceptedNo) >= 0 {
		c.acceptedNo = m.ProposalNo
		c.accepted = v
		c.promised = maxProposal(c.promised, m.ProposalNo)
	}
	if m.ProposalNo.Compare(c.learnedNo) < 0 {
		return false
	}
	c.learnedNo = m.ProposalNo
	c.learned = v
	return true
}

// acceptorLeaseReturn clears a returned lease. The epoch
// stays behind so the next holder still gets a larger one.
func (s *Stage) acceptorLeaseReturn(c *cell, m *Message) bool {
	if !s.viewOK(c, m, false) {
		return false
	}
	cleared := false
	if !c.accepted.IsEmpty() &&
		c.accepted.LeaseHolder == m.LeaseHolder &&
		m.ProposalNo.Compare(c.acceptedNo) >= 0 {

		c.accepted.LeaseHolder = ""
		c.accepted.LeaseTimeoutMs = 0
		cleared = true
	}
	if !c.learned.IsEmpty() && c.learned.LeaseHolder == m.LeaseHolder {
		c.learned.LeaseHolder = ""
		c.learned.LeaseTimeoutMs = 0
		cleared = true
	}
	return cleared
}
