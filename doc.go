/*
Package flease negotiates exclusive, time-bounded leases
on named resources ("cells") among a fixed group of peers,
over a network that may drop, duplicate, and reorder
messages, between clocks that disagree by at most dMax
(Config.ClockDriftBound).

It is Paxos for leases. Every participant is an acceptor
for every cell it hears about; a participant that calls
OpenCell is also a proposer for that cell. A proposer
runs PREPARE then ACCEPT with a proposal number
(counter, senderID), and on a majority of ACCEPT_ACKs
broadcasts LEARN and holds the lease until its timeout.
It renews by re-running ACCEPT with the same proposal
number shortly before the timeout (Config.RenewalMargin),
for as long as the cell stays open.

The PREPARE round doubles as a read. If a majority
reports a lease held by somebody else that has not
surely expired, the proposer proposes nothing, becomes a
BACKUP, and looks again once that lease has expired
even by the slowest clock.

Timeout comparisons are padded by dMax, in the direction
that is safe for the question being asked:

	contest somebody else's lease?  timeout + dMax < now
	still rely on my own lease?     timeout - dMax > now

Master epochs: a cell opened with wantMasterEpoch gets a
MasterEpoch that strictly increases with each new holder.
The stored epoch is fetched from the MasterEpochHandler
after the prepare majority, and the new one is stored
before the lease is granted. A handler that fails or
does not answer within Config.EpochTimeout fails that
election; other cells carry on.

Concurrency: all cell state belongs to one goroutine
inside Stage. Network input (Stage.Receive), timer
firings, epoch continuations, and API calls arrive on
channels. Nothing blocks that goroutine: the
Communicator is best effort, and epoch handlers answer
through continuations that are turned back into events.

A minimal setup:

	cfg := flease.NewConfig("node1:7000")
	stage, err := flease.NewStage(cfg, comm, listener, nil, nil)
	...
	stage.Start()
	defer stage.Close()
	lease, err := stage.OpenCell("volume-42", peers, false).Get(ctx)

where comm delivers inbound messages with stage.Receive
(see the tcpcomm package), and listener hears about
every later change of holder or timeout.
*/
package flease
