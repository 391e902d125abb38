package paxos

import (
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Commander is the one-shot Phase 2 activity a Leader spawns per
// (ballot, slot, proposal) triple it has decided to drive: broadcast
// P2A, collect P2B until a majority accept at the same ballot (then
// broadcast Decision to every replica), or any reply carries a strictly
// greater ballot (report Preempted to the owning Leader). Several
// Commanders run concurrently under one Leader, one per in-flight slot.
type Commander struct {
	triple    Triple
	transport Transport
	leader    *Leader
	logger    log.Logger

	replies chan P2B
}

func NewCommander(triple Triple, transport Transport, leader *Leader, logger log.Logger) *Commander {
	return &Commander{
		triple:    triple,
		transport: transport,
		leader:    leader,
		logger:    log.With(logger, "role", "commander", "slot", triple.Slot, "ballot", triple.Ballot.String()),
		replies:   make(chan P2B, len(transport.AcceptorIds())),
	}
}

func (c *Commander) Deliver(msg P2B) {
	select {
	case c.replies <- msg:
	default:
	}
}

func (c *Commander) Run() {
	waiting := make(map[uint32]struct{}, len(c.transport.AcceptorIds()))
	for _, aid := range c.transport.AcceptorIds() {
		waiting[aid] = struct{}{}
	}
	p2a := P2A{FromLeaderId: c.leader.id, Triple: c.triple}
	for aid := range waiting {
		if err := c.transport.SendP2A(aid, p2a); err != nil {
			level.Debug(c.logger).Log("msg", "send P2A failed", "to", aid, "err", err)
		}
	}

	accepted := map[uint32]struct{}{}
	for reply := range c.replies {
		if reply.Slot != c.triple.Slot {
			continue
		}
		if reply.BallotNum.Greater(c.triple.Ballot) {
			c.leader.deliverPreempted(Preempted{Ballot: reply.BallotNum})
			return
		}
		if !reply.BallotNum.Equal(c.triple.Ballot) {
			continue
		}
		if _, already := accepted[reply.FromAcceptorId]; already {
			continue
		}
		accepted[reply.FromAcceptorId] = struct{}{}
		if len(accepted) >= c.transport.Majority() {
			decision := Decision{Slot: c.triple.Slot, Proposal: c.triple.Proposal}
			for _, rid := range c.transport.ReplicaIds() {
				if err := c.transport.SendDecision(rid, decision); err != nil {
					level.Debug(c.logger).Log("msg", "send Decision failed", "to", rid, "err", err)
				}
			}
			c.leader.deliverDecided(c.triple.Slot)
			return
		}
	}
}
