package paxos

import (
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Scout is the one-shot Phase 1 activity a Leader spawns whenever it
// wants to acquire a ballot: broadcast P1A to every acceptor, collect
// P1B until a majority agrees on the same ballot_num, then report
// Adopted (with the union of every pvalue seen) or Preempted back to its
// owning Leader. A Leader has at most one live Scout at a time; a new
// one replaces it on the next re-scout.
//
// Scout runs its own goroutine via Run and reports its single outcome
// by calling back into the Leader's mailbox, never by sharing state.
type Scout struct {
	id        uint32
	ballot    Ballot
	transport Transport
	leader    *Leader
	logger    log.Logger

	replies chan P1B
}

func NewScout(id uint32, ballot Ballot, transport Transport, leader *Leader, logger log.Logger) *Scout {
	return &Scout{
		id:        id,
		ballot:    ballot,
		transport: transport,
		leader:    leader,
		logger:    log.With(logger, "role", "scout", "ballot", ballot.String()),
		replies:   make(chan P1B, len(transport.AcceptorIds())),
	}
}

// Deliver posts a P1B reply addressed to this scout. Replies for a
// stale (already-exited) scout are simply never read and are garbage
// collected with it.
func (s *Scout) Deliver(msg P1B) {
	select {
	case s.replies <- msg:
	default:
	}
}

// Run broadcasts P1A to every acceptor and waits for either a majority
// at s.ballot (Adopted) or any reply bearing a strictly greater ballot
// (Preempted). It returns once one of those has been reported.
func (s *Scout) Run() {
	waiting := make(map[uint32]struct{}, len(s.transport.AcceptorIds()))
	for _, aid := range s.transport.AcceptorIds() {
		waiting[aid] = struct{}{}
	}
	p1a := P1A{FromLeaderId: s.id, Ballot: s.ballot}
	for aid := range waiting {
		if err := s.transport.SendP1A(aid, p1a); err != nil {
			level.Debug(s.logger).Log("msg", "send P1A failed", "to", aid, "err", err)
		}
	}

	pvalues := map[ballotSlot]Triple{}
	accepted := map[uint32]struct{}{}
	for reply := range s.replies {
		if reply.BallotNum.Greater(s.ballot) {
			s.leader.deliverPreempted(Preempted{Ballot: reply.BallotNum})
			return
		}
		if !reply.BallotNum.Equal(s.ballot) {
			continue
		}
		if _, already := accepted[reply.FromAcceptorId]; already {
			continue
		}
		accepted[reply.FromAcceptorId] = struct{}{}
		for _, t := range reply.Accepted {
			key := ballotSlot{Ballot: t.Ballot, Slot: t.Slot}
			if existing, found := pvalues[key]; !found || t.Ballot.Greater(existing.Ballot) {
				pvalues[key] = t
			}
		}
		if len(accepted) >= s.transport.Majority() {
			flat := make([]Triple, 0, len(pvalues))
			for _, t := range pvalues {
				flat = append(flat, t)
			}
			s.leader.deliverAdopted(Adopted{Ballot: s.ballot, Pvalues: flat})
			return
		}
	}
}
