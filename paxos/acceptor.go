package paxos

import (
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"chatpaxos.io/server/internal/actor"
)

// Acceptor is the Phase 1b/2b role from the Paxos Made Moderately
// Complex pseudocode: it owns a ballot_num and the set of triples it has
// accepted, and answers P1A/P2A with P1B/P2B. Nothing outside the
// goroutine running Run ever touches acceptorState directly; every other
// role reaches it only through its Mailbox.
type Acceptor struct {
	id        uint32
	transport Transport
	logger    log.Logger
	mailbox   *actor.Mailbox[acceptorMsg]

	ballotNum Ballot
	accepted  []Triple
}

type acceptorMsg interface{ acceptorMsgWitness() }

type acceptorMsgP1A struct{ msg P1A }
type acceptorMsgP2A struct{ msg P2A }
type acceptorMsgShutdown struct{}

func (acceptorMsgP1A) acceptorMsgWitness()      {}
func (acceptorMsgP2A) acceptorMsgWitness()      {}
func (acceptorMsgShutdown) acceptorMsgWitness() {}

// NewAcceptor builds an Acceptor for this server's id. ballotNum starts
// at the lowest possible ballot (0.0), so an Acceptor that has never
// voted never outranks any real proposer's ballot in Phase 1b.
func NewAcceptor(id uint32, transport Transport, logger log.Logger) *Acceptor {
	return &Acceptor{
		id:        id,
		transport: transport,
		logger:    log.With(logger, "role", "acceptor"),
		mailbox:   actor.NewMailbox[acceptorMsg](),
		ballotNum: Ballot{},
	}
}

// Deliver hands a message read off the wire to this Acceptor's mailbox.
// It never blocks on processing.
func (a *Acceptor) DeliverP1A(msg P1A) { a.mailbox.Enqueue(acceptorMsgP1A{msg}) }
func (a *Acceptor) DeliverP2A(msg P2A) { a.mailbox.Enqueue(acceptorMsgP2A{msg}) }

// Shutdown terminates Run once its mailbox drains.
func (a *Acceptor) Shutdown() { a.mailbox.Enqueue(acceptorMsgShutdown{}) }

// Run is the Acceptor's long-lived activity loop. Call it from its own
// goroutine; it returns once Shutdown is delivered.
func (a *Acceptor) Run() {
	a.mailbox.Loop(func(m acceptorMsg) (terminate bool) {
		switch msg := m.(type) {
		case acceptorMsgP1A:
			a.handleP1A(msg.msg)
		case acceptorMsgP2A:
			a.handleP2A(msg.msg)
		case acceptorMsgShutdown:
			return true
		}
		return false
	})
}

func (a *Acceptor) handleP1A(msg P1A) {
	if msg.Ballot.Greater(a.ballotNum) {
		a.ballotNum = msg.Ballot
	}
	reply := P1B{FromAcceptorId: a.id, BallotNum: a.ballotNum, Accepted: append([]Triple(nil), a.accepted...)}
	if err := a.transport.SendP1B(msg.FromLeaderId, reply); err != nil {
		level.Debug(a.logger).Log("msg", "send P1B failed", "to", msg.FromLeaderId, "err", err)
	}
}

func (a *Acceptor) handleP2A(msg P2A) {
	if msg.Triple.Ballot.Greater(a.ballotNum) || msg.Triple.Ballot.Equal(a.ballotNum) {
		a.ballotNum = msg.Triple.Ballot
		replaced := false
		for i, t := range a.accepted {
			if t.Ballot.Equal(msg.Triple.Ballot) && t.Slot == msg.Triple.Slot {
				a.accepted[i] = msg.Triple
				replaced = true
				break
			}
		}
		if !replaced {
			a.accepted = append(a.accepted, msg.Triple)
		}
	}
	reply := P2B{FromAcceptorId: a.id, BallotNum: a.ballotNum, Slot: msg.Triple.Slot}
	if err := a.transport.SendP2B(msg.FromLeaderId, reply); err != nil {
		level.Debug(a.logger).Log("msg", "send P2B failed", "to", msg.FromLeaderId, "err", err)
	}
}
