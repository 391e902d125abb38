package paxos

// Transport is the narrow interface the paxos roles use to reach their
// peers. It is implemented by network.Manager; paxos never imports
// network directly so that role logic stays reachable as a raw channel
// simulation in tests, with every cross-role send an explicit
// request/response pair instead of a shared pointer web.
type Transport interface {
	// Self is this process's server id.
	Self() uint32
	// AcceptorIds and ReplicaIds list every server id hosting that role,
	// per the fixed, static membership (Non-goal: no dynamic membership).
	AcceptorIds() []uint32
	ReplicaIds() []uint32
	// Majority is the number of Phase 1b/2b replies required, computed
	// from AcceptorIds (classic Paxos quorum size).
	Majority() int

	// SendP1A/SendP2A address an acceptor; SendP1B/SendP2B address the
	// scout/commander-listen sockets of the leader that sent the
	// original P1A/P2A (Adopted and Preempted never cross the network:
	// a Scout/Commander reports them straight to its owning in-process
	// Leader).
	SendP1A(acceptorId uint32, msg P1A) error
	SendP1B(leaderId uint32, msg P1B) error
	SendP2A(acceptorId uint32, msg P2A) error
	SendP2B(leaderId uint32, msg P2B) error
	SendDecision(replicaId uint32, msg Decision) error
	SendPropose(leaderId uint32, msg Propose) error
	SendAllDecisions(replicaId uint32, msg AllDecisions) error
	SendResponse(clientId uint32, msg Response) error
	SendChatLogResponse(clientId uint32, msg ChatLogResponse) error

	// PrimaryId returns the current primary's server id. Static at
	// StaticPrimaryId for now; the hook exists for future election.
	PrimaryId() uint32
}
