package paxos

import "fmt"

// Ballot is (seq_num, id), totally ordered lexicographically by seq_num
// then by owner id.
type Ballot struct {
	SeqNum uint64
	Id     uint32
}

// ZeroBallot is the lowest ballot a fresh server starts at.
func ZeroBallot(id uint32) Ballot { return Ballot{SeqNum: 0, Id: id} }

// Less reports whether b sorts strictly before o.
func (b Ballot) Less(o Ballot) bool {
	if b.SeqNum != o.SeqNum {
		return b.SeqNum < o.SeqNum
	}
	return b.Id < o.Id
}

// Greater is the strict complement of Less, ignoring equality.
func (b Ballot) Greater(o Ballot) bool { return o.Less(b) }

func (b Ballot) Equal(o Ballot) bool { return b == o }

// Increment bumps SeqNum, keeping the same owner id.
func (b Ballot) Increment() Ballot { return Ballot{SeqNum: b.SeqNum + 1, Id: b.Id} }

// IncrementPast returns the lowest ballot owned by id that sorts strictly
// above other. Used by the leader when it re-scouts after preemption.
func IncrementPast(other Ballot, id uint32) Ballot {
	return Ballot{SeqNum: other.SeqNum + 1, Id: id}
}

func (b Ballot) String() string { return fmt.Sprintf("%d.%d", b.SeqNum, b.Id) }

// Proposal is an opaque application command: (client_id, chat_id,
// payload). Equality is structural on all three fields. (client_id,
// chat_id) is a unique message identity.
type Proposal struct {
	ClientId uint32
	ChatId   uint64
	Payload  string
}

func (p Proposal) Equal(o Proposal) bool {
	return p.ClientId == o.ClientId && p.ChatId == o.ChatId && p.Payload == o.Payload
}

func (p Proposal) String() string {
	return fmt.Sprintf("Proposal{client=%d chat=%d payload=%q}", p.ClientId, p.ChatId, p.Payload)
}

// Identity is the (client_id, chat_id) key that makes a proposal unique,
// used to suppress re-delivery of an already-performed command.
type Identity struct {
	ClientId uint32
	ChatId   uint64
}

func (p Proposal) Identity() Identity { return Identity{ClientId: p.ClientId, ChatId: p.ChatId} }

// Triple is (ballot, slot, proposal): the acceptor's unit of accepted
// evidence, returned in Phase 1b.
type Triple struct {
	Ballot   Ballot
	Slot     uint64
	Proposal Proposal
}

// ballotSlot identifies the (ballot, slot) pair a Triple is keyed by: no
// two triples an acceptor holds share the same (ballot, slot) with
// different proposals.
type ballotSlot struct {
	Ballot Ballot
	Slot   uint64
}
