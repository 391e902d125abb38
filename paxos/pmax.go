package paxos

// pmax and pairxor are the two non-obvious map operations from "Paxos
// Made Moderately Complex". They are kept as pure functions over
// (slot -> proposal) maps and (slot -> Triple) sets so they can be
// property-tested in isolation from any role's mutable state.

// Pmax picks, for every slot appearing in pvalues, the proposal carried
// by the triple with the greatest ballot for that slot. Ties cannot
// occur: at most one proposal is ever accepted per (ballot, slot), and
// distinct ballots are totally ordered.
func Pmax(pvalues []Triple) map[uint64]Proposal {
	best := make(map[uint64]Ballot)
	result := make(map[uint64]Proposal)
	for _, t := range pvalues {
		if cur, ok := best[t.Slot]; !ok || cur.Less(t.Ballot) {
			best[t.Slot] = t.Ballot
			result[t.Slot] = t.Proposal
		}
	}
	return result
}

// Pairxor overwrites proposals for every slot present in update,
// preserving entries in proposals for slots update does not mention.
// This is the leader's "proposals := pairxor(proposals, pmax(pvalues))"
// update rule. It does not mutate its inputs.
func Pairxor(proposals map[uint64]Proposal, update map[uint64]Proposal) map[uint64]Proposal {
	out := make(map[uint64]Proposal, len(proposals)+len(update))
	for slot, p := range proposals {
		out[slot] = p
	}
	for slot, p := range update {
		out[slot] = p
	}
	return out
}
