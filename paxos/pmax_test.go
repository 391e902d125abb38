package paxos

import (
	"reflect"
	"testing"
)

func TestPmaxPicksHighestBallotPerSlot(t *testing.T) {
	low := Ballot{SeqNum: 1, Id: 0}
	high := Ballot{SeqNum: 2, Id: 0}
	pA := Proposal{ClientId: 1, ChatId: 1, Payload: "a"}
	pB := Proposal{ClientId: 2, ChatId: 1, Payload: "b"}

	pvalues := []Triple{
		{Ballot: low, Slot: 0, Proposal: pA},
		{Ballot: high, Slot: 0, Proposal: pB},
		{Ballot: low, Slot: 1, Proposal: pA},
	}

	got := Pmax(pvalues)
	want := map[uint64]Proposal{0: pB, 1: pA}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Pmax = %v, want %v", got, want)
	}
}

func TestPmaxEmpty(t *testing.T) {
	if got := Pmax(nil); len(got) != 0 {
		t.Fatalf("Pmax(nil) = %v, want empty", got)
	}
}

func TestPairxorOverwritesOnlyUpdatedSlots(t *testing.T) {
	p0 := Proposal{ClientId: 1, ChatId: 1, Payload: "keep"}
	p1 := Proposal{ClientId: 2, ChatId: 1, Payload: "old"}
	p1New := Proposal{ClientId: 2, ChatId: 2, Payload: "new"}

	proposals := map[uint64]Proposal{0: p0, 1: p1}
	update := map[uint64]Proposal{1: p1New, 2: {ClientId: 3, ChatId: 1, Payload: "fresh"}}

	got := Pairxor(proposals, update)
	want := map[uint64]Proposal{
		0: p0,
		1: p1New,
		2: {ClientId: 3, ChatId: 1, Payload: "fresh"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Pairxor = %v, want %v", got, want)
	}

	// inputs must not be mutated
	if proposals[1] != p1 {
		t.Fatalf("Pairxor mutated its proposals argument")
	}
}

func TestPairxorDoesNotMutateInputs(t *testing.T) {
	proposals := map[uint64]Proposal{0: {ClientId: 1, ChatId: 1, Payload: "x"}}
	update := map[uint64]Proposal{0: {ClientId: 1, ChatId: 1, Payload: "y"}}
	_ = Pairxor(proposals, update)
	if proposals[0].Payload != "x" {
		t.Fatalf("Pairxor mutated proposals in place")
	}
	if update[0].Payload != "y" {
		t.Fatalf("Pairxor mutated update in place")
	}
}

func TestBallotOrdering(t *testing.T) {
	cases := []struct {
		a, b Ballot
		less bool
	}{
		{Ballot{0, 0}, Ballot{0, 1}, true},
		{Ballot{0, 1}, Ballot{1, 0}, true},
		{Ballot{1, 0}, Ballot{0, 5}, false},
		{Ballot{2, 3}, Ballot{2, 3}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.less {
			t.Errorf("%v.Less(%v) = %v, want %v", c.a, c.b, got, c.less)
		}
	}
}

func TestIncrementPast(t *testing.T) {
	observed := Ballot{SeqNum: 5, Id: 3}
	next := IncrementPast(observed, 1)
	if !observed.Less(next) {
		t.Fatalf("IncrementPast(%v, 1) = %v, want something greater than observed", observed, next)
	}
	if next.Id != 1 {
		t.Fatalf("IncrementPast changed owner id: got %v", next)
	}
}
