package paxos

import (
	"reflect"
	"strings"
	"testing"

	server "chatpaxos.io/server"
)

func roundTrip(t *testing.T, msgType MsgType, msg interface{}) interface{} {
	t.Helper()
	frame, err := Encode(msgType, msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasSuffix(frame, server.MessageDelim) {
		t.Fatalf("Encode(%v) missing MessageDelim: %q", msgType, frame)
	}
	gotType, gotMsg, err := Decode(strings.TrimSuffix(frame, server.MessageDelim))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotType != msgType {
		t.Fatalf("Decode type = %v, want %v", gotType, msgType)
	}
	return gotMsg
}

func TestRoundTripP1AP1B(t *testing.T) {
	p1a := P1A{FromLeaderId: 2, Ballot: Ballot{SeqNum: 3, Id: 2}}
	if got := roundTrip(t, MsgP1A, p1a); !reflect.DeepEqual(got, p1a) {
		t.Fatalf("P1A round-trip = %+v, want %+v", got, p1a)
	}

	p1b := P1B{
		FromAcceptorId: 1,
		BallotNum:      Ballot{SeqNum: 3, Id: 2},
		Accepted: []Triple{
			{Ballot: Ballot{1, 0}, Slot: 0, Proposal: Proposal{ClientId: 1, ChatId: 1, Payload: "hello"}},
			{Ballot: Ballot{2, 1}, Slot: 1, Proposal: Proposal{ClientId: 2, ChatId: 1, Payload: "world"}},
		},
	}
	if got := roundTrip(t, MsgP1B, p1b); !reflect.DeepEqual(got, p1b) {
		t.Fatalf("P1B round-trip = %+v, want %+v", got, p1b)
	}
}

func TestRoundTripP1BEmptyAccepted(t *testing.T) {
	p1b := P1B{FromAcceptorId: 4, BallotNum: Ballot{0, 4}, Accepted: nil}
	got := roundTrip(t, MsgP1B, p1b).(P1B)
	if len(got.Accepted) != 0 {
		t.Fatalf("expected no accepted triples, got %v", got.Accepted)
	}
}

func TestRoundTripP2AP2B(t *testing.T) {
	p2a := P2A{FromLeaderId: 0, Triple: Triple{Ballot: Ballot{1, 0}, Slot: 5, Proposal: Proposal{ClientId: 9, ChatId: 3, Payload: "x"}}}
	if got := roundTrip(t, MsgP2A, p2a); !reflect.DeepEqual(got, p2a) {
		t.Fatalf("P2A round-trip = %+v, want %+v", got, p2a)
	}

	p2b := P2B{FromAcceptorId: 3, BallotNum: Ballot{1, 0}, Slot: 5}
	if got := roundTrip(t, MsgP2B, p2b); !reflect.DeepEqual(got, p2b) {
		t.Fatalf("P2B round-trip = %+v, want %+v", got, p2b)
	}
}

func TestRoundTripProposeDecision(t *testing.T) {
	pr := Propose{Slot: 2, Proposal: Proposal{ClientId: 1, ChatId: 4, Payload: "hi there"}}
	if got := roundTrip(t, MsgPropose, pr); !reflect.DeepEqual(got, pr) {
		t.Fatalf("Propose round-trip = %+v, want %+v", got, pr)
	}

	d := Decision{Slot: 2, Proposal: pr.Proposal}
	if got := roundTrip(t, MsgDecision, d); !reflect.DeepEqual(got, d) {
		t.Fatalf("Decision round-trip = %+v, want %+v", got, d)
	}
}

func TestRoundTripAdoptedPreempted(t *testing.T) {
	a := Adopted{Ballot: Ballot{4, 0}, Pvalues: []Triple{{Ballot: Ballot{3, 1}, Slot: 1, Proposal: Proposal{ClientId: 1, ChatId: 1, Payload: "p"}}}}
	if got := roundTrip(t, MsgAdopted, a); !reflect.DeepEqual(got, a) {
		t.Fatalf("Adopted round-trip = %+v, want %+v", got, a)
	}

	pe := Preempted{Ballot: Ballot{7, 2}}
	if got := roundTrip(t, MsgPreempted, pe); !reflect.DeepEqual(got, pe) {
		t.Fatalf("Preempted round-trip = %+v, want %+v", got, pe)
	}
}

func TestRoundTripChatResponse(t *testing.T) {
	c := Chat{Proposal: Proposal{ClientId: 5, ChatId: 1, Payload: "hello world"}}
	if got := roundTrip(t, MsgChat, c); !reflect.DeepEqual(got, c) {
		t.Fatalf("Chat round-trip = %+v, want %+v", got, c)
	}
	r := Response{Slot: 0, Proposal: c.Proposal}
	if got := roundTrip(t, MsgResponse, r); !reflect.DeepEqual(got, r) {
		t.Fatalf("Response round-trip = %+v, want %+v", got, r)
	}
}

func TestRoundTripAllClearAllDecisions(t *testing.T) {
	if got := roundTrip(t, MsgAllClear, AllClear{}); !reflect.DeepEqual(got, AllClear{}) {
		t.Fatalf("AllClear round-trip = %+v", got)
	}

	ad := AllDecisions{FromServerId: 0, Decisions: map[uint64]Proposal{
		0: {ClientId: 1, ChatId: 1, Payload: "hello"},
		1: {ClientId: 2, ChatId: 1, Payload: "world"},
	}}
	got := roundTrip(t, MsgAllDecisions, ad).(AllDecisions)
	if got.FromServerId != ad.FromServerId || !reflect.DeepEqual(got.Decisions, ad.Decisions) {
		t.Fatalf("AllDecisions round-trip = %+v, want %+v", got, ad)
	}
}

func TestRoundTripChatLog(t *testing.T) {
	req := ChatLogRequest{ClientId: 1}
	if got := roundTrip(t, MsgChatLog, req); !reflect.DeepEqual(got, req) {
		t.Fatalf("ChatLogRequest round-trip = %+v, want %+v", got, req)
	}
	resp := ChatLogResponse{ClientId: 1, Lines: []string{"1 1: hello", "1 2: world"}}
	if got := roundTrip(t, MsgChatLog, resp); !reflect.DeepEqual(got, resp) {
		t.Fatalf("ChatLogResponse round-trip = %+v, want %+v", got, resp)
	}
}

func TestRoundTripTimeBomb(t *testing.T) {
	tb := TimeBomb{K: 3}
	if got := roundTrip(t, MsgTimeBomb, tb); !reflect.DeepEqual(got, tb) {
		t.Fatalf("TimeBomb round-trip = %+v, want %+v", got, tb)
	}
}

func TestRoundTripSendMessage(t *testing.T) {
	sm := SendMessage{Payload: "hello there"}
	if got := roundTrip(t, MsgSendMessage, sm); !reflect.DeepEqual(got, sm) {
		t.Fatalf("SendMessage round-trip = %+v, want %+v", got, sm)
	}
}

func TestFrameSplitterHandlesMultipleAndPartialFrames(t *testing.T) {
	fs := &FrameSplitter{}
	f1, _ := Encode(MsgChat, Chat{Proposal: Proposal{ClientId: 1, ChatId: 1, Payload: "a"}})
	f2, _ := Encode(MsgChat, Chat{Proposal: Proposal{ClientId: 1, ChatId: 2, Payload: "b"}})

	got := fs.Feed(f1 + f2[:len(f2)-3])
	if len(got) != 1 {
		t.Fatalf("expected exactly one complete frame, got %d: %v", len(got), got)
	}
	got2 := fs.Feed(f2[len(f2)-3:])
	if len(got2) != 1 {
		t.Fatalf("expected the remainder to complete the second frame, got %d: %v", len(got2), got2)
	}
}
