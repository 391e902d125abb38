package paxos

import (
	"fmt"
	"strconv"
	"strings"

	server "chatpaxos.io/server"
)

// Wire framing: TYPE<IF>field_1<IF>field_2...<MD>. A single
// receive buffer may contain multiple framed messages; FrameSplitter
// splits on MessageDelim first, then each frame is split on
// InternalFieldDelim. Triples within a field use the unit/group
// separators below, one level further in.
const (
	tripleGroupDelim = "\x1d"
	tripleUnitDelim  = "\x1c"
)

// Encode renders msg as a single wire frame, including the trailing
// MessageDelim.
func Encode(msgType MsgType, msg interface{}) (string, error) {
	var fields []string
	switch m := msg.(type) {
	case P1A:
		fields = []string{u32(m.FromLeaderId), ballotStr(m.Ballot)}
	case P1B:
		fields = []string{u32(m.FromAcceptorId), ballotStr(m.BallotNum), triplesStr(m.Accepted)}
	case P2A:
		fields = []string{u32(m.FromLeaderId), tripleStr(m.Triple)}
	case P2B:
		fields = []string{u32(m.FromAcceptorId), ballotStr(m.BallotNum), u64(m.Slot)}
	case Propose:
		fields = []string{u64(m.Slot), proposalStr(m.Proposal)}
	case Decision:
		fields = []string{u64(m.Slot), proposalStr(m.Proposal)}
	case Adopted:
		fields = []string{ballotStr(m.Ballot), triplesStr(m.Pvalues)}
	case Preempted:
		fields = []string{ballotStr(m.Ballot)}
	case Chat:
		fields = []string{proposalStr(m.Proposal)}
	case Response:
		fields = []string{u64(m.Slot), proposalStr(m.Proposal)}
	case AllClear:
		fields = nil
	case AllDecisions:
		fields = []string{u32(m.FromServerId), decisionsStr(m.Decisions)}
	case ChatLogRequest:
		fields = []string{u32(m.ClientId)}
	case ChatLogResponse:
		fields = []string{u32(m.ClientId), strings.Join(m.Lines, tripleUnitDelim)}
	case TimeBomb:
		fields = []string{strconv.Itoa(m.K)}
	case SendMessage:
		fields = []string{m.Payload}
	default:
		return "", fmt.Errorf("paxos: no encoding for %T", msg)
	}
	parts := append([]string{string(msgType)}, fields...)
	return strings.Join(parts, server.InternalFieldDelim) + server.MessageDelim, nil
}

// Decode parses one frame (without its trailing MessageDelim) into a
// MsgType and the corresponding typed value.
func Decode(frame string) (MsgType, interface{}, error) {
	f := strings.Split(frame, server.InternalFieldDelim)
	if len(f) == 0 {
		return "", nil, fmt.Errorf("paxos: empty frame")
	}
	t := MsgType(f[0])
	args := f[1:]
	switch t {
	case MsgP1A:
		if len(args) != 2 {
			return "", nil, fieldErr(t, args)
		}
		b, err := parseBallot(args[1])
		if err != nil {
			return "", nil, err
		}
		return t, P1A{FromLeaderId: mustU32(args[0]), Ballot: b}, nil
	case MsgP1B:
		if len(args) != 3 {
			return "", nil, fieldErr(t, args)
		}
		b, err := parseBallot(args[1])
		if err != nil {
			return "", nil, err
		}
		triples, err := parseTriples(args[2])
		if err != nil {
			return "", nil, err
		}
		return t, P1B{FromAcceptorId: mustU32(args[0]), BallotNum: b, Accepted: triples}, nil
	case MsgP2A:
		if len(args) != 2 {
			return "", nil, fieldErr(t, args)
		}
		tr, err := parseTriple(args[1])
		if err != nil {
			return "", nil, err
		}
		return t, P2A{FromLeaderId: mustU32(args[0]), Triple: tr}, nil
	case MsgP2B:
		if len(args) != 3 {
			return "", nil, fieldErr(t, args)
		}
		b, err := parseBallot(args[1])
		if err != nil {
			return "", nil, err
		}
		return t, P2B{FromAcceptorId: mustU32(args[0]), BallotNum: b, Slot: mustU64(args[2])}, nil
	case MsgPropose:
		if len(args) != 2 {
			return "", nil, fieldErr(t, args)
		}
		p, err := parseProposal(args[1])
		if err != nil {
			return "", nil, err
		}
		return t, Propose{Slot: mustU64(args[0]), Proposal: p}, nil
	case MsgDecision:
		if len(args) != 2 {
			return "", nil, fieldErr(t, args)
		}
		p, err := parseProposal(args[1])
		if err != nil {
			return "", nil, err
		}
		return t, Decision{Slot: mustU64(args[0]), Proposal: p}, nil
	case MsgAdopted:
		if len(args) != 2 {
			return "", nil, fieldErr(t, args)
		}
		b, err := parseBallot(args[0])
		if err != nil {
			return "", nil, err
		}
		triples, err := parseTriples(args[1])
		if err != nil {
			return "", nil, err
		}
		return t, Adopted{Ballot: b, Pvalues: triples}, nil
	case MsgPreempted:
		if len(args) != 1 {
			return "", nil, fieldErr(t, args)
		}
		b, err := parseBallot(args[0])
		if err != nil {
			return "", nil, err
		}
		return t, Preempted{Ballot: b}, nil
	case MsgChat:
		if len(args) != 1 {
			return "", nil, fieldErr(t, args)
		}
		p, err := parseProposal(args[0])
		if err != nil {
			return "", nil, err
		}
		return t, Chat{Proposal: p}, nil
	case MsgResponse:
		if len(args) != 2 {
			return "", nil, fieldErr(t, args)
		}
		p, err := parseProposal(args[1])
		if err != nil {
			return "", nil, err
		}
		return t, Response{Slot: mustU64(args[0]), Proposal: p}, nil
	case MsgAllClear:
		return t, AllClear{}, nil
	case MsgAllDecisions:
		if len(args) != 2 {
			return "", nil, fieldErr(t, args)
		}
		d, err := parseDecisions(args[1])
		if err != nil {
			return "", nil, err
		}
		return t, AllDecisions{FromServerId: mustU32(args[0]), Decisions: d}, nil
	case MsgChatLog:
		if len(args) == 1 {
			return t, ChatLogRequest{ClientId: mustU32(args[0])}, nil
		} else if len(args) == 2 {
			var lines []string
			if args[1] != "" {
				lines = strings.Split(args[1], tripleUnitDelim)
			}
			return t, ChatLogResponse{ClientId: mustU32(args[0]), Lines: lines}, nil
		}
		return "", nil, fieldErr(t, args)
	case MsgTimeBomb:
		if len(args) != 1 {
			return "", nil, fieldErr(t, args)
		}
		k, err := strconv.Atoi(args[0])
		if err != nil {
			return "", nil, fmt.Errorf("paxos: malformed TIMEBOMB count %q: %w", args[0], err)
		}
		return t, TimeBomb{K: k}, nil
	case MsgSendMessage:
		if len(args) < 1 {
			return "", nil, fieldErr(t, args)
		}
		return t, SendMessage{Payload: strings.Join(args, server.InternalFieldDelim)}, nil
	default:
		return "", nil, fmt.Errorf("paxos: unrecognized message type %q", f[0])
	}
}

func fieldErr(t MsgType, args []string) error {
	return fmt.Errorf("paxos: malformed %s frame: %d fields", t, len(args))
}

func u32(v uint32) string { return strconv.FormatUint(uint64(v), 10) }
func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func mustU32(s string) uint32 {
	v, _ := strconv.ParseUint(s, 10, 32)
	return uint32(v)
}

func mustU64(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func ballotStr(b Ballot) string { return u64(b.SeqNum) + "." + u32(b.Id) }

func parseBallot(s string) (Ballot, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return Ballot{}, fmt.Errorf("paxos: malformed ballot %q", s)
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Ballot{}, fmt.Errorf("paxos: malformed ballot %q: %w", s, err)
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Ballot{}, fmt.Errorf("paxos: malformed ballot %q: %w", s, err)
	}
	return Ballot{SeqNum: seq, Id: uint32(id)}, nil
}

func proposalStr(p Proposal) string {
	return strings.Join([]string{u32(p.ClientId), u64(p.ChatId), p.Payload}, tripleUnitDelim)
}

func parseProposal(s string) (Proposal, error) {
	parts := strings.SplitN(s, tripleUnitDelim, 3)
	if len(parts) != 3 {
		return Proposal{}, fmt.Errorf("paxos: malformed proposal %q", s)
	}
	return Proposal{ClientId: mustU32(parts[0]), ChatId: mustU64(parts[1]), Payload: parts[2]}, nil
}

func tripleStr(t Triple) string {
	return strings.Join([]string{ballotStr(t.Ballot), u64(t.Slot), proposalStr(t.Proposal)}, tripleUnitDelim)
}

func parseTriple(s string) (Triple, error) {
	parts := strings.SplitN(s, tripleUnitDelim, 3)
	if len(parts) != 3 {
		return Triple{}, fmt.Errorf("paxos: malformed triple %q", s)
	}
	b, err := parseBallot(parts[0])
	if err != nil {
		return Triple{}, err
	}
	p, err := parseProposal(parts[2])
	if err != nil {
		return Triple{}, err
	}
	return Triple{Ballot: b, Slot: mustU64(parts[1]), Proposal: p}, nil
}

func triplesStr(triples []Triple) string {
	parts := make([]string, len(triples))
	for i, t := range triples {
		parts[i] = tripleStr(t)
	}
	return strings.Join(parts, tripleGroupDelim)
}

func parseTriples(s string) ([]Triple, error) {
	if s == "" {
		return nil, nil
	}
	groups := strings.Split(s, tripleGroupDelim)
	triples := make([]Triple, len(groups))
	for i, g := range groups {
		t, err := parseTriple(g)
		if err != nil {
			return nil, err
		}
		triples[i] = t
	}
	return triples, nil
}

func decisionsStr(d map[uint64]Proposal) string {
	parts := make([]string, 0, len(d))
	for slot, p := range d {
		parts = append(parts, u64(slot)+tripleUnitDelim+proposalStr(p))
	}
	return strings.Join(parts, tripleGroupDelim)
}

func parseDecisions(s string) (map[uint64]Proposal, error) {
	d := make(map[uint64]Proposal)
	if s == "" {
		return d, nil
	}
	for _, g := range strings.Split(s, tripleGroupDelim) {
		parts := strings.SplitN(g, tripleUnitDelim, 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("paxos: malformed decisions entry %q", g)
		}
		slot := mustU64(parts[0])
		p, err := parseProposal(strings.Join(parts[1:], tripleUnitDelim))
		if err != nil {
			return nil, err
		}
		d[slot] = p
	}
	return d, nil
}

// FrameSplitter accumulates bytes read off a connection and yields
// complete frames (without the trailing MessageDelim) as they appear:
// split on MessageDelim first, then each frame on InternalFieldDelim.
// It buffers any trailing partial frame across calls to Feed.
type FrameSplitter struct {
	buf strings.Builder
}

// Feed appends newly-read bytes and returns every complete frame found so
// far, in order.
func (fs *FrameSplitter) Feed(chunk string) []string {
	fs.buf.WriteString(chunk)
	whole := fs.buf.String()
	parts := strings.Split(whole, server.MessageDelim)
	if len(parts) == 1 {
		return nil
	}
	complete := parts[:len(parts)-1]
	remainder := parts[len(parts)-1]
	fs.buf.Reset()
	fs.buf.WriteString(remainder)
	return complete
}
