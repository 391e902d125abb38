package network

import (
	"fmt"
	"net"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"chatpaxos.io/server/paxos"
)

// Listen starts one accept loop per role port this server exposes. Call
// once Attach has wired the locally-running roles; each loop runs for
// the life of the process.
func (m *Manager) Listen() error {
	sp := m.selfPorts()
	roles := []struct {
		name   string
		port   int
		handle func(net.Conn, string)
	}{
		{"acceptor", sp.Acceptor, m.handleAcceptorFrame},
		{"scout", sp.Scout, m.handleScoutFrame},
		{"commander", sp.Commander, m.handleCommanderFrame},
		{"leader", sp.Leader, m.handleLeaderFrame},
		{"replica", sp.Replica, m.handleReplicaFrame},
		{"client", sp.Client, m.handleClientFrame},
		{"harness", sp.Harness, m.handleDriverFrame},
	}
	for _, r := range roles {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", r.port))
		if err != nil {
			return fmt.Errorf("network: listen %s port %d: %w", r.name, r.port, err)
		}
		go m.acceptLoop(r.name, ln, r.handle)
	}
	return nil
}

func (m *Manager) acceptLoop(role string, ln net.Listener, handle func(net.Conn, string)) {
	logger := log.With(m.logger, "listener", role)
	for {
		conn, err := ln.Accept()
		if err != nil {
			level.Debug(logger).Log("msg", "accept loop exiting", "err", err)
			return
		}
		go m.serveConn(conn, handle)
	}
}

// serveConn feeds everything read off conn through a FrameSplitter and
// dispatches every complete frame to handle. It never writes back to
// conn itself; the client and driver handlers do that directly, since
// only they know what reply (if any) a frame warrants.
func (m *Manager) serveConn(conn net.Conn, handle func(net.Conn, string)) {
	defer conn.Close()
	var splitter paxos.FrameSplitter
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range splitter.Feed(string(buf[:n])) {
				handle(conn, frame)
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) decode(role, frame string) (paxos.MsgType, interface{}, bool) {
	t, msg, err := paxos.Decode(frame)
	if err != nil {
		level.Debug(m.logger).Log("msg", "decode failed", "role", role, "err", err)
		return "", nil, false
	}
	return t, msg, true
}

func (m *Manager) handleAcceptorFrame(_ net.Conn, frame string) {
	t, msg, ok := m.decode("acceptor", frame)
	if !ok {
		return
	}
	switch t {
	case paxos.MsgP1A:
		m.acceptor.DeliverP1A(msg.(paxos.P1A))
	case paxos.MsgP2A:
		m.acceptor.DeliverP2A(msg.(paxos.P2A))
	default:
		level.Debug(m.logger).Log("msg", "unexpected message on acceptor port", "type", t)
	}
}

func (m *Manager) handleScoutFrame(_ net.Conn, frame string) {
	t, msg, ok := m.decode("scout", frame)
	if !ok {
		return
	}
	if t != paxos.MsgP1B {
		level.Debug(m.logger).Log("msg", "unexpected message on scout port", "type", t)
		return
	}
	m.leader.DeliverP1B(msg.(paxos.P1B))
}

func (m *Manager) handleCommanderFrame(_ net.Conn, frame string) {
	t, msg, ok := m.decode("commander", frame)
	if !ok {
		return
	}
	if t != paxos.MsgP2B {
		level.Debug(m.logger).Log("msg", "unexpected message on commander port", "type", t)
		return
	}
	m.leader.DeliverP2B(msg.(paxos.P2B))
}

func (m *Manager) handleLeaderFrame(_ net.Conn, frame string) {
	t, msg, ok := m.decode("leader", frame)
	if !ok {
		return
	}
	if t != paxos.MsgPropose {
		level.Debug(m.logger).Log("msg", "unexpected message on leader port", "type", t)
		return
	}
	m.leader.DeliverPropose(msg.(paxos.Propose))
}

func (m *Manager) handleReplicaFrame(_ net.Conn, frame string) {
	t, msg, ok := m.decode("replica", frame)
	if !ok {
		return
	}
	switch t {
	case paxos.MsgDecision:
		m.replica.DeliverDecision(msg.(paxos.Decision))
	case paxos.MsgAllDecisions:
		m.replica.DeliverAllDecisions(msg.(paxos.AllDecisions))
	default:
		level.Debug(m.logger).Log("msg", "unexpected message on replica port", "type", t)
	}
}

// handleClientFrame learns a client's id the first time it sees a frame
// naming one, and registers conn so replies addressed to that id are
// written back down the same socket rather than dialed out.
func (m *Manager) handleClientFrame(conn net.Conn, frame string) {
	t, msg, ok := m.decode("client", frame)
	if !ok {
		return
	}
	switch v := msg.(type) {
	case paxos.Chat:
		m.registerClient(v.Proposal.ClientId, conn)
		m.replica.DeliverChat(v)
	case paxos.ChatLogRequest:
		m.registerClient(v.ClientId, conn)
		m.replica.DeliverChatLogRequest(v)
	default:
		level.Debug(m.logger).Log("msg", "unexpected message on client port", "type", t)
	}
}

// handleDriverFrame answers an ALLCLEAR request by installing a
// callback that writes the acknowledgment frame back down the same
// connection once this replica's barrier completes, then starts the
// barrier. The harness issues one ALLCLEAR at a time, so a single
// callback slot on the replica is never contended.
func (m *Manager) handleDriverFrame(conn net.Conn, frame string) {
	t, msg, ok := m.decode("driver", frame)
	if !ok {
		return
	}
	switch v := msg.(type) {
	case paxos.AllClear:
		m.replica.SetAllClearCallback(func() {
			ack, err := paxos.Encode(paxos.MsgAllClear, paxos.AllClear{})
			if err != nil {
				level.Debug(m.logger).Log("msg", "encode all-clear ack failed", "err", err)
				return
			}
			if _, err := conn.Write([]byte(ack)); err != nil {
				level.Debug(m.logger).Log("msg", "write all-clear ack failed", "err", err)
			}
		})
		m.replica.DeliverAllClear()
	case paxos.TimeBomb:
		m.leader.ArmTimeBomb(v.K)
	default:
		level.Debug(m.logger).Log("msg", "unexpected message on driver port", "type", t)
	}
}
