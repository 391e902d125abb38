// Package network turns paxos.Transport into real TCP sockets: one
// outbound, lazily-dialed connection per (peer server, peer role), one
// accept loop per role port this process exposes, and a client
// registry keyed by the id embedded in each inbound frame rather than
// by connection, since a client's reply must find its way back down
// whichever socket it dialed in on. Driver replies are not registered;
// they are written straight back down the connection the request
// arrived on.
package network

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-kit/kit/log"

	"chatpaxos.io/server/configuration"
	"chatpaxos.io/server/paxos"
	"chatpaxos.io/server/stats"
)

// Manager is the paxos.Transport implementation shared by every role
// running in one process. Acceptor/Leader/Replica never see a net.Conn;
// they only ever see Manager through the narrow Transport interface.
type Manager struct {
	self     uint32
	topology *configuration.Topology
	hosts    map[uint32]string
	ports    map[uint32]configuration.ServerPorts
	logger   log.Logger
	metrics  *stats.Publisher

	acceptor *paxos.Acceptor
	leader   *paxos.Leader
	replica  *paxos.Replica

	mu    sync.Mutex
	peers map[peerKey]*outConn

	connectedPeers int32

	clientsMu sync.Mutex
	clients   map[uint32]net.Conn
}

type peerKey struct {
	serverId uint32
	role     string
}

// NewManager builds a Manager for server id self. hosts resolves a
// server id to the address it listens on; a nil or partial map falls
// back to 127.0.0.1, matching how the harness runs every server
// process on localhost under distinct ports.
func NewManager(self uint32, topology *configuration.Topology, ports *configuration.Ports, hosts map[uint32]string, metrics *stats.Publisher, logger log.Logger) *Manager {
	if hosts == nil {
		hosts = make(map[uint32]string)
	}
	byId := make(map[uint32]configuration.ServerPorts, len(ports.Servers))
	for i, id := range topology.ServerIds {
		if i < len(ports.Servers) {
			byId[id] = ports.Servers[i]
		}
	}
	return &Manager{
		self:     self,
		topology: topology,
		hosts:    hosts,
		ports:    byId,
		logger:   log.With(logger, "component", "network"),
		metrics:  metrics,
		peers:    make(map[peerKey]*outConn),
		clients:  make(map[uint32]net.Conn),
	}
}

// Attach wires the roles running in this process that inbound frames
// dispatch to. Call once, after constructing the roles and before
// Listen.
func (m *Manager) Attach(acceptor *paxos.Acceptor, leader *paxos.Leader, replica *paxos.Replica) {
	m.acceptor = acceptor
	m.leader = leader
	m.replica = replica
}

func (m *Manager) selfPorts() configuration.ServerPorts { return m.ports[m.self] }

func (m *Manager) host(id uint32) string {
	if h, ok := m.hosts[id]; ok {
		return h
	}
	return "127.0.0.1"
}

func (m *Manager) outboundConn(id uint32, role string, port int) *outConn {
	key := peerKey{serverId: id, role: role}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, found := m.peers[key]
	if !found {
		addr := fmt.Sprintf("%s:%d", m.host(id), port)
		c = newOutConn(addr, log.With(m.logger, "peer", id, "role", role), m.peerConnectionChanged)
		m.peers[key] = c
	}
	return c
}

// peerConnectionChanged adjusts the live outbound-connection count and
// republishes it as the connected-peers gauge, if this Manager was given
// a metrics Publisher.
func (m *Manager) peerConnectionChanged(connected bool) {
	var n int32
	if connected {
		n = atomic.AddInt32(&m.connectedPeers, 1)
	} else {
		n = atomic.AddInt32(&m.connectedPeers, -1)
	}
	if m.metrics != nil {
		m.metrics.SetConnectedPeers(int(n))
	}
}

func (m *Manager) send(id uint32, role string, port int, msgType paxos.MsgType, msg interface{}) error {
	frame, err := paxos.Encode(msgType, msg)
	if err != nil {
		return err
	}
	return m.outboundConn(id, role, port).Send(frame)
}

func (m *Manager) portsFor(id uint32) (configuration.ServerPorts, error) {
	p, ok := m.ports[id]
	if !ok {
		return configuration.ServerPorts{}, fmt.Errorf("network: unknown server id %d", id)
	}
	return p, nil
}

// Transport

func (m *Manager) Self() uint32          { return m.self }
func (m *Manager) AcceptorIds() []uint32 { return append([]uint32(nil), m.topology.ServerIds...) }
func (m *Manager) ReplicaIds() []uint32  { return append([]uint32(nil), m.topology.ServerIds...) }
func (m *Manager) Majority() int         { return m.topology.Majority() }
func (m *Manager) PrimaryId() uint32     { return m.topology.PrimaryId }

func (m *Manager) SendP1A(acceptorId uint32, msg paxos.P1A) error {
	p, err := m.portsFor(acceptorId)
	if err != nil {
		return err
	}
	return m.send(acceptorId, "acceptor", p.Acceptor, paxos.MsgP1A, msg)
}

func (m *Manager) SendP1B(leaderId uint32, msg paxos.P1B) error {
	p, err := m.portsFor(leaderId)
	if err != nil {
		return err
	}
	return m.send(leaderId, "scout", p.Scout, paxos.MsgP1B, msg)
}

func (m *Manager) SendP2A(acceptorId uint32, msg paxos.P2A) error {
	p, err := m.portsFor(acceptorId)
	if err != nil {
		return err
	}
	return m.send(acceptorId, "acceptor", p.Acceptor, paxos.MsgP2A, msg)
}

func (m *Manager) SendP2B(leaderId uint32, msg paxos.P2B) error {
	p, err := m.portsFor(leaderId)
	if err != nil {
		return err
	}
	return m.send(leaderId, "commander", p.Commander, paxos.MsgP2B, msg)
}

func (m *Manager) SendDecision(replicaId uint32, msg paxos.Decision) error {
	p, err := m.portsFor(replicaId)
	if err != nil {
		return err
	}
	return m.send(replicaId, "replica", p.Replica, paxos.MsgDecision, msg)
}

func (m *Manager) SendPropose(leaderId uint32, msg paxos.Propose) error {
	p, err := m.portsFor(leaderId)
	if err != nil {
		return err
	}
	return m.send(leaderId, "leader", p.Leader, paxos.MsgPropose, msg)
}

func (m *Manager) SendAllDecisions(replicaId uint32, msg paxos.AllDecisions) error {
	p, err := m.portsFor(replicaId)
	if err != nil {
		return err
	}
	return m.send(replicaId, "replica", p.Replica, paxos.MsgAllDecisions, msg)
}

func (m *Manager) SendResponse(clientId uint32, msg paxos.Response) error {
	return m.sendToClient(clientId, paxos.MsgResponse, msg)
}

func (m *Manager) SendChatLogResponse(clientId uint32, msg paxos.ChatLogResponse) error {
	return m.sendToClient(clientId, paxos.MsgChatLog, msg)
}

// registerClient remembers which connection a client id arrived on, so
// a later SendResponse/SendChatLogResponse for that id writes back down
// the same socket instead of dialing out.
func (m *Manager) registerClient(clientId uint32, conn net.Conn) {
	m.clientsMu.Lock()
	m.clients[clientId] = conn
	m.clientsMu.Unlock()
}

func (m *Manager) unregisterClient(clientId uint32, conn net.Conn) {
	m.clientsMu.Lock()
	if cur, ok := m.clients[clientId]; ok && cur == conn {
		delete(m.clients, clientId)
	}
	m.clientsMu.Unlock()
}

func (m *Manager) sendToClient(clientId uint32, msgType paxos.MsgType, msg interface{}) error {
	m.clientsMu.Lock()
	conn, found := m.clients[clientId]
	m.clientsMu.Unlock()
	if !found {
		return fmt.Errorf("network: no connection registered for client %d", clientId)
	}
	frame, err := paxos.Encode(msgType, msg)
	if err != nil {
		return err
	}
	if _, err := conn.Write([]byte(frame)); err != nil {
		m.unregisterClient(clientId, conn)
		return err
	}
	return nil
}
