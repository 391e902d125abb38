package paxos

import (
	"testing"
	"time"

	"github.com/go-kit/kit/log"
)

// fakeCluster wires a small number of in-process Acceptor/Leader/Replica
// triples together through channel sends instead of real sockets, the
// same in-process simulation shape as _examples/dedis-tlc's testNode/
// testRun harness: every role runs its own goroutine via its usual Run
// method, and fakeTransport routes each Send call straight to the
// target node's Deliver method rather than a dialed connection.
type fakeCluster struct {
	ids       []uint32
	nodes     map[uint32]*clusterNode
	responses chan Response
	chatLogs  chan ChatLogResponse
}

type clusterNode struct {
	acceptor *Acceptor
	leader   *Leader
	replica  *Replica
}

type fakeTransport struct {
	self    uint32
	cluster *fakeCluster
}

func (t fakeTransport) Self() uint32          { return t.self }
func (t fakeTransport) AcceptorIds() []uint32 { return t.cluster.ids }
func (t fakeTransport) ReplicaIds() []uint32  { return t.cluster.ids }
func (t fakeTransport) Majority() int         { return len(t.cluster.ids)/2 + 1 }
func (t fakeTransport) PrimaryId() uint32     { return t.cluster.ids[0] }

func (t fakeTransport) SendP1A(acceptorId uint32, msg P1A) error {
	t.cluster.nodes[acceptorId].acceptor.DeliverP1A(msg)
	return nil
}
func (t fakeTransport) SendP1B(leaderId uint32, msg P1B) error {
	t.cluster.nodes[leaderId].leader.DeliverP1B(msg)
	return nil
}
func (t fakeTransport) SendP2A(acceptorId uint32, msg P2A) error {
	t.cluster.nodes[acceptorId].acceptor.DeliverP2A(msg)
	return nil
}
func (t fakeTransport) SendP2B(leaderId uint32, msg P2B) error {
	t.cluster.nodes[leaderId].leader.DeliverP2B(msg)
	return nil
}
func (t fakeTransport) SendDecision(replicaId uint32, msg Decision) error {
	t.cluster.nodes[replicaId].replica.DeliverDecision(msg)
	return nil
}
func (t fakeTransport) SendPropose(leaderId uint32, msg Propose) error {
	t.cluster.nodes[leaderId].leader.DeliverPropose(msg)
	return nil
}
func (t fakeTransport) SendAllDecisions(replicaId uint32, msg AllDecisions) error {
	t.cluster.nodes[replicaId].replica.DeliverAllDecisions(msg)
	return nil
}
// SendResponse and SendChatLogResponse only actually reach the client
// from the primary's transport: in the real network.Manager, a client
// only ever dials the primary's client port, so only that server has
// the client's connection registered and every other replica's send
// would find no registered connection. The fake mirrors that by
// dropping sends from non-primary nodes instead of recording them.
func (t fakeTransport) SendResponse(clientId uint32, msg Response) error {
	if t.self != t.PrimaryId() {
		return nil
	}
	t.cluster.responses <- msg
	return nil
}
func (t fakeTransport) SendChatLogResponse(clientId uint32, msg ChatLogResponse) error {
	if t.self != t.PrimaryId() {
		return nil
	}
	t.cluster.chatLogs <- msg
	return nil
}

// newFakeCluster builds n nodes with ids 0..n-1, id 0 is the static
// primary, and starts every role's activity loop.
func newFakeCluster(t *testing.T, n int) *fakeCluster {
	t.Helper()
	logger := log.NewNopLogger()

	c := &fakeCluster{
		nodes:     make(map[uint32]*clusterNode, n),
		responses: make(chan Response, 64),
		chatLogs:  make(chan ChatLogResponse, 8),
	}
	for i := 0; i < n; i++ {
		c.ids = append(c.ids, uint32(i))
	}
	for _, id := range c.ids {
		tr := fakeTransport{self: id, cluster: c}
		c.nodes[id] = &clusterNode{
			acceptor: NewAcceptor(id, tr, logger),
			leader:   NewLeader(id, tr, logger, nil),
			replica:  NewReplica(id, tr, logger, 0, nil),
		}
	}
	for _, node := range c.nodes {
		go node.acceptor.Run()
		go node.leader.Run()
		go node.replica.Run()
	}
	t.Cleanup(func() {
		for _, node := range c.nodes {
			node.acceptor.Shutdown()
			node.leader.Shutdown()
			node.replica.Shutdown()
		}
	})
	return c
}

func (c *fakeCluster) primary() *clusterNode { return c.nodes[c.ids[0]] }

func awaitResponse(t *testing.T, ch <-chan Response, timeout time.Duration) Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for a Response")
		return Response{}
	}
}

func TestClusterDecidesSubmittedChats(t *testing.T) {
	c := newFakeCluster(t, 3)

	want := []Proposal{
		{ClientId: 1, ChatId: 1, Payload: "hello"},
		{ClientId: 1, ChatId: 2, Payload: "world"},
		{ClientId: 2, ChatId: 1, Payload: "hi"},
	}
	for _, p := range want {
		c.primary().replica.DeliverChat(Chat{Proposal: p})
	}

	seen := make(map[Identity]Proposal, len(want))
	for i := 0; i < len(want); i++ {
		r := awaitResponse(t, c.responses, 5*time.Second)
		seen[r.Proposal.Identity()] = r.Proposal
	}
	for _, p := range want {
		got, ok := seen[p.Identity()]
		if !ok {
			t.Fatalf("never saw a decision for %v", p)
		}
		if !got.Equal(p) {
			t.Fatalf("decided proposal = %+v, want %+v", got, p)
		}
	}
}

func TestClusterDedupsRepeatedChat(t *testing.T) {
	c := newFakeCluster(t, 3)

	p := Proposal{ClientId: 1, ChatId: 1, Payload: "only once"}
	c.primary().replica.DeliverChat(Chat{Proposal: p})
	r := awaitResponse(t, c.responses, 5*time.Second)
	if !r.Proposal.Equal(p) {
		t.Fatalf("first decision = %+v, want %+v", r.Proposal, p)
	}

	// Re-submitting the same (client_id, chat_id) must not produce a
	// second decision: the replica has already performed this identity.
	c.primary().replica.DeliverChat(Chat{Proposal: p})
	select {
	case r := <-c.responses:
		t.Fatalf("unexpected second Response for a repeated chat: %+v", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClusterAllClearBarrierBuffersAndDrains(t *testing.T) {
	c := newFakeCluster(t, 3)
	primary := c.primary()

	first := Proposal{ClientId: 1, ChatId: 1, Payload: "before barrier"}
	primary.replica.DeliverChat(Chat{Proposal: first})
	awaitResponse(t, c.responses, 5*time.Second)

	done := make(chan struct{})
	primary.replica.SetAllClearCallback(func() { close(done) })
	primary.replica.DeliverAllClear()

	// A chat submitted while the barrier is outstanding must be buffered
	// rather than proposed immediately, then drained once the barrier
	// clears across every replica.
	buffered := Proposal{ClientId: 1, ChatId: 2, Payload: "during barrier"}
	primary.replica.DeliverChat(Chat{Proposal: buffered})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("all-clear barrier never completed")
	}

	r := awaitResponse(t, c.responses, 5*time.Second)
	if !r.Proposal.Equal(buffered) {
		t.Fatalf("buffered chat decided as %+v, want %+v", r.Proposal, buffered)
	}
}
