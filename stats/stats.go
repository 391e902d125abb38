// Package stats publishes the small set of gauges an operator watches
// while the cluster drives chats to decision: how many peer role
// sockets are up, where each leader's ballot currently sits, how many
// slots have been decided, and how many client chats a replica is
// holding back while an all-clear barrier is in progress. It is modeled on goshawkdb.io/server/stats's
// actor-driven publisher, trimmed of the capnproto config-transaction
// machinery that publisher used to push state into the database: here
// there is no database, so Publisher only ever pushes into Prometheus.
package stats

import (
	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"chatpaxos.io/server/internal/actor"
)

// Metrics are the gauges a Publisher owns, registered once at process
// start against the default registry (or any registerer the caller
// supplies, so cmd/server can mount them under /metrics).
type Metrics struct {
	ConnectedPeers   prometheus.Gauge
	LeaderBallotSeq  prometheus.Gauge
	DecidedSlots     prometheus.Gauge
	BufferedProposal prometheus.Gauge
}

// NewMetrics constructs and registers the gauge set for one server id.
func NewMetrics(reg prometheus.Registerer, serverId uint32) *Metrics {
	labels := prometheus.Labels{"server_id": uint32Label(serverId)}
	m := &Metrics{
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "chatpaxos",
			Name:        "connected_peers",
			Help:        "Number of peer role sockets currently established.",
			ConstLabels: labels,
		}),
		LeaderBallotSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "chatpaxos",
			Name:        "leader_ballot_seq",
			Help:        "This server's leader's current ballot sequence number.",
			ConstLabels: labels,
		}),
		DecidedSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "chatpaxos",
			Name:        "decided_slots",
			Help:        "Number of slots this server's replica has learned a decision for.",
			ConstLabels: labels,
		}),
		BufferedProposal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "chatpaxos",
			Name:        "buffered_proposals",
			Help:        "Number of client chats this server's replica is holding back during an all-clear barrier.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.ConnectedPeers, m.LeaderBallotSeq, m.DecidedSlots, m.BufferedProposal)
	return m
}

func uint32Label(v uint32) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = hextable[v&0xf]
		v >>= 4
	}
	return string(buf)
}

// update is one gauge set; Publisher applies the latest pending update
// on its own goroutine so callers (Acceptor/Leader/Replica) never block
// on a Prometheus collector.
type update struct {
	peers    *int
	seq      *uint64
	decided  *int
	buffered *int
}

// Publisher serializes gauge updates from every role behind a single
// mailbox, the same actor-loop shape paxos.Acceptor and paxos.Leader
// use, so metrics never need their own locking.
type Publisher struct {
	metrics *Metrics
	logger  log.Logger
	mailbox *actor.Mailbox[publisherMsg]
}

type publisherMsg interface{ publisherMsgWitness() }

type publisherMsgUpdate struct{ u update }
type publisherMsgShutdown struct{}

func (publisherMsgUpdate) publisherMsgWitness()   {}
func (publisherMsgShutdown) publisherMsgWitness() {}

func NewPublisher(metrics *Metrics, logger log.Logger) *Publisher {
	return &Publisher{
		metrics: metrics,
		logger:  log.With(logger, "subsystem", "stats"),
		mailbox: actor.NewMailbox[publisherMsg](),
	}
}

func (p *Publisher) Run() {
	p.mailbox.Loop(func(m publisherMsg) (terminate bool) {
		switch msg := m.(type) {
		case publisherMsgUpdate:
			p.apply(msg.u)
		case publisherMsgShutdown:
			return true
		}
		return false
	})
}

func (p *Publisher) Shutdown() { p.mailbox.Enqueue(publisherMsgShutdown{}) }

func (p *Publisher) apply(u update) {
	if u.peers != nil {
		p.metrics.ConnectedPeers.Set(float64(*u.peers))
	}
	if u.seq != nil {
		p.metrics.LeaderBallotSeq.Set(float64(*u.seq))
	}
	if u.decided != nil {
		p.metrics.DecidedSlots.Set(float64(*u.decided))
	}
	if u.buffered != nil {
		p.metrics.BufferedProposal.Set(float64(*u.buffered))
	}
}

func (p *Publisher) SetConnectedPeers(n int)   { p.enqueue(update{peers: &n}) }
func (p *Publisher) SetLeaderBallotSeq(s uint64) { p.enqueue(update{seq: &s}) }
func (p *Publisher) SetDecidedSlots(n int)     { p.enqueue(update{decided: &n}) }
func (p *Publisher) SetBufferedProposals(n int) { p.enqueue(update{buffered: &n}) }

func (p *Publisher) enqueue(u update) { p.mailbox.Enqueue(publisherMsgUpdate{u}) }
