package paxos

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"chatpaxos.io/server/internal/actor"
	"chatpaxos.io/server/stats"
)

// rescoutInterval bounds how often a leader may spawn a fresh Scout, so
// a leader stuck in a preempt/re-scout cycle against a stable, higher
// ballot doesn't spin a socket storm.
const rescoutInterval = 50 * time.Millisecond

// Leader owns a ballot_num, an active flag, and the map of slots it is
// trying to get decided. It spawns exactly one live Scout at a time to
// acquire a ballot, and one Commander per slot it drives through Phase
// 2 once active. Like Acceptor, all of this state is touched only from
// the goroutine running Run.
type Leader struct {
	id        uint32
	transport Transport
	logger    log.Logger
	mailbox   *actor.Mailbox[leaderMsg]
	metrics   *stats.Publisher

	ballotNum Ballot
	active    bool
	proposals map[uint64]Proposal

	scout      *Scout
	scoutLimit *rate.Limiter
	commanders map[uint64]*Commander

	// timeBombRemaining implements TIMEBOMBLEADER: once armed (>= 0), it
	// counts down on every decision this leader drives to completion;
	// reaching zero closes timeBombFired so the owning process can exit,
	// modeling a leader crash for failover testing. -1 means disarmed.
	timeBombRemaining int
	timeBombFired     chan struct{}
}

type leaderMsg interface{ leaderMsgWitness() }

type leaderMsgPropose struct{ msg Propose }
type leaderMsgAdopted struct{ msg Adopted }
type leaderMsgPreempted struct{ msg Preempted }
type leaderMsgP1B struct{ msg P1B }
type leaderMsgP2B struct{ msg P2B }
type leaderMsgScoutStarted struct{ scout *Scout }
type leaderMsgDecided struct{ slot uint64 }
type leaderMsgArmTimeBomb struct{ k int }
type leaderMsgShutdown struct{}

func (leaderMsgPropose) leaderMsgWitness()      {}
func (leaderMsgAdopted) leaderMsgWitness()      {}
func (leaderMsgPreempted) leaderMsgWitness()    {}
func (leaderMsgP1B) leaderMsgWitness()          {}
func (leaderMsgP2B) leaderMsgWitness()          {}
func (leaderMsgScoutStarted) leaderMsgWitness() {}
func (leaderMsgDecided) leaderMsgWitness()      {}
func (leaderMsgArmTimeBomb) leaderMsgWitness()  {}
func (leaderMsgShutdown) leaderMsgWitness()     {}

// NewLeader builds a Leader for server id. metrics may be nil, in which
// case ballot-sequence publishing is skipped.
func NewLeader(id uint32, transport Transport, logger log.Logger, metrics *stats.Publisher) *Leader {
	return &Leader{
		id:                id,
		transport:         transport,
		logger:            log.With(logger, "role", "leader"),
		mailbox:           actor.NewMailbox[leaderMsg](),
		metrics:           metrics,
		ballotNum:         ZeroBallot(id),
		proposals:         make(map[uint64]Proposal),
		scoutLimit:        rate.NewLimiter(rate.Every(rescoutInterval), 1),
		commanders:        make(map[uint64]*Commander),
		timeBombRemaining: -1,
		timeBombFired:     make(chan struct{}),
	}
}

func (l *Leader) DeliverPropose(msg Propose)     { l.mailbox.Enqueue(leaderMsgPropose{msg}) }
func (l *Leader) DeliverP1B(msg P1B)             { l.mailbox.Enqueue(leaderMsgP1B{msg}) }
func (l *Leader) DeliverP2B(msg P2B)             { l.mailbox.Enqueue(leaderMsgP2B{msg}) }
func (l *Leader) deliverAdopted(msg Adopted)     { l.mailbox.Enqueue(leaderMsgAdopted{msg}) }
func (l *Leader) deliverPreempted(msg Preempted) { l.mailbox.Enqueue(leaderMsgPreempted{msg}) }
func (l *Leader) deliverDecided(slot uint64)     { l.mailbox.Enqueue(leaderMsgDecided{slot}) }
func (l *Leader) Shutdown()                      { l.mailbox.Enqueue(leaderMsgShutdown{}) }

// ArmTimeBomb implements TIMEBOMBLEADER k: after this leader has driven
// k further proposals to decision, TimeBombFired closes.
func (l *Leader) ArmTimeBomb(k int) { l.mailbox.Enqueue(leaderMsgArmTimeBomb{k}) }

// TimeBombFired closes once an armed time bomb has counted down to
// zero. cmd/server selects on it to exit the process.
func (l *Leader) TimeBombFired() <-chan struct{} { return l.timeBombFired }

// Run starts the leader's activity loop and its first Scout.
func (l *Leader) Run() {
	l.publishBallot()
	go l.spawnScout(l.ballotNum)
	l.mailbox.Loop(func(m leaderMsg) (terminate bool) {
		switch msg := m.(type) {
		case leaderMsgPropose:
			l.handlePropose(msg.msg)
		case leaderMsgAdopted:
			l.handleAdopted(msg.msg)
		case leaderMsgPreempted:
			l.handlePreempted(msg.msg)
		case leaderMsgP1B:
			if l.scout != nil {
				l.scout.Deliver(msg.msg)
			}
		case leaderMsgP2B:
			if c, found := l.commanders[msg.msg.Slot]; found {
				c.Deliver(msg.msg)
			}
		case leaderMsgScoutStarted:
			l.scout = msg.scout
		case leaderMsgDecided:
			delete(l.commanders, msg.slot)
			l.countDownTimeBomb()
		case leaderMsgArmTimeBomb:
			l.timeBombRemaining = msg.k
			if msg.k == 0 {
				close(l.timeBombFired)
				l.timeBombRemaining = -1
			}
		case leaderMsgShutdown:
			return true
		}
		return false
	})
}

// countDownTimeBomb decrements an armed time bomb and fires it once it
// reaches zero. A disarmed bomb (timeBombRemaining < 0) is a no-op.
func (l *Leader) countDownTimeBomb() {
	if l.timeBombRemaining < 0 {
		return
	}
	l.timeBombRemaining--
	if l.timeBombRemaining == 0 {
		close(l.timeBombFired)
		l.timeBombRemaining = -1
	}
}

// spawnScout waits out the re-scout rate limit, builds a Scout for
// ballot (captured by the caller from the Loop goroutine before
// spawning, so this goroutine never reads l.ballotNum directly),
// publishes it back onto the leader's own mailbox so only the Loop
// goroutine ever assigns l.scout, and then runs it to completion. Call
// via `go l.spawnScout(ballot)`.
func (l *Leader) spawnScout(ballot Ballot) {
	_ = l.scoutLimit.Wait(context.Background())
	s := NewScout(l.id, ballot, l.transport, l, l.logger)
	l.mailbox.Enqueue(leaderMsgScoutStarted{scout: s})
	s.Run()
}

func (l *Leader) handlePropose(msg Propose) {
	if _, found := l.proposals[msg.Slot]; found {
		return
	}
	l.proposals[msg.Slot] = msg.Proposal
	if l.active {
		l.spawnCommander(msg.Slot, msg.Proposal)
	}
}

func (l *Leader) handleAdopted(msg Adopted) {
	if !msg.Ballot.Equal(l.ballotNum) {
		return
	}
	l.active = true
	update := Pmax(msg.Pvalues)
	l.proposals = Pairxor(l.proposals, update)
	for slot, proposal := range l.proposals {
		l.spawnCommander(slot, proposal)
	}
}

func (l *Leader) handlePreempted(msg Preempted) {
	if msg.Ballot.Greater(l.ballotNum) {
		l.active = false
		l.ballotNum = IncrementPast(msg.Ballot, l.id)
		l.publishBallot()
		level.Debug(l.logger).Log("msg", "preempted, re-scouting", "ballot", l.ballotNum.String())
		go l.spawnScout(l.ballotNum)
	}
}

// publishBallot pushes the current ballot sequence number to metrics, if
// a Publisher was supplied.
func (l *Leader) publishBallot() {
	if l.metrics != nil {
		l.metrics.SetLeaderBallotSeq(l.ballotNum.SeqNum)
	}
}

func (l *Leader) spawnCommander(slot uint64, proposal Proposal) {
	triple := Triple{Ballot: l.ballotNum, Slot: slot, Proposal: proposal}
	c := NewCommander(triple, l.transport, l, l.logger)
	l.commanders[slot] = c
	go c.Run()
}
