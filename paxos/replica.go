package paxos

import (
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	server "chatpaxos.io/server"
	"chatpaxos.io/server/chatlog"
	"chatpaxos.io/server/internal/actor"
	"chatpaxos.io/server/stats"
)

// Replica is the client-facing role: it turns chat commands into
// proposals, asks the current primary's Leader to drive them to a
// decision, and delivers decided chats back to clients in slot order.
// It also owns the all-clear quiescence barrier: on the primary, it
// starts the barrier by snapshotting its own decisions and broadcasting
// them to every replica; on every replica (primary included), it
// answers once its own decisions catch up to the reference snapshot.
type Replica struct {
	id        uint32
	transport Transport
	logger    log.Logger
	mailbox   *actor.Mailbox[replicaMsg]
	metrics   *stats.Publisher
	heartbeat time.Duration

	slotNum   uint64
	delivered uint64
	proposals map[uint64]Proposal
	decisions map[uint64]Proposal
	performed map[Identity]struct{}
	log       []Proposal

	barrierRef   map[uint64]Proposal
	barrierAcked map[uint32]struct{}
	buffered     []Proposal
	onAllClear   func()
}

type replicaMsg interface{ replicaMsgWitness() }

type replicaMsgChat struct{ msg Chat }
type replicaMsgDecision struct{ msg Decision }
type replicaMsgAllClear struct{}
type replicaMsgAllDecisions struct{ msg AllDecisions }
type replicaMsgChatLogRequest struct{ msg ChatLogRequest }
type replicaMsgSetAllClearCallback struct{ cb func() }
type replicaMsgHeartbeat struct{}
type replicaMsgShutdown struct{}

func (replicaMsgChat) replicaMsgWitness()               {}
func (replicaMsgDecision) replicaMsgWitness()           {}
func (replicaMsgAllClear) replicaMsgWitness()           {}
func (replicaMsgAllDecisions) replicaMsgWitness()       {}
func (replicaMsgChatLogRequest) replicaMsgWitness()     {}
func (replicaMsgSetAllClearCallback) replicaMsgWitness() {}
func (replicaMsgHeartbeat) replicaMsgWitness()          {}
func (replicaMsgShutdown) replicaMsgWitness()           {}

// NewReplica builds a Replica for server id. Slot numbering starts at
// 0. heartbeat is the bounded select-timeout cadence spec §5
// calls for to re-evaluate barrier conditions on a regular beat even
// with no incoming traffic; a value <= 0 falls back to server.Heartbeat.
// metrics may be nil, in which case gauge publishing is skipped.
func NewReplica(id uint32, transport Transport, logger log.Logger, heartbeat time.Duration, metrics *stats.Publisher) *Replica {
	if heartbeat <= 0 {
		heartbeat = server.Heartbeat
	}
	return &Replica{
		id:         id,
		transport:  transport,
		logger:     log.With(logger, "role", "replica"),
		mailbox:    actor.NewMailbox[replicaMsg](),
		metrics:    metrics,
		heartbeat:  heartbeat,
		slotNum:    0,
		delivered:  0,
		proposals:  make(map[uint64]Proposal),
		decisions:  make(map[uint64]Proposal),
		performed:  make(map[Identity]struct{}),
		onAllClear: func() {},
	}
}

func (r *Replica) DeliverChat(msg Chat)                 { r.mailbox.Enqueue(replicaMsgChat{msg}) }
func (r *Replica) DeliverDecision(msg Decision)         { r.mailbox.Enqueue(replicaMsgDecision{msg}) }
func (r *Replica) DeliverAllClear()                     { r.mailbox.Enqueue(replicaMsgAllClear{}) }
func (r *Replica) DeliverAllDecisions(msg AllDecisions) { r.mailbox.Enqueue(replicaMsgAllDecisions{msg}) }
func (r *Replica) DeliverChatLogRequest(msg ChatLogRequest) {
	r.mailbox.Enqueue(replicaMsgChatLogRequest{msg})
}

// SetAllClearCallback installs the function run once this replica next
// completes a barrier it started as primary. The driver connection
// handler calls this immediately before DeliverAllClear for each
// ALLCLEAR request, since the harness issues them one at a time.
func (r *Replica) SetAllClearCallback(cb func()) {
	r.mailbox.Enqueue(replicaMsgSetAllClearCallback{cb})
}

func (r *Replica) Shutdown() { r.mailbox.Enqueue(replicaMsgShutdown{}) }

func (r *Replica) Run() {
	stop := make(chan struct{})
	defer close(stop)
	go r.tickHeartbeat(stop)

	r.mailbox.Loop(func(m replicaMsg) (terminate bool) {
		switch msg := m.(type) {
		case replicaMsgChat:
			r.handleChat(msg.msg)
		case replicaMsgDecision:
			r.handleDecision(msg.msg)
		case replicaMsgAllClear:
			r.handleAllClear()
		case replicaMsgAllDecisions:
			r.handleAllDecisions(msg.msg)
		case replicaMsgChatLogRequest:
			r.handleChatLogRequest(msg.msg)
		case replicaMsgSetAllClearCallback:
			r.onAllClear = msg.cb
		case replicaMsgHeartbeat:
			r.checkBarrier()
		case replicaMsgShutdown:
			return true
		}
		return false
	})
}

// tickHeartbeat is the liveness poke from spec §5: on a fixed cadence it
// nudges the Loop goroutine to re-check the all-clear barrier even if no
// Decision or AllDecisions frame has arrived to trigger that check
// itself. It carries no correctness weight of its own.
func (r *Replica) tickHeartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mailbox.Enqueue(replicaMsgHeartbeat{})
		case <-stop:
			return
		}
	}
}

func (r *Replica) handleChat(msg Chat) {
	id := msg.Proposal.Identity()
	if _, done := r.performed[id]; done {
		return
	}
	for _, p := range r.proposals {
		if p.Identity() == id {
			return
		}
	}
	if r.barrierInProgress() {
		r.buffered = append(r.buffered, msg.Proposal)
		r.publishBuffered()
		return
	}
	r.propose(msg.Proposal)
}

// barrierInProgress reports whether this replica has an all-clear
// barrier outstanding, either because it is itself waiting to catch up
// to a reference decision set (barrierRef) or because, as primary, it
// is waiting on other replicas to ack one it started (barrierAcked).
// New client chats are buffered rather than proposed for the duration,
// per the all-clear barrier's quiescence requirement.
func (r *Replica) barrierInProgress() bool {
	return r.barrierRef != nil || r.barrierAcked != nil
}

// proposeBuffered drains every chat buffered while a barrier was in
// progress, in arrival order, once the barrier clears.
func (r *Replica) proposeBuffered() {
	buffered := r.buffered
	r.buffered = nil
	r.publishBuffered()
	for _, p := range buffered {
		r.handleChat(Chat{Proposal: p})
	}
}

// publishBuffered and publishDecided push the replica's current buffered-
// proposal and decided-slot counts to metrics, if a Publisher was
// supplied.
func (r *Replica) publishBuffered() {
	if r.metrics != nil {
		r.metrics.SetBufferedProposals(len(r.buffered))
	}
}

func (r *Replica) publishDecided() {
	if r.metrics != nil {
		r.metrics.SetDecidedSlots(len(r.decisions))
	}
}

func (r *Replica) propose(p Proposal) {
	slot := r.nextFreeSlot()
	r.proposals[slot] = p
	if err := r.transport.SendPropose(r.transport.PrimaryId(), Propose{Slot: slot, Proposal: p}); err != nil {
		level.Debug(r.logger).Log("msg", "send Propose failed", "err", err)
	}
}

func (r *Replica) nextFreeSlot() uint64 {
	for {
		if _, inDecisions := r.decisions[r.slotNum]; !inDecisions {
			if _, inProposals := r.proposals[r.slotNum]; !inProposals {
				slot := r.slotNum
				r.slotNum++
				return slot
			}
		}
		r.slotNum++
	}
}

func (r *Replica) handleDecision(msg Decision) {
	if _, already := r.decisions[msg.Slot]; already {
		return
	}
	r.decisions[msg.Slot] = msg.Proposal
	r.publishDecided()
	if proposed, found := r.proposals[msg.Slot]; found {
		delete(r.proposals, msg.Slot)
		if !proposed.Equal(msg.Proposal) {
			r.propose(proposed)
		}
	}
	r.perform()
	r.checkBarrier()
}

// perform delivers every contiguous decided slot starting at r.delivered,
// skipping any identity already performed under an earlier slot (a
// proposal can be decided more than once across retries after a
// preemption, but its command is performed only the first time).
func (r *Replica) perform() {
	for {
		p, found := r.decisions[r.delivered]
		if !found {
			return
		}
		id := p.Identity()
		if _, done := r.performed[id]; !done {
			r.performed[id] = struct{}{}
			r.log = append(r.log, p)
			if r.id == r.transport.PrimaryId() {
				if err := r.transport.SendResponse(p.ClientId, Response{Slot: r.delivered, Proposal: p}); err != nil {
					level.Debug(r.logger).Log("msg", "send Response failed", "to", p.ClientId, "err", err)
				}
			}
		}
		r.delivered++
	}
}

func (r *Replica) handleAllClear() {
	if r.id != r.transport.PrimaryId() {
		level.Debug(r.logger).Log("msg", "ignoring all-clear request on non-primary replica")
		return
	}
	snapshot := r.snapshotDecisions()
	r.barrierRef = snapshot
	r.barrierAcked = make(map[uint32]struct{}, len(r.transport.ReplicaIds()))
	ad := AllDecisions{FromServerId: r.id, Decisions: snapshot}
	for _, rid := range r.transport.ReplicaIds() {
		if rid == r.id {
			r.handleAllDecisions(ad)
			continue
		}
		if err := r.transport.SendAllDecisions(rid, ad); err != nil {
			level.Debug(r.logger).Log("msg", "send AllDecisions failed", "to", rid, "err", err)
		}
	}
}

func (r *Replica) handleAllDecisions(msg AllDecisions) {
	if msg.FromServerId == r.transport.PrimaryId() && r.id != r.transport.PrimaryId() {
		r.barrierRef = msg.Decisions
		r.checkBarrier()
		return
	}
	if r.id == r.transport.PrimaryId() {
		if r.barrierAcked == nil {
			return
		}
		r.barrierAcked[msg.FromServerId] = struct{}{}
		if len(r.barrierAcked) == len(r.transport.ReplicaIds()) {
			r.barrierRef = nil
			r.barrierAcked = nil
			r.onAllClear()
			r.proposeBuffered()
		}
	}
}

// checkBarrier re-evaluates an outstanding barrier request against the
// current decisions set every time a new slot is decided, and
// acknowledges the primary as soon as this replica has caught up.
func (r *Replica) checkBarrier() {
	if r.barrierRef == nil {
		return
	}
	for slot, want := range r.barrierRef {
		got, found := r.decisions[slot]
		if !found || !got.Equal(want) {
			return
		}
	}
	ack := AllDecisions{FromServerId: r.id, Decisions: r.snapshotDecisions()}
	ref := r.barrierRef
	r.barrierRef = nil
	if r.id == r.transport.PrimaryId() {
		r.handleAllDecisions(AllDecisions{FromServerId: r.id, Decisions: ref})
		return
	}
	if err := r.transport.SendAllDecisions(r.transport.PrimaryId(), ack); err != nil {
		level.Debug(r.logger).Log("msg", "send barrier ack failed", "err", err)
	}
	r.proposeBuffered()
}

func (r *Replica) snapshotDecisions() map[uint64]Proposal {
	snap := make(map[uint64]Proposal, len(r.decisions))
	for slot, p := range r.decisions {
		snap[slot] = p
	}
	return snap
}

func (r *Replica) handleChatLogRequest(msg ChatLogRequest) {
	lines := make([]string, 0, len(r.log))
	for _, p := range r.log {
		lines = append(lines, chatlog.FormatLine(p.ClientId, p.ChatId, p.Payload))
	}
	resp := ChatLogResponse{ClientId: msg.ClientId, Lines: lines}
	if err := r.transport.SendChatLogResponse(msg.ClientId, resp); err != nil {
		level.Debug(r.logger).Log("msg", "send ChatLogResponse failed", "err", err)
	}
}
