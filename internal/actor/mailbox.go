// Package actor is the channel-cell actor substrate the long-lived
// roles (Acceptor, Leader, Replica) and stats.Publisher run on. It is adapted from the actor-loop-over-a-chancell pattern in
// goshawkdb.io/server/network.ConnectionManager (enqueueQueryInner /
// actorLoop / cellTail), built on the real github.com/msackman/chancell
// primitive so that growing the mailbox never drops a message mid-resize.
//
// Spec §5 calls for "parallel activities communicating via channels",
// each owning its own state and reached only by message send. Mailbox is
// that channel.
package actor

import (
	cc "github.com/msackman/chancell"
)

// Mailbox is a typed, growable inbox for a single long-lived activity.
// The zero value is not usable; construct with NewMailbox.
type Mailbox[M any] struct {
	head      *cc.ChanCellHead
	tail      *cc.ChanCellTail
	enqueue   func(M, *cc.ChanCell, cc.CurCellConsumer) (bool, cc.CurCellConsumer)
	queryChan <-chan M
}

// NewMailbox creates a Mailbox ready to receive. Call Loop from the
// owning goroutine to start consuming it.
func NewMailbox[M any]() *Mailbox[M] {
	mb := &Mailbox[M]{}
	mb.head, mb.tail = cc.NewChanCellTail(
		func(n int, cell *cc.ChanCell) {
			ch := make(chan M, n)
			cell.Open = func() { mb.queryChan = ch }
			cell.Close = func() { close(ch) }
			mb.enqueue = func(msg M, curCell *cc.ChanCell, cont cc.CurCellConsumer) (bool, cc.CurCellConsumer) {
				if curCell == cell {
					select {
					case ch <- msg:
						return true, nil
					default:
						return false, nil
					}
				}
				return false, cont
			}
		})
	return mb
}

type enqueueCapture[M any] struct {
	mb  *Mailbox[M]
	msg M
}

func (ec *enqueueCapture[M]) ccc(cell *cc.ChanCell) (bool, cc.CurCellConsumer) {
	return ec.mb.enqueue(ec.msg, cell, ec.ccc)
}

// Enqueue posts msg without blocking for processing. It returns false
// only once the mailbox has been shut down.
func (mb *Mailbox[M]) Enqueue(msg M) bool {
	ec := &enqueueCapture[M]{mb: mb, msg: msg}
	return mb.tail.WithCell(ec.ccc)
}

// Loop runs handle for every message until handle returns true
// (terminate) or the mailbox is shut down. It must be called from a
// single goroutine, and is the only goroutine allowed to read the
// activity's owned state: cross-role access always goes through a
// message, never a shared pointer.
func (mb *Mailbox[M]) Loop(handle func(M) (terminate bool)) {
	var (
		queryChan <-chan M
		queryCell *cc.ChanCell
	)
	chanFun := func(cell *cc.ChanCell) { queryChan, queryCell = mb.queryChan, cell }
	mb.head.WithCell(chanFun)
	terminate := false
	for !terminate {
		if msg, ok := <-queryChan; ok {
			terminate = handle(msg)
		} else {
			mb.head.Next(queryCell, chanFun)
		}
	}
	mb.tail.Terminate()
}
