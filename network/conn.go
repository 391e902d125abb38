package network

import (
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	server "chatpaxos.io/server"
)

// outConn is a lazily-dialed, auto-redialing one-way pipe to a single
// remote role socket. Send writes to an already-open socket, or dials
// inline (bounded by a 2-second dial timeout) when none is open; while
// backing off from a failed dial it fails fast without dialing. A failed dial backs off the next attempt using
// the same BinaryBackoffEngine the connection layer uses elsewhere; a
// clean dial shrinks it back toward the floor.
type outConn struct {
	addr     string
	logger   log.Logger
	backoff  *server.BinaryBackoffEngine
	onChange func(connected bool)

	mu          sync.Mutex
	conn        net.Conn
	nextAttempt time.Time
}

// newOutConn builds an outConn. onChange, if non-nil, is called with true
// each time a dial succeeds and with false each time the connection is
// dropped, so the caller can keep a live count of established peer
// sockets (Manager uses this to drive the connected-peers gauge).
func newOutConn(addr string, logger log.Logger, onChange func(connected bool)) *outConn {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(addr))))
	return &outConn{
		addr:     addr,
		logger:   logger,
		onChange: onChange,
		backoff: server.NewBinaryBackoffEngine(
			rng, server.ConnectionRestartDelayMin, server.ConnectionRestartDelayMax),
	}
}

// Send writes frame to the peer, dialing first if there is no live
// connection. A write error drops the connection so the next Send
// redials. While backing off from a recent dial failure, Send fails
// fast without attempting another dial.
func (c *outConn) Send(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if now := time.Now(); now.Before(c.nextAttempt) {
			return fmt.Errorf("network: %s backing off until %s", c.addr, c.nextAttempt)
		}
		conn, err := net.DialTimeout("tcp", c.addr, 2*time.Second)
		if err != nil {
			c.backoff.Advance()
			c.nextAttempt = time.Now().Add(c.backoff.Cur)
			level.Debug(c.logger).Log("msg", "dial failed", "addr", c.addr, "err", err)
			return err
		}
		c.conn = conn
		c.backoff.Shrink(0)
		if c.onChange != nil {
			c.onChange(true)
		}
	}
	if _, err := io.WriteString(c.conn, frame); err != nil {
		c.conn.Close()
		c.conn = nil
		if c.onChange != nil {
			c.onChange(false)
		}
		return err
	}
	return nil
}

func (c *outConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		if c.onChange != nil {
			c.onChange(false)
		}
	}
}
