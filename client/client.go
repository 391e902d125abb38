// Package client is a thin driver-facing chat client: one TCP
// connection to a server's client port, used to submit chats and
// observe the replica's slot-ordered delivery of decided chats back.
package client

import (
	"fmt"
	"net"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"chatpaxos.io/server/paxos"
)

// Client is one chat participant's connection to a server. It owns no
// Paxos state; it only encodes outgoing commands and decodes whatever
// the server writes back.
type Client struct {
	id     uint32
	conn   net.Conn
	logger log.Logger

	writeMu sync.Mutex

	responses chan paxos.Response
	chatLogs  chan paxos.ChatLogResponse
}

// Dial connects to a server's client port as client id and starts
// reading frames off the connection in the background.
func Dial(id uint32, addr string, logger log.Logger) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c := &Client{
		id:        id,
		conn:      conn,
		logger:    log.With(logger, "component", "client", "client_id", id),
		responses: make(chan paxos.Response, 64),
		chatLogs:  make(chan paxos.ChatLogResponse, 8),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.responses)
	defer close(c.chatLogs)
	var splitter paxos.FrameSplitter
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			for _, frame := range splitter.Feed(string(buf[:n])) {
				c.dispatch(frame)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) dispatch(frame string) {
	t, msg, err := paxos.Decode(frame)
	if err != nil {
		level.Debug(c.logger).Log("msg", "decode failed", "err", err)
		return
	}
	switch v := msg.(type) {
	case paxos.Response:
		c.responses <- v
	case paxos.ChatLogResponse:
		c.chatLogs <- v
	default:
		level.Debug(c.logger).Log("msg", "unexpected message from server", "type", t)
	}
}

// Responses yields every decided chat this client observes, in slot
// order, until the connection closes.
func (c *Client) Responses() <-chan paxos.Response { return c.responses }

// ChatLogs yields this client's chat log dumps as the server answers
// RequestChatLog calls.
func (c *Client) ChatLogs() <-chan paxos.ChatLogResponse { return c.chatLogs }

// Send submits one chat command. chatId paired with this client's id
// must be unique per chat so the replica can dedup retries.
func (c *Client) Send(chatId uint64, payload string) error {
	frame, err := paxos.Encode(paxos.MsgChat, paxos.Chat{
		Proposal: paxos.Proposal{ClientId: c.id, ChatId: chatId, Payload: payload},
	})
	if err != nil {
		return err
	}
	return c.write(frame)
}

// RequestChatLog asks the server to dump this client's view of the
// delivered log; the answer arrives on ChatLogs.
func (c *Client) RequestChatLog() error {
	frame, err := paxos.Encode(paxos.MsgChatLog, paxos.ChatLogRequest{ClientId: c.id})
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Client) write(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write([]byte(frame))
	return err
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
