// Command client is one chat participant's process: it dials the
// current primary's client port to submit chats and receive decided
// responses, and listens on its own driver-facing port for the
// SENDMESSAGE/PRINTCHATLOG commands the driver relays from the
// harness's stdin command stream.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"chatpaxos.io/server/client"
	"chatpaxos.io/server/configuration"
	"chatpaxos.io/server/paxos"
)

func main() {
	var id uint
	var listenPort, numClients int
	var portsPath string

	flag.UintVar(&id, "id", 0, "This client's id.")
	flag.IntVar(&listenPort, "listen", 0, "Port to accept the driver's command connection on.")
	flag.IntVar(&numClients, "numclients", 0, "Number of clients the ports file names.")
	flag.StringVar(&portsPath, "ports", "", "`Path` to the ports file written by the driver.")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "component", "client", "ClientId", id)

	ports, err := configuration.LoadPorts(portsPath, numClients)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load ports file", "err", err)
		os.Exit(1)
	}
	serverIds := make([]uint32, len(ports.Servers))
	for i := range serverIds {
		serverIds[i] = uint32(i)
	}
	topology := configuration.NewTopology(serverIds)
	primary := ports.Servers[topology.PrimaryId]

	c, err := client.Dial(uint32(id), fmt.Sprintf("127.0.0.1:%d", primary.Client), logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to dial primary", "err", err)
		os.Exit(1)
	}
	go drainResponses(c, logger)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		level.Error(logger).Log("msg", "failed to listen for driver", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "startup complete")

	for {
		conn, err := ln.Accept()
		if err != nil {
			level.Error(logger).Log("msg", "accept failed", "err", err)
			return
		}
		go serveDriver(conn, uint32(id), c, logger)
	}
}

// drainResponses discards decided-chat pushes from the primary; a real
// chat UI (an external collaborator this spec does not define) would
// render them instead.
func drainResponses(c *client.Client, logger log.Logger) {
	for range c.Responses() {
	}
}

type chatIdCounter struct{ next uint64 }

func (c *chatIdCounter) take() uint64 {
	id := c.next
	c.next++
	return id
}

func serveDriver(conn net.Conn, id uint32, c *client.Client, logger log.Logger) {
	defer conn.Close()
	var splitter paxos.FrameSplitter
	var counter chatIdCounter
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range splitter.Feed(string(buf[:n])) {
				handleDriverFrame(frame, conn, id, c, &counter, logger)
			}
		}
		if err != nil {
			return
		}
	}
}

func handleDriverFrame(frame string, conn net.Conn, id uint32, c *client.Client, counter *chatIdCounter, logger log.Logger) {
	t, msg, err := paxos.Decode(frame)
	if err != nil {
		level.Debug(logger).Log("msg", "decode failed", "err", err)
		return
	}
	switch v := msg.(type) {
	case paxos.SendMessage:
		if err := c.Send(counter.take(), v.Payload); err != nil {
			level.Debug(logger).Log("msg", "send chat failed", "err", err)
		}
	case paxos.ChatLogRequest:
		if err := c.RequestChatLog(); err != nil {
			level.Debug(logger).Log("msg", "request chat log failed", "err", err)
			return
		}
		resp, ok := <-c.ChatLogs()
		if !ok {
			return
		}
		frame, err := paxos.Encode(paxos.MsgChatLog, resp)
		if err != nil {
			level.Debug(logger).Log("msg", "encode chat log response failed", "err", err)
			return
		}
		if _, err := conn.Write([]byte(frame)); err != nil {
			level.Debug(logger).Log("msg", "write chat log response to driver failed", "err", err)
		}
	default:
		level.Debug(logger).Log("msg", "unexpected message from driver", "type", t)
	}
}
