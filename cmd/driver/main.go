// Command driver is the test harness described in spec §6: it reads
// line-oriented commands from stdin, spawns cmd/server and cmd/client
// processes, allocates and writes the ports file every spawned process
// reads its assignment from, and drives the START / SENDMESSAGE /
// CRASHSERVER / RESTARTSERVER / ALLCLEAR / TIMEBOMBLEADER /
// PRINTCHATLOG command table against them. It is an external
// collaborator per §1: everything it does is orchestration (process
// spawn, ports-file IO, the stdin command loop); the Paxos logic it
// drives lives entirely in the paxos package.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/oklog/ulid/v2"

	"chatpaxos.io/server/chatlog"
	"chatpaxos.io/server/configuration"
	"chatpaxos.io/server/paxos"
)

const defaultChatLogPath = "chatlog.txt"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Optional `path` to a driver-config TOML override file.")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "component", "driver")

	cfg, err := configuration.LoadDriverConfig(configPath)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load driver config", "err", err)
		os.Exit(1)
	}
	chatLogPath := defaultChatLogPath
	if cfg.ChatLogPath != "" {
		chatLogPath = cfg.ChatLogPath
	}

	d := &driver{
		logger:   logger,
		servers:  make(map[uint32]*procHandle),
		clients:  make(map[uint32]*procHandle),
		portsDir: mustTempDir(),
	}
	d.chatLog = chatlog.NewWriter(chatLogPath)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := d.dispatch(line); err != nil {
			level.Error(d.logger).Log("msg", "command failed", "line", line, "err", err)
		}
	}
}

func mustTempDir() string {
	dir, err := os.MkdirTemp("", "chatpaxos-driver-"+ulid.Make().String())
	if err != nil {
		panic(err)
	}
	return dir
}

// procHandle is a spawned server or client process plus the driver's
// own persistent control connection to its harness-facing port.
type procHandle struct {
	cmd  *exec.Cmd
	id   uint32
	addr string

	mu       sync.Mutex
	conn     net.Conn
	inbox    chan string
	splitter paxos.FrameSplitter
}

func (p *procHandle) dial() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil
	}
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", p.addr)
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("driver: dial %s: %w", p.addr, err)
	}
	p.conn = conn
	p.inbox = make(chan string, 16)
	go p.readLoop()
	return nil
}

func (p *procHandle) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			for _, frame := range p.splitter.Feed(string(buf[:n])) {
				p.inbox <- frame
			}
		}
		if err != nil {
			close(p.inbox)
			return
		}
	}
}

func (p *procHandle) send(msgType paxos.MsgType, msg interface{}) error {
	frame, err := paxos.Encode(msgType, msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	_, err = conn.Write([]byte(frame))
	return err
}

func (p *procHandle) awaitFrame(timeout time.Duration) (paxos.MsgType, interface{}, error) {
	select {
	case frame, ok := <-p.inbox:
		if !ok {
			return "", nil, fmt.Errorf("driver: connection to %s closed", p.addr)
		}
		return paxos.Decode(frame)
	case <-time.After(timeout):
		return "", nil, fmt.Errorf("driver: timed out waiting for reply from %s", p.addr)
	}
}

type driver struct {
	logger   log.Logger
	portsDir string
	ports    *configuration.Ports
	topology *configuration.Topology

	numServers, numClients int
	servers                map[uint32]*procHandle
	clients                map[uint32]*procHandle

	chatLog *chatlog.Writer
}

func (d *driver) dispatch(line string) error {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]
	switch cmd {
	case "START":
		if len(args) != 2 {
			return fmt.Errorf("START requires num_servers num_clients")
		}
		ns, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		nc, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		return d.start(ns, nc)
	case "SENDMESSAGE":
		if len(args) < 2 {
			return fmt.Errorf("SENDMESSAGE requires client_id text")
		}
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return err
		}
		return d.sendMessage(uint32(id), strings.Join(args[1:], " "))
	case "CRASHSERVER":
		if len(args) != 1 {
			return fmt.Errorf("CRASHSERVER requires server_id")
		}
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return err
		}
		return d.crashServer(uint32(id))
	case "RESTARTSERVER":
		if len(args) != 1 {
			return fmt.Errorf("RESTARTSERVER requires server_id")
		}
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return err
		}
		return d.restartServer(uint32(id))
	case "ALLCLEAR":
		return d.allClear()
	case "TIMEBOMBLEADER":
		if len(args) != 1 {
			return fmt.Errorf("TIMEBOMBLEADER requires k")
		}
		k, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		return d.timeBombLeader(k)
	case "PRINTCHATLOG":
		if len(args) != 1 {
			return fmt.Errorf("PRINTCHATLOG requires client_id")
		}
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return err
		}
		return d.printChatLog(uint32(id))
	default:
		return fmt.Errorf("unrecognized command %q", cmd)
	}
}

func (d *driver) start(numServers, numClients int) error {
	d.numServers, d.numClients = numServers, numClients

	ports := &configuration.Ports{Harness: mustFreePort()}
	for i := 0; i < numClients; i++ {
		ports.Clients = append(ports.Clients, configuration.ClientPorts{Listen: mustFreePort(), Chat: mustFreePort()})
	}
	for i := 0; i < numServers; i++ {
		ports.Servers = append(ports.Servers, configuration.ServerPorts{
			Harness: mustFreePort(), Acceptor: mustFreePort(), Scout: mustFreePort(),
			Commander: mustFreePort(), Leader: mustFreePort(), Replica: mustFreePort(),
			Client: mustFreePort(), Spare: mustFreePort(),
		})
	}
	d.ports = ports

	portsPath := d.portsDir + "/ports.txt"
	if err := configuration.WritePorts(portsPath, ports); err != nil {
		return err
	}

	serverIds := make([]uint32, numServers)
	for i := range serverIds {
		serverIds[i] = uint32(i)
	}
	d.topology = configuration.NewTopology(serverIds)

	for i := 0; i < numServers; i++ {
		if err := d.spawnServer(uint32(i), portsPath); err != nil {
			return err
		}
	}
	for i := 0; i < numClients; i++ {
		if err := d.spawnClient(uint32(i), portsPath); err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) spawnServer(id uint32, portsPath string) error {
	cmd := exec.Command("cmd/server/server",
		"-id", strconv.Itoa(int(id)),
		"-numservers", strconv.Itoa(d.numServers),
		"-numclients", strconv.Itoa(d.numClients),
		"-ports", portsPath,
	)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("driver: spawn server %d: %w", id, err)
	}
	p := &procHandle{cmd: cmd, id: id, addr: fmt.Sprintf("127.0.0.1:%d", d.ports.Servers[id].Harness)}
	if err := p.dial(); err != nil {
		return err
	}
	d.servers[id] = p
	return nil
}

func (d *driver) spawnClient(id uint32, portsPath string) error {
	cmd := exec.Command("cmd/client/client",
		"-id", strconv.Itoa(int(id)),
		"-listen", strconv.Itoa(d.ports.Clients[id].Listen),
		"-numclients", strconv.Itoa(d.numClients),
		"-ports", portsPath,
	)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("driver: spawn client %d: %w", id, err)
	}
	p := &procHandle{cmd: cmd, id: id, addr: fmt.Sprintf("127.0.0.1:%d", d.ports.Clients[id].Listen)}
	if err := p.dial(); err != nil {
		return err
	}
	d.clients[id] = p
	return nil
}

func (d *driver) sendMessage(clientId uint32, text string) error {
	c, ok := d.clients[clientId]
	if !ok {
		return fmt.Errorf("unknown client %d", clientId)
	}
	return c.send(paxos.MsgSendMessage, paxos.SendMessage{Payload: text})
}

func (d *driver) crashServer(id uint32) error {
	if d.topology == nil || !d.topology.Contains(id) {
		return fmt.Errorf("server %d is not part of this run's topology", id)
	}
	p, ok := d.servers[id]
	if !ok {
		return fmt.Errorf("unknown server %d", id)
	}
	return p.cmd.Process.Kill()
}

func (d *driver) restartServer(id uint32) error {
	if d.topology == nil || !d.topology.Contains(id) {
		return fmt.Errorf("server %d is not part of this run's topology", id)
	}
	if p, ok := d.servers[id]; ok {
		p.cmd.Process.Kill()
		delete(d.servers, id)
	}
	portsPath := d.portsDir + "/ports.txt"
	return d.spawnServer(id, portsPath)
}

func (d *driver) allClear() error {
	p, ok := d.servers[d.topology.PrimaryId]
	if !ok {
		return fmt.Errorf("primary server %d not running", d.topology.PrimaryId)
	}
	if err := p.send(paxos.MsgAllClear, paxos.AllClear{}); err != nil {
		return err
	}
	t, _, err := p.awaitFrame(30 * time.Second)
	if err != nil {
		return err
	}
	if t != paxos.MsgAllClear {
		return fmt.Errorf("unexpected reply to ALLCLEAR: %s", t)
	}
	return nil
}

func (d *driver) timeBombLeader(k int) error {
	p, ok := d.servers[d.topology.PrimaryId]
	if !ok {
		return fmt.Errorf("primary server %d not running", d.topology.PrimaryId)
	}
	return p.send(paxos.MsgTimeBomb, paxos.TimeBomb{K: k})
}

func (d *driver) printChatLog(clientId uint32) error {
	c, ok := d.clients[clientId]
	if !ok {
		return fmt.Errorf("unknown client %d", clientId)
	}
	if err := c.send(paxos.MsgChatLog, paxos.ChatLogRequest{ClientId: clientId}); err != nil {
		return err
	}
	t, msg, err := c.awaitFrame(30 * time.Second)
	if err != nil {
		return err
	}
	resp, ok := msg.(paxos.ChatLogResponse)
	if !ok {
		return fmt.Errorf("unexpected reply to PRINTCHATLOG: %s", t)
	}
	return d.chatLog.Write(resp.Lines)
}

// mustFreePort asks the OS for an ephemeral port and releases it
// immediately; good enough for a test harness that spawns its children
// right after, matching the driver's role as a thin, best-effort
// orchestrator rather than a production bind-and-hold allocator.
func mustFreePort() int {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		panic(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
