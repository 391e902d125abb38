package configuration

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
)

// ServerPorts is the set of listen ports one server process exposes for
// direct, role-to-role sockets: a harness port, one port per role, a
// client port, and one spare port that nothing listens on, matching the
// fixed, symmetric 8-port-per-server layout the driver expects to find
// in the ports file.
type ServerPorts struct {
	Harness   int
	Acceptor  int
	Scout     int
	Commander int
	Leader    int
	Replica   int
	Client    int
	Spare     int
}

// ClientPorts is the (listen, chat) port pair the driver dials a client
// process on.
type ClientPorts struct {
	Listen int
	Chat   int
}

// Ports is the full ports file as read by every spawned process: one
// harness control port, one (listen, chat) pair per client, and one
// 8-port ServerPorts block per server, in the plain-text whitespace-
// separated integer format the driver writes and every child process
// parses on startup.
type Ports struct {
	Harness int
	Clients []ClientPorts
	Servers []ServerPorts
}

// LoadPorts reads a ports file written by the harness: the first
// integer is the harness port, then num_clients pairs, then
// num_servers octets of 8 integers each. The caller supplies numClients
// (spawned server/client processes receive it from the driver via
// -numclients); the number of servers is inferred from how many
// integers follow the client pairs.
func LoadPorts(path string, numClients int) (*Ports, error) {
	ints, err := readInts(path)
	if err != nil {
		return nil, err
	}
	if len(ints) < 1 {
		return nil, fmt.Errorf("configuration: ports file %s is empty", path)
	}
	p := &Ports{Harness: ints[0]}
	i := 1
	for c := 0; c < numClients; c++ {
		if i+2 > len(ints) {
			return nil, fmt.Errorf("configuration: ports file %s truncated in client block %d", path, c)
		}
		p.Clients = append(p.Clients, ClientPorts{Listen: ints[i], Chat: ints[i+1]})
		i += 2
	}
	remaining := len(ints) - i
	if remaining%8 != 0 {
		return nil, fmt.Errorf("configuration: ports file %s has %d trailing integers, not a multiple of 8", path, remaining)
	}
	for ; i < len(ints); i += 8 {
		p.Servers = append(p.Servers, ServerPorts{
			Harness: ints[i], Acceptor: ints[i+1], Scout: ints[i+2], Commander: ints[i+3],
			Leader: ints[i+4], Replica: ints[i+5], Client: ints[i+6], Spare: ints[i+7],
		})
	}
	if len(p.Servers) == 0 {
		return nil, fmt.Errorf("configuration: ports file %s names no servers", path)
	}
	return p, nil
}

// WritePorts renders a ports file in the plain-text format §6 defines,
// one integer per line, for the driver that allocates the ports and
// hands each spawned process its assignment.
func WritePorts(path string, p *Ports) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("configuration: create ports file %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	writeLine := func(v int) error { _, err := fmt.Fprintln(w, v); return err }
	if err := writeLine(p.Harness); err != nil {
		return err
	}
	for _, c := range p.Clients {
		if err := writeLine(c.Listen); err != nil {
			return err
		}
		if err := writeLine(c.Chat); err != nil {
			return err
		}
	}
	for _, s := range p.Servers {
		for _, v := range []int{s.Harness, s.Acceptor, s.Scout, s.Commander, s.Leader, s.Replica, s.Client, s.Spare} {
			if err := writeLine(v); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func readInts(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("configuration: open ports file %s: %w", path, err)
	}
	defer f.Close()
	var ints []int
	sc := bufio.NewScanner(f)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		v, err := strconv.Atoi(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("configuration: ports file %s: malformed integer %q: %w", path, sc.Text(), err)
		}
		ints = append(ints, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("configuration: read ports file %s: %w", path, err)
	}
	return ints, nil
}
