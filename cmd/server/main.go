// Command server runs one replica process: the Acceptor, Leader, and
// Replica roles for a single server id, wired to the rest of the
// cluster over the sockets named in the ports file. One process per
// server id is what the driver (cmd/driver) spawns for START.
package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	server "chatpaxos.io/server"
	"chatpaxos.io/server/configuration"
	"chatpaxos.io/server/network"
	"chatpaxos.io/server/paxos"
	"chatpaxos.io/server/stats"
)

func main() {
	var id uint
	var numServers, numClients, promPort int
	var portsPath, configPath string
	var httpProf bool

	flag.UintVar(&id, "id", 0, "This server's id.")
	flag.IntVar(&numServers, "numservers", 1, "Number of servers in the cluster.")
	flag.IntVar(&numClients, "numclients", 0, "Number of clients the ports file names.")
	flag.StringVar(&portsPath, "ports", "", "`Path` to the ports file written by the driver.")
	flag.StringVar(&configPath, "config", "", "Optional `path` to a driver-config TOML override file.")
	flag.IntVar(&promPort, "prometheusPort", 0, "Port to serve Prometheus metrics on (0 disables).")
	flag.BoolVar(&httpProf, "httpProfile", false, fmt.Sprintf("Enable Go HTTP profiling on localhost:%d.", server.HttpProfilePort))
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "component", "server", "ServerId", id)

	if portsPath == "" {
		level.Error(logger).Log("msg", "missing -ports")
		os.Exit(1)
	}

	driverCfg, err := configuration.LoadDriverConfig(configPath)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load driver config", "err", err)
		os.Exit(1)
	}
	heartbeat := server.Heartbeat
	if driverCfg.HeartbeatMillis > 0 {
		heartbeat = time.Duration(driverCfg.HeartbeatMillis) * time.Millisecond
	}

	ports, err := configuration.LoadPorts(portsPath, numClients)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load ports file", "err", err)
		os.Exit(1)
	}

	serverIds := make([]uint32, numServers)
	for i := range serverIds {
		serverIds[i] = uint32(i)
	}
	topology := configuration.NewTopology(serverIds)

	if httpProf {
		go func() {
			level.Info(logger).Log("pprofResult", http.ListenAndServe(fmt.Sprintf("localhost:%d", server.HttpProfilePort), nil))
		}()
	}

	reg := prometheus.NewRegistry()
	metrics := stats.NewMetrics(reg, uint32(id))
	publisher := stats.NewPublisher(metrics, logger)
	go publisher.Run()

	if promPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			level.Info(logger).Log("promResult", http.ListenAndServe(fmt.Sprintf(":%d", promPort), mux))
		}()
	}

	manager := network.NewManager(uint32(id), topology, ports, nil, publisher, logger)

	acceptor := paxos.NewAcceptor(uint32(id), manager, logger)
	leader := paxos.NewLeader(uint32(id), manager, logger, publisher)
	replica := paxos.NewReplica(uint32(id), manager, logger, heartbeat, publisher)
	manager.Attach(acceptor, leader, replica)

	go acceptor.Run()
	go leader.Run()
	go replica.Run()

	if err := manager.Listen(); err != nil {
		level.Error(logger).Log("msg", "failed to start listeners", "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "startup complete", "primary", topology.PrimaryId == uint32(id))

	<-leader.TimeBombFired()
	level.Info(logger).Log("msg", "time bomb fired, exiting")
}
