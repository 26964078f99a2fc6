//go:build darwin

// Command meshhelperd is the PrivilegedBroker daemon: a root-owned process
// that performs TUN creation and routing table mutation on behalf of the
// unprivileged meshagent process, reachable over a Unix socket.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ple7mesh/meshagent/internal/broker"
	"github.com/ple7mesh/meshagent/internal/logging"
)

func main() {
	log := logging.NewStdLogger("meshhelperd")

	socketPath := broker.DefaultSocketPath
	if len(os.Args) > 1 {
		socketPath = os.Args[1]
	}

	srv := broker.NewServer(socketPath, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Infof("shutting down")
		_ = srv.Close()
	}()

	log.Infof("listening on %s", socketPath)
	if err := srv.Serve(); err != nil {
		log.Errorf("serve: %v", err)
		os.Exit(1)
	}
}
