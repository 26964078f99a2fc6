// Command meshagent is the unprivileged mesh VPN client daemon: it parses a
// tunnel configuration, drives Orchestrator through connect/disconnect, and
// exposes Prometheus metrics for local observability.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ple7mesh/meshagent/internal/authstore"
	"github.com/ple7mesh/meshagent/internal/logging"
	"github.com/ple7mesh/meshagent/internal/metrics"
	"github.com/ple7mesh/meshagent/internal/orchestrator"
)

func main() {
	var (
		configPath   string
		controlPlane string
		authToken    string
		deviceID     string
		networkID    string
		exitNodeType string
		exitNodeID   string
		metricsAddr  string
		forgetToken  bool
	)

	pflag.StringVarP(&configPath, "config", "c", "", "path to the tunnel configuration file (required)")
	pflag.StringVar(&controlPlane, "control-plane", "", "control plane base URL (empty disables the control channel)")
	pflag.StringVar(&authToken, "auth-token", "", "control plane auth token (overrides the stored token)")
	pflag.StringVar(&deviceID, "device-id", "", "this device's identifier")
	pflag.StringVar(&networkID, "network-id", "", "the mesh network this device is joining")
	pflag.StringVar(&exitNodeType, "exit-node-type", "none", "one of: none, relay, device")
	pflag.StringVar(&exitNodeID, "exit-node-id", "", "base64 public key of the exit peer (exit-node-type=device only)")
	pflag.StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9760", "address to serve /metrics on")
	pflag.BoolVar(&forgetToken, "forget-token", false, "clear the stored auth token and exit")
	pflag.Parse()

	log := logging.NewStdLogger("meshagent")
	store := authstore.New()

	if forgetToken {
		if err := store.Clear(); err != nil {
			log.Errorf("forget-token: %v", err)
			os.Exit(1)
		}
		fmt.Println("stored auth token cleared")
		return
	}

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "error: --config is required")
		pflag.Usage()
		os.Exit(2)
	}

	configText, err := os.ReadFile(configPath)
	if err != nil {
		log.Errorf("read config %s: %v", configPath, err)
		os.Exit(1)
	}

	doc, err := store.Load()
	if err != nil {
		log.Warnf("authstore: %v", err)
	}
	if authToken == "" {
		authToken = doc.AuthToken
	} else if doc.AuthToken != authToken {
		doc.AuthToken = authToken
		if err := store.Save(doc); err != nil {
			log.Warnf("authstore: failed to persist token: %v", err)
		}
	}

	if deviceID == "" {
		id, err := store.LoadOrCreateDeviceID()
		if err != nil {
			log.Warnf("authstore: device id: %v", err)
		}
		deviceID = id
	}

	go serveMetrics(metricsAddr, log)

	orch := orchestrator.New(log)
	opts := orchestrator.Options{
		DeviceID:            deviceID,
		NetworkID:           networkID,
		ExitNodeType:        orchestrator.ExitNodeType(exitNodeType),
		ExitNodeID:          exitNodeID,
		ControlPlaneBaseURL: controlPlane,
		AuthToken:           authToken,
	}

	if err := orch.Connect(string(configText), opts); err != nil {
		log.Errorf("connect: %v (%s)", err, orch.ErrorKind())
		os.Exit(1)
	}
	log.Infof("tunnel up: state=%s", orch.Status())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Infof("received %s, disconnecting", sig)
	case <-ctx.Done():
	}

	if err := orch.Disconnect(); err != nil {
		log.Errorf("disconnect: %v", err)
		os.Exit(1)
	}
	log.Infof("tunnel down")
}

func serveMetrics(addr string, log logging.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.Handler())
	log.Infof("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnf("metrics server: %v", err)
	}
}
