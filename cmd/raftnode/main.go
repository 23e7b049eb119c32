package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/raftlab/raftcore/raft"
	"github.com/raftlab/raftcore/statemachine"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	configPath := flag.String("config", "./config.yaml", "path to the node's YAML config file")
	flag.Parse()

	cfg, err := raft.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create data directory")
	}

	client := raft.NewHTTPRaftClient(cfg.GetPeers(), cfg.Timing.RPCTimeout())

	applyCh := make(chan raft.ApplyMsg, cfg.Timing.ApplyChanCapacity)
	node, err := raft.NewNode(cfg.Node.ID, cfg.GetPeerIDs(), cfg.Node.DataDir, client, applyCh, cfg.Timing)
	if err != nil {
		log.WithError(err).Fatal("failed to create node")
	}

	kv := statemachine.NewKV()
	if snap := node.LastSnapshot(); len(snap) > 0 {
		if err := kv.Restore(snap); err != nil {
			log.WithError(err).Fatal("failed to restore state machine from snapshot")
		}
	}

	node.Run()
	defer node.Shutdown()

	go runApplyConsumer(node, kv, applyCh, cfg.Timing.SnapshotThreshold)

	transport := raft.NewHTTPTransport(node, newCommandHandler(node))
	mux := http.NewServeMux()
	transport.RegisterHandlers(mux)

	httpServer := &http.Server{Addr: cfg.Node.Address, Handler: mux}

	go func() {
		log.WithFields(log.Fields{"node": cfg.Node.ID, "address": cfg.Node.Address}).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server stopped unexpectedly")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http server did not shut down cleanly")
	}
}

// clientCommand is the JSON shape a caller POSTs to /command: kind is
// one of "get", "put", "append"; value is ignored for "get".
type clientCommand struct {
	Kind  string `json:"kind"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// newCommandHandler decodes a clientCommand, builds the opaque envelope
// the statemachine package expects via its Encode* helpers, and submits
// it through Node.Start. This is the only place the raw HTTP body is
// translated into the upper-layer command format the apply consumer's
// kv.Apply calls will later decode.
func newCommandHandler(node *raft.Node) func(body []byte) error {
	return func(body []byte) error {
		var req clientCommand
		if err := json.Unmarshal(body, &req); err != nil {
			return fmt.Errorf("invalid command body: %w", err)
		}

		var (
			envelope []byte
			err      error
		)
		switch req.Kind {
		case "get":
			envelope, err = statemachine.EncodeGet(req.Key)
		case "put":
			envelope, err = statemachine.EncodePut(req.Key, req.Value)
		case "append":
			envelope, err = statemachine.EncodeAppend(req.Key, req.Value)
		default:
			return fmt.Errorf("unknown command kind: %q", req.Kind)
		}
		if err != nil {
			return fmt.Errorf("cannot encode command: %w", err)
		}

		if _, _, isLeader := node.Start(envelope); !isLeader {
			return fmt.Errorf("raft: this node is not the leader")
		}
		return nil
	}
}

// runApplyConsumer drains the node's apply channel, applying committed
// commands and installed snapshots to the state machine, and triggers a
// new snapshot every snapshotThreshold applied entries.
func runApplyConsumer(node *raft.Node, kv *statemachine.KV, applyCh <-chan raft.ApplyMsg, snapshotThreshold int) {
	appliedSinceSnapshot := 0

	for msg := range applyCh {
		if msg.SnapshotValid {
			if node.CondInstallSnapshot(int(msg.SnapshotTerm), int(msg.SnapshotIndex), msg.Snapshot) {
				if err := kv.Restore(msg.Snapshot); err != nil {
					log.WithError(err).Fatal("failed to restore state machine from installed snapshot")
				}
				appliedSinceSnapshot = 0
			}
			continue
		}

		if !msg.CommandValid {
			continue
		}

		if _, err := kv.Apply(msg.Command); err != nil {
			log.WithError(err).WithField("index", msg.CommandIndex).Debug("command application failed")
		}

		appliedSinceSnapshot++
		if snapshotThreshold > 0 && appliedSinceSnapshot >= snapshotThreshold {
			blob, err := kv.Snapshot()
			if err != nil {
				log.WithError(err).Warn("failed to snapshot state machine")
				continue
			}
			node.Snapshot(int(msg.CommandIndex), blob)
			appliedSinceSnapshot = 0
		}
	}
}
