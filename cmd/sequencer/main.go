package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	apihttp "sequencer/internal/http"
	"sequencer/pkg/config"
	"sequencer/pkg/feed"
	"sequencer/pkg/fsm"
	"sequencer/pkg/membership"
	"sequencer/pkg/metrics"
	"sequencer/pkg/sequencer"
	"sequencer/pkg/snapshot"
	"sequencer/pkg/telemetry"

	"go.opentelemetry.io/otel"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if err := run(ctx, &cfg); err != nil {
		slog.Error("sequencer stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	log, node, closeLog, err := initLog(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLog(); err != nil {
			slog.Warn("closing log failed", "error", err)
		}
	}()

	opener, err := snapshot.OpenerFor(cfg.Snapshot.Backend)
	if err != nil {
		return err
	}
	initial, err := fsm.ParseState(cfg.Sequencer.InitialState)
	if err != nil {
		return err
	}

	seq, err := sequencer.New(sequencer.Config{
		Replicas:     cfg.Sequencer.Replicas,
		InitialState: initial,
		DrainPasses:  cfg.Sequencer.DrainPasses,
		LogCapacity:  cfg.Log.Capacity,
	},
		sequencer.WithLog(log),
		sequencer.WithSnapshotOpener(opener),
		sequencer.WithMetrics(metrics.NewOTel(otel.Meter("sequencer"))),
	)
	if err != nil {
		return err
	}
	defer seq.Close()

	if node != nil {
		go func() {
			if err := node.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("raft node error", "error", err)
			}
		}()
	}

	// a reopened durable log is replayed into the fresh replicas
	if seq.Log().Length() > 0 {
		catchupAll(ctx, seq)
	}

	server := apihttp.NewServer(seq, strconv.Itoa(cfg.Server.Port), cfg.Snapshot.Dir)
	server.SetReadHeaderTimeout(cfg.Server.ReadHeaderTimeout)
	server.SetAdvertiseURL(cfg.ZooKeeper.Advertise)
	if node != nil {
		server.SetRaftNode(node)
	}
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			slog.Error("error stopping server", "error", err)
		}
	}()

	if len(cfg.ZooKeeper.Servers) > 0 {
		var book membership.PeerBook
		if node != nil {
			book = node
		}
		m, err := joinCluster(ctx, cfg, book)
		if err != nil {
			return err
		}
		defer m.Close()
	}

	if cfg.Sequencer.Feed {
		go func() {
			f := feed.New(seq, feed.WithWorkers(cfg.Sequencer.FeedWorkers))
			if err := f.Run(ctx, os.Stdin); err != nil && ctx.Err() == nil {
				slog.Error("stdin feed stopped", "error", err)
			}
		}()
	}

	slog.Info("sequencer running", "replicas", cfg.Sequencer.Replicas, "log", cfg.Log.Backend, "port", cfg.Server.Port)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func catchupAll(ctx context.Context, seq *sequencer.Sequencer) {
	for i := 0; i < seq.ReplicaCount(); i++ {
		rep, err := seq.CatchupReplica(ctx, i)
		if err != nil {
			slog.Error("startup catch-up failed", "replica", i, "error", err)
			continue
		}
		slog.Info("replica replayed", "replica", i, "cursor", rep.Cursor, "applied", rep.Applied)
	}
}

// joinCluster registers this node and, with the raft backend, keeps the raft
// transport pointed at the addresses members registered.
func joinCluster(ctx context.Context, cfg *config.Config, book membership.PeerBook) (*membership.ZKMembership, error) {
	m, err := membership.NewZKMembership(
		cfg.ZooKeeper.Servers,
		cfg.ZooKeeper.Root,
		membership.Member{ID: cfg.Log.Raft.ID, Addr: cfg.ZooKeeper.Advertise},
		cfg.ZooKeeper.SessionTimeout,
	)
	if err != nil {
		return nil, err
	}
	if err := m.RegisterSelf(); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("register in zookeeper: %w", err)
	}
	if book != nil {
		m.RunWatch(ctx, book)
	}
	return m, nil
}
