package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"sequencer/pkg/config"
	"sequencer/pkg/raftadapter"
	"sequencer/pkg/seqlog"
	"sequencer/pkg/wal"
)

// initConfig loads the YAML config at path with environment overrides. A
// missing file yields config.Default().
func initConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("config file not found, using default config", "path", path)
	}
	return config.Load(path)
}

// initLogger installs the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Logger.Level))); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", level, "json", cfg.Logger.JSON)
}

// initLog builds the configured log backend. node is non-nil only for the
// raft backend; closeFn releases the backend's resources.
func initLog(cfg *config.Config) (log seqlog.Log, node *raftadapter.Node, closeFn func() error, err error) {
	noop := func() error { return nil }

	switch cfg.Log.Backend {
	case config.BackendWAL:
		w, err := wal.Open(cfg.Log.WALDir, cfg.Log.Capacity)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("open wal: %w", err)
		}
		slog.Info("wal log opened", "dir", cfg.Log.WALDir, "length", w.Length())
		return w, nil, w.Close, nil

	case config.BackendRaft:
		n, err := raftadapter.NewNode(&cfg.Log.Raft, cfg.Log.Capacity)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("start raft node: %w", err)
		}
		slog.Info("raft log started", "id", n.ID, "peers", len(cfg.Log.Raft.Peers))
		return n, n, n.Stop, nil

	default:
		return seqlog.NewMemoryLog(cfg.Log.Capacity), nil, noop, nil
	}
}
