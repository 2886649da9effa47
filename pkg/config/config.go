package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"sequencer/pkg/fsm"
	"sequencer/pkg/seqerrors"
	"sequencer/pkg/snapshot"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
)

// Log backends.
const (
	BackendMemory = "memory"
	BackendWAL    = "wal"
	BackendRaft   = "raft"
)

// Config is the root of the node configuration. Values come from the YAML
// file first and are then overridden by SEQ_* environment variables.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Server    ServerConfig    `yaml:"http-server"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Log       LogConfig       `yaml:"log"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LoggerConfig struct {
	Level string `yaml:"level" env:"SEQ_LOG_LEVEL"`
	JSON  bool   `yaml:"json" env:"SEQ_LOG_JSON"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" env:"SEQ_HTTP_PORT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SEQ_HTTP_READ_HEADER_TIMEOUT"`
}

type SequencerConfig struct {
	Replicas     int    `yaml:"replicas" env:"SEQ_REPLICAS"`
	InitialState string `yaml:"initial_state" env:"SEQ_INITIAL_STATE"`
	DrainPasses  int    `yaml:"drain_passes" env:"SEQ_DRAIN_PASSES"`
	// Feed reads newline-delimited events from stdin.
	Feed        bool `yaml:"feed" env:"SEQ_FEED"`
	FeedWorkers int  `yaml:"feed_workers" env:"SEQ_FEED_WORKERS"`
}

type LogConfig struct {
	Backend  string     `yaml:"backend" env:"SEQ_LOG_BACKEND"`
	Capacity int        `yaml:"capacity" env:"SEQ_LOG_CAPACITY"`
	WALDir   string     `yaml:"wal_dir" env:"SEQ_WAL_DIR"`
	Raft     RaftConfig `yaml:"raft"`
}

type RaftConfig struct {
	ID                        uint64           `yaml:"id" env:"SEQ_RAFT_ID"`
	ElectionTick              int              `yaml:"election_tick"`
	HeartbeatTick             int              `yaml:"heartbeat_tick"`
	TickInterval              time.Duration    `yaml:"tick_interval"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	Peers                     []RaftPeerConfig `yaml:"peers"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type SnapshotConfig struct {
	Backend string `yaml:"backend" env:"SEQ_SNAPSHOT_BACKEND"`
	Dir     string `yaml:"dir" env:"SEQ_SNAPSHOT_DIR"`
}

// ZooKeeperConfig enables membership when Servers is non-empty.
type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers" env:"SEQ_ZK_SERVERS" envSeparator:","`
	Root           string        `yaml:"root" env:"SEQ_ZK_ROOT"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// Advertise is the base URL peers use to reach this node.
	Advertise string `yaml:"advertise" env:"SEQ_NODE_ADDR"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" env:"SEQ_SERVICE_NAME"`
	Endpoint    string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool   `yaml:"insecure" env:"SEQ_OTLP_INSECURE"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Sequencer: SequencerConfig{
			Replicas:     3,
			InitialState: string(fsm.Closed),
			DrainPasses:  1,
			FeedWorkers:  1,
		},
		Log: LogConfig{
			Backend:  BackendMemory,
			Capacity: 1 << 20,
			WALDir:   "./data/wal",
			Raft: RaftConfig{
				ID:                        1,
				ElectionTick:              10,
				HeartbeatTick:             1,
				TickInterval:              100 * time.Millisecond,
				MaxSizePerMsg:             1024 * 1024,
				MaxCommittedSizePerReady:  4 * 1024 * 1024,
				MaxUncommittedEntriesSize: 1 << 30,
				MaxInflightMsgs:           256,
				CheckQuorum:               true,
				PreVote:                   true,
				Peers:                     []RaftPeerConfig{{ID: 1, Address: "http://127.0.0.1:8080"}},
			},
		},
		Snapshot: SnapshotConfig{
			Backend: snapshot.BackendFile,
			Dir:     "./data/snapshots",
		},
		ZooKeeper: ZooKeeperConfig{
			Root:           "/sequencer",
			SessionTimeout: 5 * time.Second,
			Advertise:      "http://127.0.0.1:8080",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "sequencer",
		},
	}
}

// Load reads path over Default and applies environment overrides. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logger.level %q", c.Logger.Level))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port %d", c.Server.Port))
	}
	if c.Sequencer.Replicas < 1 {
		errs = append(errs, fmt.Errorf("sequencer.replicas must be >= 1, got %d", c.Sequencer.Replicas))
	}
	if _, err := fsm.ParseState(c.Sequencer.InitialState); err != nil {
		errs = append(errs, fmt.Errorf("sequencer.initial_state: %w", err))
	}
	if c.Sequencer.DrainPasses < 0 {
		errs = append(errs, fmt.Errorf("sequencer.drain_passes must be >= 0"))
	}
	if c.Log.Capacity < 1 {
		errs = append(errs, fmt.Errorf("log.capacity must be >= 1"))
	}

	switch c.Log.Backend {
	case BackendMemory:
	case BackendWAL:
		if c.Log.WALDir == "" {
			errs = append(errs, errors.New("log.wal_dir is required for the wal backend"))
		}
	case BackendRaft:
		errs = append(errs, c.Log.Raft.validate()...)
	default:
		errs = append(errs, fmt.Errorf("log.backend %q", c.Log.Backend))
	}

	if _, err := snapshot.OpenerFor(c.Snapshot.Backend); err != nil {
		errs = append(errs, fmt.Errorf("snapshot.backend: %w", err))
	}
	if c.Snapshot.Dir == "" {
		errs = append(errs, errors.New("snapshot.dir is required"))
	}
	if len(c.ZooKeeper.Servers) > 0 && c.ZooKeeper.Advertise == "" {
		errs = append(errs, errors.New("zookeeper.advertise is required with zookeeper.servers"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: invalid config: %w", seqerrors.ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

func (r *RaftConfig) validate() []error {
	var errs []error
	if r.ID == 0 {
		errs = append(errs, errors.New("log.raft.id must be non-zero"))
	}
	if r.HeartbeatTick < 1 || r.ElectionTick <= r.HeartbeatTick {
		errs = append(errs, errors.New("log.raft.election_tick must exceed heartbeat_tick"))
	}
	if r.TickInterval <= 0 {
		errs = append(errs, errors.New("log.raft.tick_interval must be positive"))
	}

	self := false
	seen := make(map[uint64]struct{}, len(r.Peers))
	for _, p := range r.Peers {
		if _, ok := seen[p.ID]; ok {
			errs = append(errs, fmt.Errorf("log.raft.peers: duplicate id %d", p.ID))
		}
		seen[p.ID] = struct{}{}
		self = self || p.ID == r.ID
	}
	if !self {
		errs = append(errs, fmt.Errorf("log.raft.peers must include id %d", r.ID))
	}
	return errs
}
