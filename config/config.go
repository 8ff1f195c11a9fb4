// Package config loads a node's startup configuration from a YAML file in
// one pass: read the whole file, yaml.Unmarshal into a tagged struct, then
// translate into the package's own domain types rather than handing the raw
// struct around.
//
// A File describes one node's view of its cluster: its own id, the full
// peer list (including itself), on-disk locations for the log and snapshot
// stores, and any overrides to raft.DefaultSettings().
package config

import (
	"fmt"
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"

	"github.com/divtxt/raftkv/raft"
)

// Duration wraps time.Duration so YAML values can be written in the usual
// "200ms" / "2s" form (yaml.v3 has no native duration support).
type Duration time.Duration

// UnmarshalYAML parses a duration string via time.ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// PeerSpec is one member of the cluster as written in the YAML file.
type PeerSpec struct {
	Id       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
}

// SettingsSpec overrides individual raft.Settings fields. A zero value for
// any field means "use the default" (see applyOverrides); there is no way to
// explicitly request a zero duration, which matches raft.Settings.Validate
// rejecting zero/negative durations anyway.
type SettingsSpec struct {
	VoteTimeout           Duration `yaml:"voteTimeout,omitempty"`
	KeepAlivePeriod       Duration `yaml:"keepAlivePeriod,omitempty"`
	MaxEntryBatchSize     int      `yaml:"maxEntryBatchSize,omitempty"`
	CatchupMargin         uint64   `yaml:"catchupMargin,omitempty"`
	CatchupTimeout        Duration `yaml:"catchupTimeout,omitempty"`
	MaxAwaitTimeout       Duration `yaml:"maxAwaitTimeout,omitempty"`
	AsyncWrite            bool     `yaml:"asyncWrite,omitempty"`
	SnapshotMinLogSize    uint64   `yaml:"snapshotMinLogSize,omitempty"`
	SnapshotCheckInterval Duration `yaml:"snapshotCheckInterval,omitempty"`
}

// File is the root of a node's YAML configuration file.
type File struct {
	NodeId string     `yaml:"nodeId"`
	Peers  []PeerSpec `yaml:"peers"`

	// DataDir holds the raftlog segments and raftlog/meta.json.
	DataDir string `yaml:"dataDir"`
	// SnapshotDir holds the snapshotstore's numbered snapshot directories.
	SnapshotDir string `yaml:"snapshotDir"`

	// ListenAddr is where transport.Server and the metrics endpoint are
	// served.
	ListenAddr string `yaml:"listenAddr"`

	// LogLevel is one of "debug", "info", "warn", "error". Empty means
	// "info".
	LogLevel string `yaml:"logLevel,omitempty"`

	Settings SettingsSpec `yaml:"settings,omitempty"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) validate() error {
	if f.NodeId == "" {
		return fmt.Errorf("nodeId is required")
	}
	if len(f.Peers) == 0 {
		return fmt.Errorf("peers must have at least one entry")
	}
	if f.DataDir == "" {
		return fmt.Errorf("dataDir is required")
	}
	if f.SnapshotDir == "" {
		return fmt.Errorf("snapshotDir is required")
	}
	if f.ListenAddr == "" {
		return fmt.Errorf("listenAddr is required")
	}
	return nil
}

// ThisServerId returns the node's own ServerId.
func (f *File) ThisServerId() raft.ServerId {
	return raft.ServerId(f.NodeId)
}

// BuildConfiguration translates the YAML peer list into a raft.Configuration.
func (f *File) BuildConfiguration() (*raft.Configuration, error) {
	peers := make([]raft.Peer, 0, len(f.Peers))
	for _, p := range f.Peers {
		if p.Id == "" {
			return nil, fmt.Errorf("config: peer with empty id")
		}
		peers = append(peers, raft.Peer{Id: raft.ServerId(p.Id), Endpoint: p.Endpoint})
	}
	return raft.NewConfiguration(peers, f.ThisServerId())
}

// BuildSettings starts from raft.DefaultSettings() and applies any non-zero
// overrides named in the YAML file.
func (f *File) BuildSettings() raft.Settings {
	s := raft.DefaultSettings()
	o := f.Settings
	if o.VoteTimeout != 0 {
		s.VoteTimeout = time.Duration(o.VoteTimeout)
	}
	if o.KeepAlivePeriod != 0 {
		s.KeepAlivePeriod = time.Duration(o.KeepAlivePeriod)
	}
	if o.MaxEntryBatchSize != 0 {
		s.MaxEntryBatchSize = o.MaxEntryBatchSize
	}
	if o.CatchupMargin != 0 {
		s.CatchupMargin = raft.LogIndex(o.CatchupMargin)
	}
	if o.CatchupTimeout != 0 {
		s.CatchupTimeout = time.Duration(o.CatchupTimeout)
	}
	if o.MaxAwaitTimeout != 0 {
		s.MaxAwaitTimeout = time.Duration(o.MaxAwaitTimeout)
	}
	if o.SnapshotMinLogSize != 0 {
		s.SnapshotMinLogSize = o.SnapshotMinLogSize
	}
	if o.SnapshotCheckInterval != 0 {
		s.SnapshotCheckInterval = time.Duration(o.SnapshotCheckInterval)
	}
	s.AsyncWrite = o.AsyncWrite
	return s
}

// NewLogger builds a go-kit logger filtered to the configured LogLevel,
// writing logfmt lines to stderr.
func (f *File) NewLogger() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.DefaultCaller)

	var opt level.Option
	switch f.LogLevel {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(logger, opt)
}
