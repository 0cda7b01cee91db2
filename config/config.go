// Package config loads the page cache server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojodb-pagecache/pkg/logger"
	"github.com/sushant-115/gojodb-pagecache/pkg/telemetry"
)

const (
	DefaultPoolSize    = 64
	DefaultDataPath    = "pagecache.db"
	DefaultGRPCAddr    = ":7070"
	DefaultAdminAddr   = ":7071"
	DefaultSnapshotDir = "snapshots"

	// DefaultSnapshotRate is the snapshot copy throughput in bytes per second.
	DefaultSnapshotRate = 8 << 20
)

// Config is the top-level server configuration.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	GRPC      GRPCConfig       `yaml:"grpc"`
	Admin     AdminConfig      `yaml:"admin"`
}

type StorageConfig struct {
	// Path of the heap file backing the pool.
	Path string `yaml:"path"`
	// PoolSize is the number of frames.
	PoolSize int `yaml:"pool_size"`
}

type GRPCConfig struct {
	Addr string    `yaml:"addr"`
	TLS  TLSConfig `yaml:"tls"`
}

// TLSConfig enables mTLS when all three files are set.
type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

func (t TLSConfig) Enabled() bool {
	return t.CAFile != "" && t.CertFile != "" && t.KeyFile != ""
}

type AdminConfig struct {
	Addr string `yaml:"addr"`
	// SnapshotDir receives heap snapshots taken through POST /snapshot.
	SnapshotDir string `yaml:"snapshot_dir"`
	// SnapshotRate caps snapshot copies, in bytes per second.
	SnapshotRate int `yaml:"snapshot_rate"`
}

// Default returns a configuration usable without a file.
func Default() Config {
	return Config{
		Storage: StorageConfig{Path: DefaultDataPath, PoolSize: DefaultPoolSize},
		Logger:  logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			Enabled:          true,
			ServiceName:      "gojodb-pagecache",
			TraceSampleRatio: 1,
		},
		GRPC: GRPCConfig{Addr: DefaultGRPCAddr},
		Admin: AdminConfig{
			Addr:         DefaultAdminAddr,
			SnapshotDir:  DefaultSnapshotDir,
			SnapshotRate: DefaultSnapshotRate,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Storage.Path == "" {
		return errors.New("config: storage.path must be set")
	}
	if c.Storage.PoolSize < 1 {
		return fmt.Errorf("config: storage.pool_size must be >= 1, got %d", c.Storage.PoolSize)
	}
	if c.GRPC.Addr == "" {
		return errors.New("config: grpc.addr must be set")
	}
	t := c.GRPC.TLS
	if !t.Enabled() && (t.CAFile != "" || t.CertFile != "" || t.KeyFile != "") {
		return errors.New("config: grpc.tls needs ca_file, cert_file and key_file together")
	}
	if c.Admin.SnapshotRate < 0 {
		return fmt.Errorf("config: admin.snapshot_rate must be >= 0, got %d", c.Admin.SnapshotRate)
	}
	if r := c.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("config: telemetry.trace_sample_ratio must be in [0,1], got %v", r)
	}
	return nil
}
