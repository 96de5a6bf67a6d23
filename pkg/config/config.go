// Package config defines partkeeper's runtime configuration: the
// coordination-service connection details spec.md §6 names
// (connectionString, namespace, segments, spareLeader) plus the ambient
// process settings (node identity, data directory, logging) every
// partkeeper binary needs, loaded from an optional YAML file and
// overridable by CLI flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/partkeeper/pkg/log"
)

// Config is partkeeper's full runtime configuration.
type Config struct {
	NodeID   string `yaml:"nodeID"`
	BindAddr string `yaml:"bindAddr"` // raft transport address
	RPCAddr  string `yaml:"rpcAddr"`  // grpc address for EnsembleService (ensemble apply/join)
	DataDir  string `yaml:"dataDir"`

	// MemberAddr is this process's cluster-member identity: the address it
	// registers under /members and serves MemberService (partition
	// onboard/dropoff/query) RPCs on. Distinct from RPCAddr, which is the
	// coordination-service ensemble's own internal raft-forwarding port.
	MemberAddr string `yaml:"memberAddr"`

	// ConnectionString names the coordination-service ensemble this node
	// joins. For the first node of a new ensemble it is empty (bootstrap);
	// for every subsequent node it is an existing member's RPC address.
	ConnectionString string `yaml:"connectionString"`

	// Namespace is loaded and defaulted like the other fields, but no
	// component prefixes its node paths with it: /leader, /members and
	// /segments always sit at the ensemble root, so one ensemble holds one
	// cluster's tree.
	Namespace string `yaml:"namespace"`

	// Segments is the fixed segment-space size (spec.md §6 default 128).
	Segments int `yaml:"segments"`

	// SpareLeader excludes the leader from rebalance candidates when true
	// (spec.md §6 default false).
	SpareLeader bool `yaml:"spareLeader"`

	// DataCenterMap resolves member hosts to data centers for
	// diversity-aware rebalancing (empty means every member is treated as
	// belonging to the same, unnamed data center).
	DataCenterMap map[string]string `yaml:"dataCenterMap"`

	MetricsAddr string    `yaml:"metricsAddr"`
	LogLevel    log.Level `yaml:"logLevel"`
	LogJSON     bool      `yaml:"logJSON"`
}

// Default returns the configuration defaults spec.md §6 names.
func Default() Config {
	return Config{
		DataDir:     "./data",
		Namespace:   "/partkeeper",
		Segments:    128,
		SpareLeader: false,
		MetricsAddr: ":9090",
		LogLevel:    log.InfoLevel,
	}
}

// Load reads path (if non-empty and present) as YAML over top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first missing required field.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: nodeID is required")
	}
	if c.BindAddr == "" {
		return fmt.Errorf("config: bindAddr is required")
	}
	if c.RPCAddr == "" {
		return fmt.Errorf("config: rpcAddr is required")
	}
	if c.MemberAddr == "" {
		return fmt.Errorf("config: memberAddr is required")
	}
	if c.Segments <= 0 {
		return fmt.Errorf("config: segments must be positive")
	}
	return nil
}
