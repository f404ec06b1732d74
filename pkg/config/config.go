// Package config loads the coordinator's process configuration from a
// YAML file, mirroring the teacher's cmd/warren/apply.go use of
// gopkg.in/yaml.v3 against a plain struct rather than a generic resource
// schema (this process has exactly one kind of thing to configure: itself).
package config

import (
	"fmt"
	"os"

	"github.com/distrikv/partd/pkg/types"
	"gopkg.in/yaml.v3"
)

// GroupSpec describes one (tableId, partitionId) replication group this
// node hosts.
type GroupSpec struct {
	TableID     uint32 `yaml:"tableId"`
	PartitionID uint32 `yaml:"partitionId"`
	BindAddr    string `yaml:"bindAddr"`
	Bootstrap   bool   `yaml:"bootstrap"`
}

func (g GroupSpec) GroupID() types.GroupID {
	return types.GroupID{TableID: g.TableID, PartitionID: g.PartitionID}
}

// CoordinatorConfig is the process-level configuration for a replicad
// node: who it is, where its groups listen, and where they persist data.
// Catalog, placement-driver, lock-manager, and RAFT peer membership are
// out of scope here — they are supplied as constructor arguments by the
// process that wires up pkg/node, not parsed from this file.
type CoordinatorConfig struct {
	NodeID        string      `yaml:"nodeId"`
	DataDir       string      `yaml:"dataDir"`
	MetricsAddr   string      `yaml:"metricsAddr"`
	SweepInterval int         `yaml:"sweepIntervalSeconds"`
	Persistent    bool        `yaml:"persistent"`
	Groups        []GroupSpec `yaml:"groups"`
}

// Default returns a CoordinatorConfig with the values replicad falls
// back on when a field is left unset in the YAML file. No command-line
// flag overrides individual fields.
func Default() CoordinatorConfig {
	return CoordinatorConfig{
		MetricsAddr:   "127.0.0.1:9090",
		SweepInterval: 30,
		Persistent:    true,
	}
}

// Load reads and parses path, applying defaults first so the YAML file
// only needs to set the fields it cares about.
func Load(path string) (CoordinatorConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.NodeID == "" {
		return cfg, fmt.Errorf("config %s: nodeId is required", path)
	}
	if len(cfg.Groups) == 0 {
		return cfg, fmt.Errorf("config %s: at least one group is required", path)
	}
	return cfg, nil
}
