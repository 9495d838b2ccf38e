// Package config defines the core's configuration schema: a single
// Config struct with yaml tags for every option the core recognizes.
// Loading the YAML file itself, environment overrides, and flag
// parsing are the host's job, not this package's; see
// certenIO-certen-validator/pkg/config for that fuller loader style,
// which this package deliberately does not replicate.
package config

import "gopkg.in/yaml.v3"

// Config is the root configuration document. Every field here maps
// one-to-one to a recognized option; a host loads this with
// yaml.Unmarshal and passes the nested structs to each component's
// Options.
type Config struct {
	Consensus   ConsensusConfig   `yaml:"consensus"`
	Performance PerformanceConfig `yaml:"performance"`
	Security    SecurityConfig    `yaml:"security"`
	Checkpoints CheckpointsConfig `yaml:"checkpoints"`
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
}

// ConsensusConfig governs Component G's round and proposer timing.
type ConsensusConfig struct {
	// RoundTimeoutMS is the duration after which a round is abandoned
	// and its round number incremented.
	RoundTimeoutMS uint64 `yaml:"round_timeout_ms"`
	// BlockTimeMS is the minimum interval between proposals by the
	// same leader.
	BlockTimeMS uint64 `yaml:"block_time_ms"`
	// MinValidators is the minimum validator set size for finality.
	MinValidators int `yaml:"min_validators"`
}

// PerformanceConfig governs Component H's pipeline.
type PerformanceConfig struct {
	// TargetLatencyUS is the goal hotstuff.Metrics.IsTargetMet checks
	// against.
	TargetLatencyUS uint64 `yaml:"target_latency_us"`
	// PipelineDepth is the maximum number of concurrent in-flight
	// heights.
	PipelineDepth int `yaml:"pipeline_depth"`
	// OptimisticExecution enables speculative payload application
	// ahead of commit.
	OptimisticExecution bool `yaml:"optimistic_execution"`
}

// SecurityConfig governs the crypto suite Component I signs
// checkpoints with.
type SecurityConfig struct {
	// CryptoSuite is one of "Ed25519", "BLS", "Hybrid-PQ".
	CryptoSuite string `yaml:"crypto_suite"`
	// PQMigrationEnabled, when true, makes new checkpoints carry a PQ
	// signature in addition to the classical one.
	PQMigrationEnabled bool `yaml:"pq_migration_enabled"`
}

// CheckpointsConfig governs Component I's cadence and external
// anchoring.
type CheckpointsConfig struct {
	// Interval is the number of blocks between checkpoints.
	Interval uint64 `yaml:"interval"`
	// ExternalAnchoring, when true, emits anchor payloads for external
	// targets.
	ExternalAnchoring bool `yaml:"external_anchoring"`
}

// StorageConfig governs Component C's cache and sharding behavior.
type StorageConfig struct {
	// MaxPins caps the number of pinned entries in L1.
	MaxPins int `yaml:"max_pins"`
	// Sharding governs content-addressed sharding and redundancy.
	Sharding ShardingConfig `yaml:"sharding"`
}

// ShardingConfig governs Component C's shard split and redundancy.
type ShardingConfig struct {
	Enabled           bool `yaml:"enabled"`
	ReplicationFactor int  `yaml:"replication_factor"`
}

// LogConfig governs Component B's append-only log.
type LogConfig struct {
	// SegmentMaxBytes bounds a segment's size before a new one opens.
	SegmentMaxBytes int64 `yaml:"segment_max_bytes"`
}

// Default returns the configuration a host gets if it unmarshals
// nothing on top of it: conservative values that keep every component
// runnable standalone.
func Default() Config {
	return Config{
		Consensus: ConsensusConfig{
			RoundTimeoutMS: 3000,
			BlockTimeMS:    500,
			MinValidators:  4,
		},
		Performance: PerformanceConfig{
			TargetLatencyUS:     150,
			PipelineDepth:       3,
			OptimisticExecution: false,
		},
		Security: SecurityConfig{
			CryptoSuite:        "BLS",
			PQMigrationEnabled: false,
		},
		Checkpoints: CheckpointsConfig{
			Interval:          100,
			ExternalAnchoring: false,
		},
		Storage: StorageConfig{
			MaxPins: 10000,
			Sharding: ShardingConfig{
				Enabled:           false,
				ReplicationFactor: 1,
			},
		},
		Log: LogConfig{
			SegmentMaxBytes: 100 << 20,
		},
	}
}

// Parse unmarshals a YAML document into a Config seeded with Default
// values, so a host's partial override file only needs to name the
// options it cares about.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal serializes cfg back to YAML, primarily so a host can dump
// its effective configuration for diagnostics.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
