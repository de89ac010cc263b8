package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for CAS configuration
const (
	EnvCASMerkleDepthLimit  = "CAS_MERKLE_DEPTH_LIMIT"
	EnvCASMinStreamCount    = "CAS_MIN_STREAM_COUNT"
	EnvCASMaxStreamCount    = "CAS_MAX_STREAM_COUNT"
	EnvCASUseSmartContract  = "CAS_USE_SMART_CONTRACT_ANCHORS"
	EnvCASContractAddress   = "CAS_ANCHOR_CONTRACT_ADDRESS"
	EnvCASEthereumRPCURL    = "CAS_ETH_RPC_URL"
	EnvCASEthereumKey       = "CAS_ETH_PRIVATE_KEY"
	EnvCASDataPath          = "CAS_DATA_PATH"
	EnvCASRedisURL          = "CAS_REDIS_URL"
	EnvCASLoadStreams       = "CAS_LOAD_STREAMS"
	EnvCASReadyRetentionMin = "CAS_READY_RETENTION_MINUTES"
	EnvNodeEnv              = "NODE_ENV"
)

// Default retention windows. A READY request older than ReadyRetention is
// handed back to the emitter for re-promotion; pinned terminal requests
// older than GCRetention become garbage-collection candidates.
const (
	DefaultReadyRetention = 30 * time.Minute
	DefaultGCRetention    = 2 * 24 * time.Hour
)

// StabilizationSleep is slept once at anchor startup so that a freshly
// scheduled process does not race the request intake instance it replaced.
// Suppressed when NODE_ENV=test.
const StabilizationSleep = 30 * time.Second

type Config struct {
	// MerkleDepthLimit bounds the merkle tree depth; 0 disables the cap.
	MerkleDepthLimit int

	// MinStreamCount is the minimum number of streams required before a
	// batch is anchored. 0 selects the default of 2^MerkleDepthLimit / 2.
	MinStreamCount int

	// MaxStreamCount caps how many READY requests one batch claims.
	// 0 claims everything available; the merkle cap still bounds how many
	// candidates are anchored, with the overflow returned to PENDING.
	MaxStreamCount int

	// UseSmartContractAnchors switches root submission from a raw data
	// transaction to the anchor contract's f(bytes32) method.
	UseSmartContractAnchors bool
	AnchorContractAddress   string

	EthereumRPCURL     string
	EthereumPrivateKey string

	// DataPath is the directory holding the badger databases.
	DataPath string

	RedisURL string

	// LoadStreams routes candidate selection through the stream-network
	// oracle (conflict resolution). Off by default: the tip to anchor is
	// the newest accepted request's commit. Has no effect when the anchor
	// service is built without a stream loader.
	LoadStreams bool

	ReadyRetention time.Duration
	GCRetention    time.Duration
}

// StreamCountLimit is the per-batch candidate cap implied by the depth
// limit, or 0 when the depth is uncapped.
func (c *Config) StreamCountLimit() int {
	if c.MerkleDepthLimit <= 0 {
		return 0
	}
	return 1 << c.MerkleDepthLimit
}

// MinStreamCountOrDefault resolves the configured minimum, defaulting to
// half the stream count limit.
func (c *Config) MinStreamCountOrDefault() int {
	if c.MinStreamCount > 0 {
		return c.MinStreamCount
	}
	return c.StreamCountLimit() / 2
}

// MaxStreamCountOrDefault resolves the claim cap; unset means claim
// everything available.
func (c *Config) MaxStreamCountOrDefault() int {
	if c.MaxStreamCount > 0 {
		return c.MaxStreamCount
	}
	return math.MaxInt32
}

// IsTestEnv reports whether the process runs under NODE_ENV=test, which
// suppresses the startup stabilization sleep.
func IsTestEnv() bool {
	return os.Getenv(EnvNodeEnv) == "test"
}

// FromEnvironment builds a Config from CAS_* environment variables.
func FromEnvironment() (*Config, error) {
	cfg := &Config{
		EthereumRPCURL:        os.Getenv(EnvCASEthereumRPCURL),
		EthereumPrivateKey:    os.Getenv(EnvCASEthereumKey),
		AnchorContractAddress: os.Getenv(EnvCASContractAddress),
		DataPath:              os.Getenv(EnvCASDataPath),
		RedisURL:              os.Getenv(EnvCASRedisURL),
		ReadyRetention:        DefaultReadyRetention,
		GCRetention:           DefaultGCRetention,
	}

	var err error
	if cfg.MerkleDepthLimit, err = intFromEnv(EnvCASMerkleDepthLimit, 0); err != nil {
		return nil, err
	}
	if cfg.MinStreamCount, err = intFromEnv(EnvCASMinStreamCount, 0); err != nil {
		return nil, err
	}
	if cfg.MaxStreamCount, err = intFromEnv(EnvCASMaxStreamCount, 0); err != nil {
		return nil, err
	}
	cfg.UseSmartContractAnchors = boolFromEnv(EnvCASUseSmartContract)
	cfg.LoadStreams = boolFromEnv(EnvCASLoadStreams)
	if mins, err := intFromEnv(EnvCASReadyRetentionMin, 0); err != nil {
		return nil, err
	} else if mins > 0 {
		cfg.ReadyRetention = time.Duration(mins) * time.Minute
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %v", errs.ToAggregate())
	}
	return cfg, nil
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() field.ErrorList {
	errs := field.ErrorList{}
	root := field.NewPath("config")

	if c.MerkleDepthLimit < 0 {
		errs = append(errs, field.Invalid(root.Child("merkleDepthLimit"), c.MerkleDepthLimit, "must be >= 0"))
	}
	if c.MinStreamCount < 0 {
		errs = append(errs, field.Invalid(root.Child("minStreamCount"), c.MinStreamCount, "must be >= 0"))
	}
	if limit := c.StreamCountLimit(); limit > 0 && c.MinStreamCount > limit {
		errs = append(errs, field.Invalid(root.Child("minStreamCount"), c.MinStreamCount,
			fmt.Sprintf("must not exceed stream count limit %d", limit)))
	}
	if c.UseSmartContractAnchors && c.AnchorContractAddress == "" {
		errs = append(errs, field.Required(root.Child("anchorContractAddress"),
			"required when smart contract anchors are enabled"))
	}
	return errs
}

func intFromEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func boolFromEnv(name string) bool {
	v, _ := strconv.ParseBool(os.Getenv(name))
	return v
}
