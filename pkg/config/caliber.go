package config

import (
	"time"

	sserr "github.com/caliberdev/caliber/pkg/errors"
)

// HashAlgorithm names the content-addressing hash used for the event DAG's
// chain links and block hashes.
type HashAlgorithm string

const (
	HashBlake3 HashAlgorithm = "blake3"
	HashSHA256 HashAlgorithm = "sha256"
)

// CaliberConfig is the operational configuration for a CoreContext.
// Every field is required: unlike the general-purpose
// [Loader] usage shown in the package doc, CALIBER carries no envDefault
// tags anywhere in this struct, because "all operational values are
// required — no defaults" is a literal requirement, not a style
// preference. Loading this struct through [Loader.Load] with any field
// left at its zero value fails with ConfigMissing; Validate enforces the
// range constraints Load's tag-based check cannot express.
type CaliberConfig struct {
	// TokenBudget is the default per-scope assembler budget in tokens.
	TokenBudget int `env:"TOKEN_BUDGET" yaml:"token_budget" json:"token_budget" required:"true"`

	// StaleThreshold is how long an agent may go without a heartbeat
	// before the registry reports it Offline.
	StaleThreshold time.Duration `env:"STALE_THRESHOLD" yaml:"stale_threshold" json:"stale_threshold" required:"true"`

	// ContradictionThreshold is the minimum cosine similarity, in [0,1],
	// at which two differing artifacts/notes are flagged as a Conflict.
	ContradictionThreshold float64 `env:"CONTRADICTION_THRESHOLD" yaml:"contradiction_threshold" json:"contradiction_threshold" required:"true"`

	// CheckpointRetention is how many historical checkpoints the hybrid
	// store keeps before pruning the oldest.
	CheckpointRetention int `env:"CHECKPOINT_RETENTION" yaml:"checkpoint_retention" json:"checkpoint_retention" required:"true"`

	// HashAlgorithm selects the chain-hash function; changing it on an
	// existing store invalidates every prior chain link.
	HashAlgorithm HashAlgorithm `env:"HASH_ALGORITHM" yaml:"hash_algorithm" json:"hash_algorithm" required:"true"`

	// HotCacheBytes bounds the memory-mapped hot tier's resident size.
	HotCacheBytes int64 `env:"HOT_CACHE_BYTES" yaml:"hot_cache_bytes" json:"hot_cache_bytes" required:"true"`

	// WalSegmentBytes is the fixed size of each rotated WAL segment.
	WalSegmentBytes int64 `env:"WAL_SEGMENT_BYTES" yaml:"wal_segment_bytes" json:"wal_segment_bytes" required:"true"`

	// PollIntervalMs is the multi-instance journal's fallback poll
	// interval, used only when a consumer has no live change-journal
	// subscription.
	PollIntervalMs int `env:"POLL_INTERVAL_MS" yaml:"poll_interval_ms" json:"poll_interval_ms" required:"true"`

	// LockDefaultTTLMs is the advisory lock TTL applied when a caller's
	// acquire does not specify one.
	LockDefaultTTLMs int `env:"LOCK_DEFAULT_TTL_MS" yaml:"lock_default_ttl_ms" json:"lock_default_ttl_ms" required:"true"`
}

// Validate checks the range constraints that go with each field's
// required-ness; the required:"true" tags alone only catch zero values,
// not values that are present but out of range (e.g. a negative
// token_budget).
func (c *CaliberConfig) Validate() error {
	if c.TokenBudget <= 0 {
		return sserr.ConfigInvalid("token_budget", "must be a positive integer")
	}
	if c.StaleThreshold <= 0 {
		return sserr.ConfigInvalid("stale_threshold", "must be a positive duration")
	}
	if c.ContradictionThreshold < 0 || c.ContradictionThreshold > 1 {
		return sserr.ConfigInvalid("contradiction_threshold", "must be in [0, 1]")
	}
	if c.CheckpointRetention < 0 {
		return sserr.ConfigInvalid("checkpoint_retention", "must be non-negative")
	}
	switch c.HashAlgorithm {
	case HashBlake3, HashSHA256:
	default:
		return sserr.ConfigInvalid("hash_algorithm", "must be one of: blake3, sha256")
	}
	if c.HotCacheBytes <= 0 {
		return sserr.ConfigInvalid("hot_cache_bytes", "must be a positive integer")
	}
	if c.WalSegmentBytes <= 0 {
		return sserr.ConfigInvalid("wal_segment_bytes", "must be a positive integer")
	}
	if c.PollIntervalMs <= 0 {
		return sserr.ConfigInvalid("poll_interval_ms", "must be a positive integer")
	}
	if c.LockDefaultTTLMs <= 0 {
		return sserr.ConfigInvalid("lock_default_ttl_ms", "must be a positive integer")
	}
	return nil
}
