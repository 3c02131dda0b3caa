package authstore

import (
	"time"
)

// Encryption and compression algorithm names accepted by SecurityConfig
const (
	EncryptionSecretbox = "aead-secretbox"
	EncryptionAESGCM    = "aes-256-gcm"

	CompressionSnappy = "snappy"
	CompressionGzip   = "gzip"
)

// Environment names accepted by SecurityConfig
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Outbox constants
const (
	// OutboxMaxAttempts is the retry budget before an entry moves to the dead letter
	OutboxMaxAttempts = 3

	// OutboxContainerTTL bounds how long an abandoned outbox container lives
	OutboxContainerTTL = 7 * 24 * time.Hour

	// OutboxCompletedGrace is how long completed entries stay visible
	OutboxCompletedGrace = time.Hour
)

// TTLConfig holds per-record expirations, in whole seconds. A stored record
// carries creds and keys together, so its effective expiration is the
// shortest of the configured category TTLs. LockTTL bounds how long a writer
// may wait on the per-session lock.
type TTLConfig struct {
	DefaultTTL time.Duration
	CredsTTL   time.Duration
	KeysTTL    time.Duration
	LockTTL    time.Duration
}

// EffectiveRecordTTL returns the shortest positive category TTL, falling
// back to DefaultTTL
func (t TTLConfig) EffectiveRecordTTL() time.Duration {
	ttl := t.DefaultTTL
	for _, candidate := range []time.Duration{t.CredsTTL, t.KeysTTL} {
		if candidate > 0 && (ttl <= 0 || candidate < ttl) {
			ttl = candidate
		}
	}
	return ttl
}

// ResilienceConfig bounds retries and the outer operation timeout
type ResilienceConfig struct {
	OperationTimeout time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
}

// SecurityConfig selects the at-rest codec for the durable tier
type SecurityConfig struct {
	EnableEncryption     bool
	EnableCompression    bool
	EncryptionAlgorithm  string
	CompressionAlgorithm string
	KeyRotationDays      int
	Environment          string
}

// ObservabilityConfig toggles the metrics and logging surface.
// EnableMetrics off silences every collector; EnableDetailedLogs adds
// per-operation debug records; MetricsInterval is the outbox gauge refresh
// period when write-behind is active.
type ObservabilityConfig struct {
	EnableMetrics      bool
	EnableDetailedLogs bool
	MetricsInterval    time.Duration
}

// BreakerConfig tunes the circuit breaker around the durable tier
type BreakerConfig struct {
	CallTimeout    time.Duration
	ErrorThreshold float64 // error rate in [0,1] that opens the circuit
	Window         time.Duration
	Buckets        int
	ResetTimeout   time.Duration
}

// HybridConfig configures the hybrid store
type HybridConfig struct {
	TTL           TTLConfig
	Resilience    ResilienceConfig
	Security      SecurityConfig
	Observability ObservabilityConfig
	Breaker       BreakerConfig

	// EnableWriteBehind routes writes through the outbox + external queue
	EnableWriteBehind bool

	// Queue is the external job queue; required for write-behind to engage
	Queue QueueAdapter

	// MasterKey is 64 hex chars; required iff encryption is enabled
	MasterKey string

	// ReconcileInterval is the outbox drain period (default 30s)
	ReconcileInterval time.Duration

	// ReconcileConcurrency bounds in-flight reconciliations (default 10)
	ReconcileConcurrency int

	// LockTableSize bounds the per-session mutex table (default 10000)
	LockTableSize int

	// LockIdleTTL evicts idle session mutexes (default 30m)
	LockIdleTTL time.Duration
}

// DefaultHybridConfig returns production-grade defaults
func DefaultHybridConfig() HybridConfig {
	return HybridConfig{
		TTL: TTLConfig{
			DefaultTTL: 30 * 24 * time.Hour,
			CredsTTL:   30 * 24 * time.Hour,
			KeysTTL:    30 * 24 * time.Hour,
			LockTTL:    30 * time.Second,
		},
		Resilience: ResilienceConfig{
			OperationTimeout: 10 * time.Second,
			MaxRetries:       3,
			RetryBaseDelay:   100 * time.Millisecond,
			RetryMultiplier:  2,
		},
		Security: SecurityConfig{
			EnableEncryption:     false,
			EnableCompression:    false,
			EncryptionAlgorithm:  EncryptionAESGCM,
			CompressionAlgorithm: CompressionSnappy,
			KeyRotationDays:      90,
			Environment:          EnvDevelopment,
		},
		Observability: ObservabilityConfig{
			EnableMetrics:   true,
			MetricsInterval: 15 * time.Second,
		},
		Breaker: BreakerConfig{
			CallTimeout:    3 * time.Second,
			ErrorThreshold: 0.5,
			Window:         10 * time.Second,
			Buckets:        10,
			ResetTimeout:   30 * time.Second,
		},
		ReconcileInterval:    30 * time.Second,
		ReconcileConcurrency: 10,
		LockTableSize:        10000,
		LockIdleTTL:          30 * time.Minute,
	}
}

// Validate checks the config bounds
func (c HybridConfig) Validate() error {
	for name, ttl := range map[string]time.Duration{
		"DefaultTTL": c.TTL.DefaultTTL,
		"CredsTTL":   c.TTL.CredsTTL,
		"KeysTTL":    c.TTL.KeysTTL,
		"LockTTL":    c.TTL.LockTTL,
	} {
		if ttl < time.Second {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "TTL." + name,
				"value":  ttl,
				"reason": "must be at least 1s",
			})
		}
		if ttl%time.Second != 0 {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "TTL." + name,
				"value":  ttl,
				"reason": "must be a whole number of seconds",
			})
		}
	}

	if c.Resilience.OperationTimeout < 100*time.Millisecond || c.Resilience.OperationTimeout > 60*time.Second {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Resilience.OperationTimeout",
			"value":  c.Resilience.OperationTimeout,
			"reason": "must be between 100ms and 60s",
		})
	}
	if c.Resilience.MaxRetries < 0 || c.Resilience.MaxRetries > 10 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Resilience.MaxRetries",
			"value":  c.Resilience.MaxRetries,
			"reason": "must be between 0 and 10",
		})
	}
	if c.Resilience.RetryMultiplier < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Resilience.RetryMultiplier",
			"value":  c.Resilience.RetryMultiplier,
			"reason": "must be >= 1",
		})
	}

	switch c.Security.Environment {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field": "Security.Environment",
			"value": c.Security.Environment,
		})
	}

	if c.Security.EnableEncryption {
		if c.Security.KeyRotationDays < 1 {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Security.KeyRotationDays",
				"value":  c.Security.KeyRotationDays,
				"reason": "must be >= 1 when encryption is enabled",
			})
		}
		if !isHexKey(c.MasterKey) {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "MasterKey",
				"reason": "must be 64 hex characters when encryption is enabled",
			})
		}
		switch c.Security.EncryptionAlgorithm {
		case EncryptionSecretbox, EncryptionAESGCM:
		default:
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field": "Security.EncryptionAlgorithm",
				"value": c.Security.EncryptionAlgorithm,
			})
		}
	}

	if c.Security.EnableCompression {
		switch c.Security.CompressionAlgorithm {
		case CompressionSnappy, CompressionGzip:
		default:
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field": "Security.CompressionAlgorithm",
				"value": c.Security.CompressionAlgorithm,
			})
		}
	}

	return nil
}

func isHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
