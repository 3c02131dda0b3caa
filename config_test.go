package authstore

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultHybridConfig_Valid(t *testing.T) {
	if err := DefaultHybridConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestHybridConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*HybridConfig)
		valid  bool
	}{
		{"sub-second ttl", func(c *HybridConfig) { c.TTL.DefaultTTL = 500 * time.Millisecond }, false},
		{"fractional ttl", func(c *HybridConfig) { c.TTL.KeysTTL = 1500 * time.Millisecond }, false},
		{"timeout too short", func(c *HybridConfig) { c.Resilience.OperationTimeout = 50 * time.Millisecond }, false},
		{"timeout too long", func(c *HybridConfig) { c.Resilience.OperationTimeout = 2 * time.Minute }, false},
		{"too many retries", func(c *HybridConfig) { c.Resilience.MaxRetries = 11 }, false},
		{"multiplier below one", func(c *HybridConfig) { c.Resilience.RetryMultiplier = 0.5 }, false},
		{"unknown environment", func(c *HybridConfig) { c.Security.Environment = "staging" }, false},
		{"encryption without key", func(c *HybridConfig) { c.Security.EnableEncryption = true }, false},
		{"encryption short key", func(c *HybridConfig) {
			c.Security.EnableEncryption = true
			c.MasterKey = "abcd"
		}, false},
		{"encryption zero rotation", func(c *HybridConfig) {
			c.Security.EnableEncryption = true
			c.MasterKey = strings.Repeat("ab", 32)
			c.Security.KeyRotationDays = 0
		}, false},
		{"encryption ok", func(c *HybridConfig) {
			c.Security.EnableEncryption = true
			c.MasterKey = strings.Repeat("ab", 32)
		}, true},
		{"bad compression algorithm", func(c *HybridConfig) {
			c.Security.EnableCompression = true
			c.Security.CompressionAlgorithm = "brotli"
		}, false},
		{"gzip ok", func(c *HybridConfig) {
			c.Security.EnableCompression = true
			c.Security.CompressionAlgorithm = CompressionGzip
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultHybridConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.valid {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !IsPermanent(err) {
					t.Errorf("config errors must be permanent, got %v", err)
				}
			}
		})
	}
}
