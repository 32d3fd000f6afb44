// Package config holds the single operational configuration record
// described in spec.md §6. No environment variable governs correctness;
// every field here is either a storage-layout choice (db_root, part_rows,
// compression) or a hardening toggle explicitly opted into by the caller.
package config

import (
	"bytes"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DanJSal/datamgr/internal/derrors"
)

// Config is the record passed to IngestCoordinator construction.
// Field tags let a deployment hand this same record to LoadFile as a
// reviewable YAML document instead of wiring every functional option by hand.
type Config struct {
	DBRoot string `yaml:"db_root"`

	PartRows int     `yaml:"part_rows"` // default 100_000
	ChunkMB  float64 `yaml:"chunk_mb"`  // default 8.0

	Compression     string `yaml:"compression"`
	CompressionOpts int    `yaml:"compression_opts"`

	Quantization map[string]float64          `yaml:"quantization"`
	Jagged       map[string]JaggedFieldConfig `yaml:"jagged"`

	EncryptionMode    string `yaml:"encryption_mode"` // default "none"
	RequireEncryption bool   `yaml:"require_encryption"`

	EnforcePosixPerms  bool   `yaml:"enforce_posix_perms"`
	AdvisoryLocking    bool   `yaml:"advisory_locking"`
	TamperChainEnabled bool   `yaml:"tamper_chain_enabled"`
	AuditLogEnabled    bool   `yaml:"audit_log_enabled"`
	DataOwnerUser      string `yaml:"data_owner_user"`
	DataOwnerGroup     string `yaml:"data_owner_group"`
	LockDir            string `yaml:"lock_dir"`

	KeyRotationDays int `yaml:"key_rotation_days"`

	// AllowJaggedGrowth permits a batch to widen a jagged field's canonical
	// max shape after it has already been locked (spec §9 Open Question:
	// "policy, not correctness" — default is refuse).
	AllowJaggedGrowth bool `yaml:"allow_jagged_growth"`

	// StaleClaimAfter is the staging-claim reclaim horizon (spec §5, default 300s).
	StaleClaimAfter time.Duration `yaml:"stale_claim_after"`

	// TmpSweepHorizon is how old a *.tmp file must be before PartFileStore
	// sweeps it on next publish (spec §4.4).
	TmpSweepHorizon time.Duration `yaml:"tmp_sweep_horizon"`

	// AllowUnlockedLease permits SubsetLease/DatasetLease to proceed without
	// an OS advisory lock backend (explicit escape hatch, never an env var
	// per spec's "no environment variables govern correctness").
	AllowUnlockedLease bool `yaml:"allow_unlocked_lease"`
}

// JaggedFieldConfig mirrors schema.json's per-field jagged spec.
type JaggedFieldConfig struct {
	VaryDims []int `yaml:"vary_dims"`
}

// Option mutates a Config during construction.
type Option func(*Config)

// New builds a Config with spec-mandated defaults, then applies opts.
func New(dbRoot string, opts ...Option) Config {
	c := Config{
		DBRoot:          dbRoot,
		PartRows:        100_000,
		ChunkMB:         8.0,
		Quantization:    map[string]float64{},
		Jagged:          map[string]JaggedFieldConfig{},
		EncryptionMode:  "none",
		AdvisoryLocking: true,
		StaleClaimAfter: 300 * time.Second,
		TmpSweepHorizon: 24 * time.Hour,
		KeyRotationDays: 180,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func WithPartRows(n int) Option            { return func(c *Config) { c.PartRows = n } }
func WithChunkMB(mb float64) Option         { return func(c *Config) { c.ChunkMB = mb } }
func WithCompression(codec string, level int) Option {
	return func(c *Config) { c.Compression = codec; c.CompressionOpts = level }
}
func WithQuantization(q map[string]float64) Option {
	return func(c *Config) { c.Quantization = q }
}
func WithLockDir(dir string) Option         { return func(c *Config) { c.LockDir = dir } }
func WithAuditLog(enabled bool) Option       { return func(c *Config) { c.AuditLogEnabled = enabled } }
func WithTamperChain(enabled bool) Option    { return func(c *Config) { c.TamperChainEnabled = enabled } }
func WithAllowUnlockedLease(v bool) Option   { return func(c *Config) { c.AllowUnlockedLease = v } }
func WithAllowJaggedGrowth(v bool) Option    { return func(c *Config) { c.AllowJaggedGrowth = v } }
func WithStaleClaimAfter(d time.Duration) Option {
	return func(c *Config) { c.StaleClaimAfter = d }
}
func WithTmpSweepHorizon(d time.Duration) Option {
	return func(c *Config) { c.TmpSweepHorizon = d }
}

// LoadFile reads a deployment's operational configuration from a YAML
// document, applying the same defaults New does for any field the document
// omits. Unknown fields are rejected (KnownFields) so a typo in a deployed
// config surfaces immediately rather than silently falling back to a default.
func LoadFile(path string, opts ...Option) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, derrors.Wrap(derrors.IOFault, err, "failed to read config file %q", path)
	}
	c := New("")
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil {
		return Config{}, derrors.Wrap(derrors.IOFault, err, "failed to parse config file %q", path)
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c, nil
}
