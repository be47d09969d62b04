// Package config loads the process's runtime configuration from the
// environment, following the teacher pack's SENTRYCTL_/env-var-prefixed
// convention (config.Load in the teacher reads PULSE_*; ours reads
// SENTRYCTL_*) rather than a flags-only or file-only scheme.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process's full runtime configuration, assembled once at
// startup by Load.
type Config struct {
	// DataDir is the root directory for the Knowledge Store's sqlite file
	// and the Process Runner's per-invocation session logs.
	DataDir string

	// ListenAddr is the address the UI event Hub and HTTP API listen on.
	ListenAddr string
	// AllowedOrigins is the comma-separated origin allowlist the Hub's
	// websocket upgrader checks; empty means same-origin only.
	AllowedOrigins string

	// CollaboratorBaseURL, CollaboratorAPIKey, and CollaboratorModel
	// configure the Intent Resolver's HTTPCollaborator.
	CollaboratorBaseURL string
	CollaboratorAPIKey  string
	CollaboratorModel   string

	// ProbeTTL bounds how often the Execution Manager re-probes the
	// containerized tool runtime's reachability.
	ProbeTTL time.Duration
	// InvocationTimeout is the default wall-clock deadline the Process
	// Runner enforces on a spawned tool invocation.
	InvocationTimeout time.Duration
	// MaxConcurrentInvocations bounds how many tool processes may run at
	// once (spec §5 resource bounds).
	MaxConcurrentInvocations int

	// ApprovalTimeout is how long a pending approval request stays valid
	// before it lazily expires.
	ApprovalTimeout time.Duration
	// MaxPendingApprovals caps the approval Store's outstanding requests.
	MaxPendingApprovals int

	// EntityTTL is the age at which the Knowledge Store prunes stale
	// entities.
	EntityTTL time.Duration

	// CredentialEncryptionPassphrase derives the key that encrypts
	// credential entities at rest (internal/credstore).
	CredentialEncryptionPassphrase string

	// ToolDefsOverridePath, if set, names a tooldefs.yaml an operator
	// may edit at runtime; a Watcher on this path triggers
	// registry.Registry.Reload without a process restart. Empty means
	// no override, just the embedded fixture.
	ToolDefsOverridePath string
}

// Load assembles a Config from the process environment, applying the
// same defaults a fresh install would need before any env var is set.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:                  getEnv("SENTRYCTL_DATA_DIR", "/var/lib/sentryctl"),
		ListenAddr:               getEnv("SENTRYCTL_LISTEN_ADDR", ":8443"),
		AllowedOrigins:           getEnv("SENTRYCTL_ALLOWED_ORIGINS", ""),
		CollaboratorBaseURL:      getEnv("SENTRYCTL_COLLABORATOR_BASE_URL", ""),
		CollaboratorAPIKey:       getEnv("SENTRYCTL_COLLABORATOR_API_KEY", ""),
		CollaboratorModel:        getEnv("SENTRYCTL_COLLABORATOR_MODEL", "gpt-4o-mini"),
		ProbeTTL:                 getEnvDuration("SENTRYCTL_PROBE_TTL", 60*time.Second),
		InvocationTimeout:        getEnvDuration("SENTRYCTL_INVOCATION_TIMEOUT", 30*time.Minute),
		MaxConcurrentInvocations: getEnvInt("SENTRYCTL_MAX_CONCURRENT_INVOCATIONS", 4),
		ApprovalTimeout:          getEnvDuration("SENTRYCTL_APPROVAL_TIMEOUT", 5*time.Minute),
		MaxPendingApprovals:      getEnvInt("SENTRYCTL_MAX_PENDING_APPROVALS", 100),
		EntityTTL:                getEnvDuration("SENTRYCTL_ENTITY_TTL", 7*24*time.Hour),
		CredentialEncryptionPassphrase: os.Getenv("SENTRYCTL_CREDENTIAL_PASSPHRASE"),
		ToolDefsOverridePath:           getEnv("SENTRYCTL_TOOLDEFS_OVERRIDE_PATH", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: SENTRYCTL_DATA_DIR must not be empty")
	}
	if c.MaxConcurrentInvocations < 1 {
		return fmt.Errorf("config: SENTRYCTL_MAX_CONCURRENT_INVOCATIONS must be at least 1")
	}
	if c.MaxPendingApprovals < 1 {
		return fmt.Errorf("config: SENTRYCTL_MAX_PENDING_APPROVALS must be at least 1")
	}
	return nil
}

// KnowledgeDBPath is the sqlite file Load's DataDir implies.
func (c *Config) KnowledgeDBPath() string {
	return c.DataDir + "/knowledge.db"
}

// SessionRoot is the directory the Process Runner writes per-invocation
// session logs under.
func (c *Config) SessionRoot() string {
	return c.DataDir + "/sessions"
}

// OriginAllowlist splits AllowedOrigins into a slice, or nil when unset.
func (c *Config) OriginAllowlist() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	return strings.Split(c.AllowedOrigins, ",")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
