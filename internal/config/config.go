// Package config loads the sandbox session executor's configuration from
// environment variables, following the teacher's getEnv*-family loader
// idiom. Per SPEC_FULL.md §9 ("Dynamic option/config objects → replace with
// the enumerated configuration table"), only the SBX_-prefixed keys this
// loader reads are recognized: any other SBX_-prefixed variable present at
// startup is a fatal ConfigInvalid error rather than a silently ignored typo.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/workspace/sandbox-executor/internal/sandboxerrors"
)

// Backend selects which executor owns sessions.
type Backend string

const (
	BackendSandbox Backend = "sandbox"
	BackendLocal   Backend = "local"
)

// Config holds every configuration value enumerated in SPEC_FULL.md §6.
type Config struct {
	// Edge HTTP server (ambient; edge routing itself is out of scope).
	Host           string
	Port           int
	AllowedOrigins []string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Bearer-token auth boundary (optional; empty JWKSEndpoint disables it).
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// Execution backend.
	Backend Backend

	// Container image and runtime ceilings (C4).
	Image         string
	MemLimitBytes int64
	CPULimit      float64
	ContainerGrace time.Duration

	// Port pools (C2).
	APIPortLo, APIPortHi   int
	CodePortLo, CodePortHi int
	PortProbeAddr          string

	// Timeouts (C4, C5).
	RequestTimeout     time.Duration
	StreamTimeout      time.Duration
	HealthCheckTimeout time.Duration
	DegradeAfter       int

	// Lifecycle supervisor (C6).
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
	ProbeRatePerSecond float64

	// Agent credentials passed into containers (C4) or the local process (C7).
	AgentAPIKey  string
	AgentBaseURL string
	AgentModel   string
	HostLoopback string

	// Workspace provisioning (C3).
	WorkspaceRoot     string
	ConfigTemplateDir string
	GitCredential     string

	// Legacy local executor (C7).
	LocalAgentCommand string
	LocalAgentArgs    []string
	LocalAgentEnv     []string

	// SessionRepository adapter (external collaborator interface, §1).
	SessionDBPath string
}

// recognized is the allowlist of SBX_-prefixed environment variable names
// this loader understands. Anything else with that prefix is rejected.
var recognized = map[string]struct{}{}

func env(key, defaultValue string) string {
	recognized[key] = struct{}{}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	recognized[key] = struct{}{}
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func envInt64(key string, defaultValue int64) int64 {
	recognized[key] = struct{}{}
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func envFloat(key string, defaultValue float64) float64 {
	recognized[key] = struct{}{}
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	recognized[key] = struct{}{}
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func envStringSlice(key string, defaultValue []string) []string {
	recognized[key] = struct{}{}
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

// Load reads configuration from environment variables, applying the
// defaults and derivations SPEC_FULL.md §6 describes.
func Load() (*Config, error) {
	cfg := &Config{
		Host:           env("SBX_HOST", "0.0.0.0"),
		Port:           envInt("SBX_PORT", 8080),
		AllowedOrigins: envStringSlice("SBX_ALLOWED_ORIGINS", nil),

		HTTPReadTimeout:  envDuration("SBX_HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: envDuration("SBX_HTTP_WRITE_TIMEOUT", 0), // streaming responses must not be deadlined
		HTTPIdleTimeout:  envDuration("SBX_HTTP_IDLE_TIMEOUT", 60*time.Second),

		JWKSEndpoint: env("SBX_JWKS_ENDPOINT", ""),
		JWTAudience:  env("SBX_JWT_AUDIENCE", "sandbox-executor"),
		JWTIssuer:    env("SBX_JWT_ISSUER", ""),

		Backend: Backend(env("SBX_BACKEND", string(BackendSandbox))),

		Image:          env("SBX_IMAGE", "sandbox-agent:latest"),
		MemLimitBytes:  envInt64("SBX_MEM_LIMIT_BYTES", 2*1024*1024*1024),
		CPULimit:       envFloat("SBX_CPU_LIMIT", 1.0),
		ContainerGrace: envDuration("SBX_CONTAINER_GRACE", 10*time.Second),

		APIPortLo:  envInt("SBX_API_PORT_LO", 10001),
		APIPortHi:  envInt("SBX_API_PORT_HI", 10100),
		CodePortLo: envInt("SBX_CODE_PORT_LO", 20001),
		CodePortHi: envInt("SBX_CODE_PORT_HI", 20100),
		PortProbeAddr: env("SBX_PORT_PROBE_ADDR", "127.0.0.1"),

		RequestTimeout:     envDuration("SBX_REQUEST_TIMEOUT", 30*time.Second),
		StreamTimeout:      envDuration("SBX_STREAM_TIMEOUT", 10*time.Minute),
		HealthCheckTimeout: envDuration("SBX_HEALTH_CHECK_TIMEOUT", 60*time.Second),
		DegradeAfter:       envInt("SBX_DEGRADE_AFTER", 3),

		IdleTimeout:        envDuration("SBX_IDLE_TIMEOUT", 30*time.Minute),
		SweepInterval:      envDuration("SBX_SWEEP_INTERVAL", 1*time.Minute),
		ProbeRatePerSecond: envFloat("SBX_PROBE_RATE_PER_SECOND", 10),

		AgentAPIKey:  env("SBX_AGENT_API_KEY", ""),
		AgentBaseURL: env("SBX_AGENT_BASE_URL", ""),
		AgentModel:   env("SBX_AGENT_MODEL", ""),
		HostLoopback: env("SBX_HOST_LOOPBACK", ""),

		WorkspaceRoot:     env("SBX_WORKSPACE_ROOT", "/var/lib/sandbox-executor/workspaces"),
		ConfigTemplateDir: env("SBX_CONFIG_TEMPLATE_DIR", ""),
		GitCredential:     env("SBX_GIT_CREDENTIAL", ""),

		LocalAgentCommand: env("SBX_LOCAL_AGENT_COMMAND", "claude-code-acp"),
		LocalAgentArgs:    envStringSlice("SBX_LOCAL_AGENT_ARGS", nil),
		LocalAgentEnv:     envStringSlice("SBX_LOCAL_AGENT_ENV", nil),

		SessionDBPath: env("SBX_SESSION_DB_PATH", "/var/lib/sandbox-executor/sessions.db"),
	}

	if err := rejectUnknownKeys(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// host_loopback comes only from SBX_HOST_LOOPBACK; when it is unset the
	// value stays empty and nothing is inferred from the Linux gateway.
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Backend != BackendSandbox && c.Backend != BackendLocal {
		return fmt.Errorf("%w: SBX_BACKEND must be %q or %q, got %q", sandboxerrors.ErrConfigInvalid, BackendSandbox, BackendLocal, c.Backend)
	}
	if c.APIPortLo <= 0 || c.APIPortHi < c.APIPortLo {
		return fmt.Errorf("%w: invalid SBX_API_PORT range [%d, %d]", sandboxerrors.ErrConfigInvalid, c.APIPortLo, c.APIPortHi)
	}
	if c.CodePortLo <= 0 || c.CodePortHi < c.CodePortLo {
		return fmt.Errorf("%w: invalid SBX_CODE_PORT range [%d, %d]", sandboxerrors.ErrConfigInvalid, c.CodePortLo, c.CodePortHi)
	}
	if c.Backend == BackendSandbox && c.Image == "" {
		return fmt.Errorf("%w: SBX_IMAGE is required for the sandbox backend", sandboxerrors.ErrConfigInvalid)
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("%w: SBX_WORKSPACE_ROOT is required", sandboxerrors.ErrConfigInvalid)
	}
	return nil
}

// rejectUnknownKeys fails startup if an SBX_-prefixed environment variable
// is set that this loader never queried — the "reject unknown keys"
// discipline SPEC_FULL.md §9 calls for in place of a dynamic options object.
func rejectUnknownKeys() error {
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "SBX_") {
			continue
		}
		if _, known := recognized[key]; !known {
			return fmt.Errorf("%w: unrecognized configuration key %q", sandboxerrors.ErrConfigInvalid, key)
		}
	}
	return nil
}
