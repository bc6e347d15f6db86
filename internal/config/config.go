// ABOUTME: Configuration loading and parsing for passage-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/passage-gateway/internal/agent"
	"github.com/2389/passage-gateway/internal/health"
	"github.com/2389/passage-gateway/internal/planning"
)

// Defaults applied by Load when a field is absent.
const (
	DefaultHTTPAddr            = "127.0.0.1:8080"
	DefaultGRPCAddr            = "127.0.0.1:50051"
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultMaxRestarts         = 3
	DefaultRestartDelay        = 2 * time.Second
	DefaultMaxErrorRate        = 0.25
	DefaultMaxResponseTime     = 2 * time.Second
	DefaultStartupGrace        = 10 * time.Second
	DefaultStopGracePeriod     = 5 * time.Second
)

// envConfigPath names the environment variable that overrides the config path.
const envConfigPath = "PASSAGE_CONFIG"

// Config represents the complete passage-gateway configuration
type Config struct {
	Server     ServerConfig          `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig       `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig        `yaml:"database" toml:"database"`
	Logging    LoggingConfig         `yaml:"logging" toml:"logging"`
	Health     HealthConfig          `yaml:"health" toml:"health"`
	Supervisor SupervisorConfig      `yaml:"supervisor" toml:"supervisor"`
	Planning   PlanningConfig        `yaml:"planning" toml:"planning"`
	Agents     []AgentConfig         `yaml:"agents" toml:"agents"`
	Plans      map[string]PlanConfig `yaml:"plans" toml:"plans"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration. An empty path disables the
// agent lifecycle audit log.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// HealthConfig holds the health classification thresholds
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold"`
	MaxErrorRate     float64       `yaml:"max_error_rate" toml:"max_error_rate"`
	MaxResponseTime  time.Duration `yaml:"-" toml:"-"`
	StartupGrace     time.Duration `yaml:"-" toml:"-"`

	MaxResponseTimeRaw string `yaml:"max_response_time" toml:"max_response_time"`
	StartupGraceRaw    string `yaml:"startup_grace" toml:"startup_grace"`
}

// SupervisorConfig holds process supervision settings
type SupervisorConfig struct {
	StopGracePeriod    time.Duration `yaml:"-" toml:"-"`
	StopGracePeriodRaw string        `yaml:"stop_grace_period" toml:"stop_grace_period"`
}

// PlanningConfig holds planning session timing
type PlanningConfig struct {
	SessionTimeout time.Duration `yaml:"-" toml:"-"`
	AgentTimeout   time.Duration `yaml:"-" toml:"-"`
	Retention      time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTL time.Duration `yaml:"-" toml:"-"`

	SessionTimeoutRaw string `yaml:"session_timeout" toml:"session_timeout"`
	AgentTimeoutRaw   string `yaml:"agent_timeout" toml:"agent_timeout"`
	RetentionRaw      string `yaml:"retention" toml:"retention"`
	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// HealthCheckConfig selects how an agent is probed
type HealthCheckConfig struct {
	Type    string `yaml:"type" toml:"type"`
	URL     string `yaml:"url" toml:"url"`
	Service string `yaml:"service" toml:"service"`
}

// AgentConfig describes one supervised agent
type AgentConfig struct {
	ID         string            `yaml:"id" toml:"id"`
	Name       string            `yaml:"name" toml:"name"`
	Command    string            `yaml:"command" toml:"command"`
	Args       []string          `yaml:"args" toml:"args"`
	Env        map[string]string `yaml:"env" toml:"env"`
	WorkingDir string            `yaml:"working_dir" toml:"working_dir"`
	Endpoint   string            `yaml:"endpoint" toml:"endpoint"`
	Health     HealthCheckConfig `yaml:"health" toml:"health"`
	// MaxRestarts is a pointer so an explicit 0 survives defaulting.
	MaxRestarts *int `yaml:"max_restarts" toml:"max_restarts"`
	Autostart   bool `yaml:"autostart" toml:"autostart"`

	HealthCheckInterval time.Duration `yaml:"-" toml:"-"`
	HealthCheckTimeout  time.Duration `yaml:"-" toml:"-"`
	RestartDelay        time.Duration `yaml:"-" toml:"-"`

	HealthCheckIntervalRaw string `yaml:"health_check_interval" toml:"health_check_interval"`
	HealthCheckTimeoutRaw  string `yaml:"health_check_timeout" toml:"health_check_timeout"`
	RestartDelayRaw        string `yaml:"restart_delay" toml:"restart_delay"`
}

// PlanAgentConfig is one agent reference inside a plan
type PlanAgentConfig struct {
	ID        string `yaml:"id" toml:"id"`
	Mandatory bool   `yaml:"mandatory" toml:"mandatory"`
}

// PlanConfig lists the agents a plan type fans out to
type PlanConfig struct {
	Agents       []PlanAgentConfig `yaml:"agents" toml:"agents"`
	Timeout      time.Duration     `yaml:"-" toml:"-"`
	AgentTimeout time.Duration     `yaml:"-" toml:"-"`

	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
	AgentTimeoutRaw string `yaml:"agent_timeout" toml:"agent_timeout"`
}

// ResolvePath picks the config file: the flag value, then $PASSAGE_CONFIG,
// then $XDG_CONFIG_HOME/passage/gateway.yaml (or ~/.config when unset).
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "passage", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes, defaults and validates configuration content.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDuration(field, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"health.max_response_time", cfg.Health.MaxResponseTimeRaw, &cfg.Health.MaxResponseTime},
		{"health.startup_grace", cfg.Health.StartupGraceRaw, &cfg.Health.StartupGrace},
		{"supervisor.stop_grace_period", cfg.Supervisor.StopGracePeriodRaw, &cfg.Supervisor.StopGracePeriod},
		{"planning.session_timeout", cfg.Planning.SessionTimeoutRaw, &cfg.Planning.SessionTimeout},
		{"planning.agent_timeout", cfg.Planning.AgentTimeoutRaw, &cfg.Planning.AgentTimeout},
		{"planning.retention", cfg.Planning.RetentionRaw, &cfg.Planning.Retention},
		{"planning.idempotency_ttl", cfg.Planning.IdempotencyTTLRaw, &cfg.Planning.IdempotencyTTL},
	}
	for _, f := range fields {
		if err := parseDuration(f.name, f.raw, f.dst); err != nil {
			return err
		}
	}

	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		prefix := fmt.Sprintf("agents[%d]", i)
		if err := parseDuration(prefix+".health_check_interval", a.HealthCheckIntervalRaw, &a.HealthCheckInterval); err != nil {
			return err
		}
		if err := parseDuration(prefix+".health_check_timeout", a.HealthCheckTimeoutRaw, &a.HealthCheckTimeout); err != nil {
			return err
		}
		if err := parseDuration(prefix+".restart_delay", a.RestartDelayRaw, &a.RestartDelay); err != nil {
			return err
		}
	}

	for name, p := range cfg.Plans {
		if err := parseDuration("plans."+name+".timeout", p.TimeoutRaw, &p.Timeout); err != nil {
			return err
		}
		if err := parseDuration("plans."+name+".agent_timeout", p.AgentTimeoutRaw, &p.AgentTimeout); err != nil {
			return err
		}
		cfg.Plans[name] = p
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.GRPCAddr == "" && !c.Tailscale.Enabled {
		c.Server.GRPCAddr = DefaultGRPCAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = health.DefaultFailureThreshold
	}
	if c.Health.MaxErrorRate == 0 {
		c.Health.MaxErrorRate = DefaultMaxErrorRate
	}
	if c.Health.MaxResponseTimeRaw == "" {
		c.Health.MaxResponseTime = DefaultMaxResponseTime
	}
	if c.Health.StartupGraceRaw == "" {
		c.Health.StartupGrace = DefaultStartupGrace
	}
	if c.Supervisor.StopGracePeriod == 0 {
		c.Supervisor.StopGracePeriod = DefaultStopGracePeriod
	}
	if c.Planning.SessionTimeout == 0 {
		c.Planning.SessionTimeout = planning.DefaultSessionTimeout
	}
	if c.Planning.AgentTimeout == 0 {
		c.Planning.AgentTimeout = planning.DefaultAgentTimeout
	}
	if c.Planning.Retention == 0 {
		c.Planning.Retention = planning.DefaultRetention
	}
	if c.Planning.IdempotencyTTL == 0 {
		c.Planning.IdempotencyTTL = planning.DefaultIdempotencyTTL
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		if a.HealthCheckIntervalRaw == "" {
			a.HealthCheckInterval = DefaultHealthCheckInterval
		}
		if a.HealthCheckTimeoutRaw == "" {
			a.HealthCheckTimeout = DefaultHealthCheckTimeout
		}
		if a.RestartDelayRaw == "" {
			a.RestartDelay = DefaultRestartDelay
		}
		if a.MaxRestarts == nil {
			n := DefaultMaxRestarts
			a.MaxRestarts = &n
		}
		if a.Health.Type == "" {
			if a.Endpoint != "" {
				a.Health.Type = string(agent.ProbeHTTP)
			} else {
				a.Health.Type = string(agent.ProbeProcess)
			}
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			return errors.New("server.http_addr is required (or enable tailscale)")
		}
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Health.FailureThreshold < 0 {
		return errors.New("health.failure_threshold must not be negative")
	}
	if c.Health.MaxErrorRate < 0 || c.Health.MaxErrorRate > 1 {
		return errors.New("health.max_error_rate must be between 0 and 1")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true

		if a.Command == "" {
			return fmt.Errorf("agent %s: command is required", a.ID)
		}
		if a.HealthCheckInterval <= 0 {
			return fmt.Errorf("agent %s: health_check_interval must be positive", a.ID)
		}
		if a.HealthCheckTimeout <= 0 {
			return fmt.Errorf("agent %s: health_check_timeout must be positive", a.ID)
		}
		if a.RestartDelay < 0 {
			return fmt.Errorf("agent %s: restart_delay must not be negative", a.ID)
		}
		if a.MaxRestarts != nil && *a.MaxRestarts < 0 {
			return fmt.Errorf("agent %s: max_restarts must not be negative", a.ID)
		}
		switch agent.ProbeType(a.Health.Type) {
		case agent.ProbeHTTP:
			if a.Endpoint == "" && a.Health.URL == "" {
				return fmt.Errorf("agent %s: http health check needs endpoint or health.url", a.ID)
			}
		case agent.ProbeGRPC:
			if a.Health.URL == "" {
				return fmt.Errorf("agent %s: grpc health check needs health.url", a.ID)
			}
		case agent.ProbeProcess:
		default:
			return fmt.Errorf("agent %s: unknown health.type %q", a.ID, a.Health.Type)
		}
	}

	for name, p := range c.Plans {
		if len(p.Agents) == 0 {
			return fmt.Errorf("plan %s: agents are required", name)
		}
		mandatory := 0
		inPlan := make(map[string]bool, len(p.Agents))
		for _, pa := range p.Agents {
			if !seen[pa.ID] {
				return fmt.Errorf("plan %s: unknown agent %q", name, pa.ID)
			}
			if inPlan[pa.ID] {
				return fmt.Errorf("plan %s: agent %q listed twice", name, pa.ID)
			}
			inPlan[pa.ID] = true
			if pa.Mandatory {
				mandatory++
			}
		}
		if mandatory == 0 {
			return fmt.Errorf("plan %s: at least one agent must be mandatory", name)
		}
		if p.Timeout < 0 || p.AgentTimeout < 0 {
			return fmt.Errorf("plan %s: timeouts must not be negative", name)
		}
	}
	return nil
}

// Descriptors converts the agent section into supervisor descriptors.
func (c *Config) Descriptors() []agent.Descriptor {
	out := make([]agent.Descriptor, 0, len(c.Agents))
	for _, a := range c.Agents {
		maxRestarts := DefaultMaxRestarts
		if a.MaxRestarts != nil {
			maxRestarts = *a.MaxRestarts
		}
		out = append(out, agent.Descriptor{
			ID:         a.ID,
			Name:       a.Name,
			Command:    a.Command,
			Args:       a.Args,
			Env:        a.Env,
			WorkingDir: a.WorkingDir,
			Endpoint:   a.Endpoint,
			Health: agent.HealthCheck{
				Type:    agent.ProbeType(a.Health.Type),
				URL:     a.Health.URL,
				Service: a.Health.Service,
			},
			HealthCheckInterval: a.HealthCheckInterval,
			HealthCheckTimeout:  a.HealthCheckTimeout,
			MaxRestarts:         maxRestarts,
			RestartDelay:        a.RestartDelay,
			Autostart:           a.Autostart,
		})
	}
	return out
}

// HealthPolicy returns the classification thresholds for the health monitor.
func (c *Config) HealthPolicy() health.Policy {
	return health.Policy{
		FailureThreshold: c.Health.FailureThreshold,
		MaxErrorRate:     c.Health.MaxErrorRate,
		MaxResponseTime:  c.Health.MaxResponseTime,
		StartupGrace:     c.Health.StartupGrace,
	}
}

// PlanTypes converts the plans section for the planning coordinator.
func (c *Config) PlanTypes() map[string]planning.PlanType {
	out := make(map[string]planning.PlanType, len(c.Plans))
	for name, p := range c.Plans {
		pt := planning.PlanType{
			Name:         name,
			Timeout:      p.Timeout,
			AgentTimeout: p.AgentTimeout,
		}
		for _, pa := range p.Agents {
			pt.Agents = append(pt.Agents, planning.PlanAgent{ID: pa.ID, Mandatory: pa.Mandatory})
		}
		out[name] = pt
	}
	return out
}
