package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level mailflow configuration.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Tools     ToolsConfig     `yaml:"tools"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Flow      FlowConfig      `yaml:"flow"`
	Mail      MailConfig      `yaml:"mail"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Identity  IdentityConfig  `yaml:"identity"`
	Security  SecurityConfig  `yaml:"security"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// IdentityConfig points at the Identity View's (C2) bootstrap snapshot.
// spec.md treats the identity store itself as an external, admin-owned
// collaborator; SeedFile is only the file this engine reads to boot.
type IdentityConfig struct {
	SeedFile string `yaml:"seed_file"`
}

// SecurityConfig holds the optional audit-log and attachment-at-rest
// encryption settings layered on top of the ambient security package.
// Both are opt-in: leaving them unset keeps the engine usable without a
// passphrase or log destination configured.
type SecurityConfig struct {
	AuditLogPath            string `yaml:"audit_log_path"`
	AuditRetentionMaxAge    string `yaml:"audit_retention_max_age"`  // e.g. "720h"
	AuditRetentionMaxSize   string `yaml:"audit_retention_max_size"` // e.g. "100MB"
	ContentEncryptionKeyEnv string `yaml:"content_encryption_key_env"`
}

// FlowConfig holds the Flow Engine's (C8) default/bound settings, spec.md §6.
type FlowConfig struct {
	MaxRoundsDefault      int `yaml:"max_rounds_default"`
	TimeoutMinutesDefault int `yaml:"timeout_minutes_default"`
	ToolLoopCap           int `yaml:"tool_loop_cap"`
}

// MailConfig holds Mail Gateway Adapter settings: outbound send
// credentials/rate limit and the inbound webhook's shared-secret token.
type MailConfig struct {
	GatewayBaseURL    string  `yaml:"gateway_base_url"`
	GatewayDomain     string  `yaml:"gateway_domain"`
	GatewayAPIKey     string  `yaml:"gateway_api_key"`
	SendRatePerSecond float64 `yaml:"send_rate_per_second"`
	InboundToken      string  `yaml:"inbound_token"`
}

// GatewayConfig holds the inbound webhook HTTP server's listen address.
type GatewayConfig struct {
	Addr string `yaml:"addr"`
}

// SchedulerConfig holds cron/scheduler settings, used to drive the
// periodic flow-timeout sweep (spec.md §4.8).
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// FailoverConfig holds model failover settings.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	ModelRouting    map[string]string    `yaml:"model_routing,omitempty"` // preference → provider name, e.g. "fast" → "groq"
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name           string        `yaml:"name"`
	Type           string        `yaml:"type"`
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Region         string        `yaml:"region,omitempty"`
	ConnTimeout    time.Duration `yaml:"conn_timeout"`
	RespTimeout    time.Duration `yaml:"resp_timeout"`
	Pool           PoolConfig    `yaml:"pool"`
	ThinkingBudget int           `yaml:"thinking_budget,omitempty"`
}

// ToolsConfig holds Tool Registry (C5) backend settings — only the
// backends spec.md §4.5 names get a home here; the rest of the
// teacher's tool surface (shell, browser, camera, smart home, ...) has
// no component in this domain, see DESIGN.md.
type ToolsConfig struct {
	CalendarEnabled bool          `yaml:"calendar_enabled"`
	CalendarTimeout time.Duration `yaml:"calendar_timeout"`

	KanbanEnabled bool `yaml:"kanban_enabled"`

	DirectoryEnabled bool `yaml:"directory_enabled"`

	DatasafeEnabled bool   `yaml:"datasafe_enabled"`
	DatasafeBaseDir string `yaml:"datasafe_base_dir"`

	EmailEnabled         bool          `yaml:"email_enabled"`
	EmailTimeout         time.Duration `yaml:"email_timeout"`
	EmailMaxSendsPerHour int           `yaml:"email_max_sends_per_hour"`
	EmailAllowedDomains  []string      `yaml:"email_allowed_domains"`

	// MCP (Model Context Protocol) bridge.
	MCPEnabled bool        `yaml:"mcp_enabled"`
	MCPServers []MCPServer `yaml:"mcp_servers,omitempty"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.mailflow/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".mailflow", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
		},
		Tools: ToolsConfig{
			CalendarEnabled:      false,
			CalendarTimeout:      15 * time.Second,
			KanbanEnabled:        false,
			DirectoryEnabled:     true,
			DatasafeEnabled:      true,
			DatasafeBaseDir:      filepath.Join(dataDir, "datasafe"),
			EmailEnabled:         false,
			EmailTimeout:         30 * time.Second,
			EmailMaxSendsPerHour: 10,
			MCPEnabled:           false,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Flow: FlowConfig{
			MaxRoundsDefault:      10,
			TimeoutMinutesDefault: 30,
			ToolLoopCap:           5,
		},
		Mail: MailConfig{
			SendRatePerSecond: 5,
		},
		Gateway: GatewayConfig{
			Addr: ":8090",
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Tasks: []ScheduledTaskConfig{
				{Name: "flow-timeout-sweep", Schedule: "1m", Action: "flow_sweep"},
			},
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (merges included files into cfg).
	hasIncludes := len(cfg.Includes) > 0
	if hasIncludes {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("MAILFLOW_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps MAILFLOW_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAILFLOW_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("MAILFLOW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MAILFLOW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MAILFLOW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	if v := os.Getenv("MAILFLOW_TOOLS_CALENDAR_ENABLED"); v == "true" {
		cfg.Tools.CalendarEnabled = true
	}
	if v := os.Getenv("MAILFLOW_TOOLS_CALENDAR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Tools.CalendarTimeout = d
		}
	}
	if v := os.Getenv("MAILFLOW_TOOLS_KANBAN_ENABLED"); v == "true" {
		cfg.Tools.KanbanEnabled = true
	}
	if v := os.Getenv("MAILFLOW_TOOLS_DIRECTORY_ENABLED"); v == "false" {
		cfg.Tools.DirectoryEnabled = false
	}
	if v := os.Getenv("MAILFLOW_TOOLS_DATASAFE_ENABLED"); v == "false" {
		cfg.Tools.DatasafeEnabled = false
	}
	if v := os.Getenv("MAILFLOW_TOOLS_DATASAFE_BASE_DIR"); v != "" {
		cfg.Tools.DatasafeBaseDir = v
	}
	if v := os.Getenv("MAILFLOW_TOOLS_EMAIL_ENABLED"); v == "true" {
		cfg.Tools.EmailEnabled = true
	}
	if v := os.Getenv("MAILFLOW_TOOLS_EMAIL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Tools.EmailTimeout = d
		}
	}
	if v := os.Getenv("MAILFLOW_TOOLS_EMAIL_MAX_SENDS_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Tools.EmailMaxSendsPerHour = n
		}
	}
	if v := os.Getenv("MAILFLOW_TOOLS_EMAIL_ALLOWED_DOMAINS"); v != "" {
		cfg.Tools.EmailAllowedDomains = splitAndTrim(v, ",")
	}
	if v := os.Getenv("MAILFLOW_TOOLS_MCP_ENABLED"); v == "true" {
		cfg.Tools.MCPEnabled = true
	}

	if v := os.Getenv("MAILFLOW_FLOW_MAX_ROUNDS_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Flow.MaxRoundsDefault = n
		}
	}
	if v := os.Getenv("MAILFLOW_FLOW_TIMEOUT_MINUTES_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Flow.TimeoutMinutesDefault = n
		}
	}
	if v := os.Getenv("MAILFLOW_FLOW_TOOL_LOOP_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Flow.ToolLoopCap = n
		}
	}

	if v := os.Getenv("MAILFLOW_MAIL_GATEWAY_BASE_URL"); v != "" {
		cfg.Mail.GatewayBaseURL = v
	}
	if v := os.Getenv("MAILFLOW_MAIL_GATEWAY_DOMAIN"); v != "" {
		cfg.Mail.GatewayDomain = v
	}
	if v := os.Getenv("MAILFLOW_MAIL_GATEWAY_API_KEY"); v != "" {
		cfg.Mail.GatewayAPIKey = v
	}
	if v := os.Getenv("MAILFLOW_MAIL_SEND_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Mail.SendRatePerSecond = f
		}
	}
	if v := os.Getenv("MAILFLOW_MAIL_INBOUND_TOKEN"); v != "" {
		cfg.Mail.InboundToken = v
	}

	if v := os.Getenv("MAILFLOW_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}

	if v := os.Getenv("MAILFLOW_IDENTITY_SEED_FILE"); v != "" {
		cfg.Identity.SeedFile = v
	}
	if v := os.Getenv("MAILFLOW_SECURITY_AUDIT_LOG_PATH"); v != "" {
		cfg.Security.AuditLogPath = v
	}
	if v := os.Getenv("MAILFLOW_SECURITY_CONTENT_ENCRYPTION_KEY_ENV"); v != "" {
		cfg.Security.ContentEncryptionKeyEnv = v
	}

	// Per-provider API key overrides: MAILFLOW_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("MAILFLOW_LLM_PROVIDER_%s_API_KEY",
			strings.ToUpper(cfg.LLM.Providers[i].Name))
		if v := os.Getenv(envKey); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in provider API keys and mail
// gateway/webhook secrets and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
			}
			cfg.LLM.Providers[i].APIKey = decrypted
		}
	}

	mailSecrets := []*string{
		&cfg.Mail.GatewayAPIKey,
		&cfg.Mail.InboundToken,
	}
	for _, fp := range mailSecrets {
		if strings.HasPrefix(*fp, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("mail secret: %w", err)
			}
			*fp = decrypted
		}
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
