package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/titanous/json5"
)

const (
	envConfigPath          = "TGBRIDGE_CONFIG"
	envTelegramBotToken    = "TELEGRAM_BOT_TOKEN"
	envTelegramProxy       = "TELEGRAM_PROXY"
	envFileServerURL       = "FILE_SERVER_URL"
	envFileServerPublicURL = "FILE_SERVER_PUBLIC_URL"
	envAgentBaseURL        = "AGENT_BASE_URL"

	// DefaultRequestTimeout bounds every outbound network call when no
	// explicit timeout is configured.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxDownloadBytes matches the Telegram Bot API download limit.
	DefaultMaxDownloadBytes int64 = 20 * 1024 * 1024

	DefaultPollTimeoutSeconds = 30
)

const (
	AgentBackendHTTP   = "http"
	AgentBackendOpenAI = "openai"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Channels   ChannelsConfig   `json:"channels"`
	FileServer FileServerConfig `json:"file_server"`
	Agent      AgentConfig      `json:"agent"`
	Dialog     DialogConfig     `json:"dialog"`
	Templates  TemplatesConfig  `json:"templates"`
	Gateway    GatewayConfig    `json:"gateway"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" validate:"omitempty,oneof=text json"`
	Level     string `json:"level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled            bool   `json:"enabled"`
	Token              string `json:"token" validate:"required_if=Enabled true"`
	Proxy              string `json:"proxy" validate:"omitempty,url"`
	PollTimeoutSeconds int    `json:"poll_timeout_seconds" validate:"gte=0"`
	MaxDownloadBytes   int64  `json:"max_download_bytes" validate:"gte=0"`
}

// PollTimeout returns the long polling timeout in seconds.
func (c TelegramConfig) PollTimeout() int {
	if c.PollTimeoutSeconds > 0 {
		return c.PollTimeoutSeconds
	}

	return DefaultPollTimeoutSeconds
}

// FileServerConfig configures the internal file relay.
//
// UploadURL is where media bytes are posted. PublicURL supplies the scheme and
// host that replace whatever the relay reports in its download links.
type FileServerConfig struct {
	UploadURL             string `json:"upload_url" validate:"required,url"`
	PublicURL             string `json:"public_url" validate:"omitempty,url"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" validate:"gte=0"`
}

// AgentConfig selects and configures the conversational agent backend.
type AgentConfig struct {
	Backend               string       `json:"backend" validate:"omitempty,oneof=http openai"`
	BaseURL               string       `json:"base_url" validate:"required_if=Backend http,omitempty,url"`
	RequestTimeoutSeconds int          `json:"request_timeout_seconds" validate:"gte=0"`
	OpenAI                OpenAIConfig `json:"openai"`
}

// OpenAIConfig configures the embedded OpenAI-backed development agent.
type OpenAIConfig struct {
	BaseURL      string `json:"base_url" validate:"omitempty,url"`
	APIKeyEnv    string `json:"api_key_env"`
	Organization string `json:"organization"`
	Project      string `json:"project"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
}

// DialogConfig carries the dialog lifecycle options of the bot.
type DialogConfig struct {
	UserMustEvaluate bool     `json:"user_must_evaluate"`
	RevealDialogID   bool     `json:"reveal_dialog_id"`
	RatingOptions    []string `json:"rating_options,omitempty" validate:"dive,required,max=32,excludesall=-"`
}

// TemplatesConfig points at user-facing text and keyboard layouts.
//
// Empty paths fall back to the built-in templates.
type TemplatesConfig struct {
	MessagesPath  string `json:"messages_path"`
	KeyboardsPath string `json:"keyboards_path"`
}

// GatewayConfig configures HTTP status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port" validate:"gte=0,lte=65535"`
	// DisableStatusServer skips the /healthz, /readyz and /statusz listener.
	DisableStatusServer bool `json:"disable_status_server,omitempty"`
}

// LoadConfig resolves config.json, unmarshals it, applies environment
// overrides and validates the result.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads one config file and applies the same overrides as LoadConfig.
// The file may use JSON5 syntax (comments, trailing commas).
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json5.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and reports every failing field.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		problems = append(problems, fmt.Sprintf("%s failed %q", fieldErr.Namespace(), fieldErr.Tag()))
	}

	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

// AgentBackend returns the configured backend, defaulting to the HTTP agent.
func (c AgentConfig) AgentBackend() string {
	if backend := strings.TrimSpace(c.Backend); backend != "" {
		return backend
	}

	return AgentBackendHTTP
}

// Timeout returns the agent request timeout.
func (c AgentConfig) Timeout() time.Duration {
	return secondsOrDefault(c.RequestTimeoutSeconds)
}

// Timeout returns the relay request timeout.
func (c FileServerConfig) Timeout() time.Duration {
	return secondsOrDefault(c.RequestTimeoutSeconds)
}

// PublicBase returns the base whose scheme and host are used for rewritten
// download links. Without an explicit public URL the upload URL is used.
func (c FileServerConfig) PublicBase() string {
	if value := strings.TrimSpace(c.PublicURL); value != "" {
		return value
	}

	return strings.TrimSpace(c.UploadURL)
}

// DownloadLimit returns the maximum attachment size the channel may fetch.
func (c TelegramConfig) DownloadLimit() int64 {
	if c.MaxDownloadBytes > 0 {
		return c.MaxDownloadBytes
	}

	return DefaultMaxDownloadBytes
}

func secondsOrDefault(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultRequestTimeout
	}

	return time.Duration(seconds) * time.Second
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if proxy := strings.TrimSpace(os.Getenv(envTelegramProxy)); proxy != "" {
		cfg.Channels.Telegram.Proxy = proxy
	}
	if uploadURL := strings.TrimSpace(os.Getenv(envFileServerURL)); uploadURL != "" {
		cfg.FileServer.UploadURL = uploadURL
	}
	if publicURL := strings.TrimSpace(os.Getenv(envFileServerPublicURL)); publicURL != "" {
		cfg.FileServer.PublicURL = publicURL
	}
	if baseURL := strings.TrimSpace(os.Getenv(envAgentBaseURL)); baseURL != "" {
		cfg.Agent.BaseURL = baseURL
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is TGBRIDGE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
