// Package config loads skillgate's configuration from the environment.
//
// Load reads an optional .env file first, so values exported in the shell
// always win. Secrets may be supplied through a companion *_FILE variable
// pointing at a file that holds the value.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

// Config holds all application configuration.
type Config struct {
	Discord      DiscordConfig
	LLM          LLMConfig
	Prompt       PromptConfig
	Roles        RoleConfig
	Verification VerificationConfig
	Screening    ScreeningConfig
	Storage      StorageConfig
	Server       ServerConfig
	Log          LogConfig
}

// DiscordConfig identifies the bot and the server it manages.
type DiscordConfig struct {
	Token                 string `env:"DISCORD_BOT_TOKEN" validate:"required"`
	GuildID               string `env:"DISCORD_GUILD_ID" validate:"required,numeric"`
	NotificationChannelID string `env:"NOTIFICATION_CHANNEL_ID" validate:"omitempty,numeric"`
	WelcomeChannelID      string `env:"WELCOME_CHANNEL_ID" validate:"omitempty,numeric"`
}

// LLMConfig selects the backend and tunes the client middleware chain.
type LLMConfig struct {
	Provider           string        `env:"LLM_PROVIDER" validate:"oneof=openai anthropic google"`
	APIURL             string        `env:"LLM_API_URL" validate:"required_if=Provider openai"`
	APIToken           string        `env:"LLM_API_TOKEN"`
	Model              string        `env:"LLM_MODEL_NAME" validate:"required"`
	RequestTimeout     time.Duration `env:"LLM_REQUEST_TIMEOUT" validate:"gt=0"`
	MaxAttempts        int           `env:"LLM_MAX_ATTEMPTS" validate:"min=1,max=10"`
	RetryBackoff       time.Duration `env:"LLM_RETRY_BACKOFF" validate:"gte=0"`
	RateLimitRPS       float64       `env:"LLM_RATE_LIMIT_RPS" validate:"gt=0"`
	CircuitMaxFailures int           `env:"LLM_CIRCUIT_MAX_FAILURES" validate:"min=1"`
	CircuitCooldown    time.Duration `env:"LLM_CIRCUIT_COOLDOWN" validate:"gt=0"`
	MaxTokens          int           `env:"LLM_MAX_TOKENS" validate:"min=64"`
	SummaryMaxTokens   int           `env:"LLM_SUMMARY_MAX_TOKENS" validate:"min=16"`
}

// PromptConfig bounds what the assembler sends to the model.
type PromptConfig struct {
	File                  string `env:"PROMPTS_FILE"`
	MaxPromptChars        int    `env:"PROMPT_MAX_CHARS" validate:"min=1000"`
	MaxHistoryMessages    int    `env:"LLM_MAX_HISTORY_MESSAGES" validate:"min=2"`
	SummaryMaxChars       int    `env:"LLM_SUMMARY_MAX_CHARS" validate:"min=100"`
	WelcomeMaxPromptChars int    `env:"WELCOME_MAX_PROMPT_CHARS" validate:"min=100"`
}

// RoleConfig names the status roles and the roles allowed to administer.
type RoleConfig struct {
	Verified   domain.RoleID   `env:"VERIFIED_ROLE_ID" validate:"required"`
	Unverified domain.RoleID   `env:"UNVERIFIED_ROLE_ID" validate:"required"`
	InProgress domain.RoleID   `env:"VERIFICATION_IN_PROGRESS_ROLE_ID" validate:"required"`
	Admin      []domain.RoleID `env:"ADMIN_ROLE_IDS"`
	// Boundary, when set, limits categorisation to roles positioned below it.
	Boundary   domain.RoleID `env:"HIERARCHY_BOUNDARY_ROLE_ID"`
	Suspicious domain.RoleID `env:"SUSPICIOUS_ROLE_ID"`
}

// VerificationConfig tunes the dialogue.
type VerificationConfig struct {
	Retries             int           `env:"VERIFICATION_RETRIES" validate:"min=1,max=10"`
	ReplyTimeout        time.Duration `env:"REPLY_TIMEOUT" validate:"gt=0"`
	BatchInterval       time.Duration `env:"BATCH_INTERVAL" validate:"gte=0"`
	RebuildOnStartup    bool          `env:"REBUILD_ROLE_CATEGORIES_ON_STARTUP"`
	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// ScreeningConfig tunes suspicious-account handling.
type ScreeningConfig struct {
	RetentionDays int `env:"SUSPICIOUS_ROLE_RETENTION_DAYS" validate:"min=1"`
	IntervalHours int `env:"SUSPICIOUS_CHECK_INTERVAL_HOURS" validate:"min=1"`
}

// StorageConfig locates persisted state.
type StorageConfig struct {
	TaxonomyFile string `env:"CATEGORIZED_ROLES_FILE" validate:"required"`
	// AuditDBPath empty disables the audit log.
	AuditDBPath string `env:"AUDIT_DB_PATH"`
}

// ServerConfig configures the health and metrics listener.
type ServerConfig struct {
	// MetricsAddr empty disables the listener.
	MetricsAddr string `env:"METRICS_ADDR" validate:"omitempty,hostname_port"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `env:"LOG_FORMAT" validate:"oneof=json console"`
}

// Load reads configuration from an optional .env file and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (*Config, error) {
	var r reader

	cfg := &Config{
		Discord: DiscordConfig{
			Token:                 r.secret("DISCORD_BOT_TOKEN"),
			GuildID:               getEnv("DISCORD_GUILD_ID", ""),
			NotificationChannelID: getEnv("NOTIFICATION_CHANNEL_ID", ""),
			WelcomeChannelID:      getEnv("WELCOME_CHANNEL_ID", ""),
		},
		LLM: LLMConfig{
			Provider:           strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
			APIURL:             getEnv("LLM_API_URL", ""),
			APIToken:           r.secret("LLM_API_TOKEN"),
			Model:              getEnv("LLM_MODEL_NAME", ""),
			RequestTimeout:     getEnvDuration("LLM_REQUEST_TIMEOUT", 60*time.Second),
			MaxAttempts:        getEnvInt("LLM_MAX_ATTEMPTS", 2),
			RetryBackoff:       getEnvDuration("LLM_RETRY_BACKOFF", 800*time.Millisecond),
			RateLimitRPS:       getEnvFloat("LLM_RATE_LIMIT_RPS", 5),
			CircuitMaxFailures: getEnvInt("LLM_CIRCUIT_MAX_FAILURES", 5),
			CircuitCooldown:    getEnvDuration("LLM_CIRCUIT_COOLDOWN", 30*time.Second),
			MaxTokens:          getEnvInt("LLM_MAX_TOKENS", 4096),
			SummaryMaxTokens:   getEnvInt("LLM_SUMMARY_MAX_TOKENS", 800),
		},
		Prompt: PromptConfig{
			File:                  getEnv("PROMPTS_FILE", ""),
			MaxPromptChars:        getEnvInt("PROMPT_MAX_CHARS", 16000),
			MaxHistoryMessages:    getEnvInt("LLM_MAX_HISTORY_MESSAGES", 12),
			SummaryMaxChars:       getEnvInt("LLM_SUMMARY_MAX_CHARS", 1800),
			WelcomeMaxPromptChars: getEnvInt("WELCOME_MAX_PROMPT_CHARS", 800),
		},
		Roles: RoleConfig{
			Verified:   r.roleID("VERIFIED_ROLE_ID"),
			Unverified: r.roleID("UNVERIFIED_ROLE_ID"),
			InProgress: r.roleID("VERIFICATION_IN_PROGRESS_ROLE_ID"),
			Admin:      r.roleIDs("ADMIN_ROLE_IDS"),
			Boundary:   r.roleID("HIERARCHY_BOUNDARY_ROLE_ID"),
			Suspicious: r.roleID("SUSPICIOUS_ROLE_ID"),
		},
		Verification: VerificationConfig{
			Retries:             getEnvInt("VERIFICATION_RETRIES", 3),
			ReplyTimeout:        getEnvDuration("REPLY_TIMEOUT", 900*time.Second),
			BatchInterval:       getEnvDuration("BATCH_INTERVAL", time.Second),
			RebuildOnStartup:    getEnvBool("REBUILD_ROLE_CATEGORIES_ON_STARTUP", false),
			ShutdownGracePeriod: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Screening: ScreeningConfig{
			RetentionDays: getEnvInt("SUSPICIOUS_ROLE_RETENTION_DAYS", 7),
			IntervalHours: getEnvInt("SUSPICIOUS_CHECK_INTERVAL_HOURS", 24),
		},
		Storage: StorageConfig{
			TaxonomyFile: getEnv("CATEGORIZED_ROLES_FILE", "data/categorized_roles.json"),
			AuditDBPath:  getEnv("AUDIT_DB_PATH", "data/audit.db"),
		},
		Server: ServerConfig{
			MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
	}

	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, r.err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Validate checks every field and reports the first invalid one by its
// environment key.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil && c.LLM.APIURL != "" {
		if uerr := validate.Var(c.LLM.APIURL, "url"); uerr != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration,
				ports.NewConfigError("LLM_API_URL", fmt.Errorf("not a URL: %q", c.LLM.APIURL)))
		}
	}
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
	}
	fe := verrs[0]
	return fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration,
		ports.NewConfigError(fe.Field(), fmt.Errorf("failed %q validation (value %s)", fe.ActualTag(), redactValue(fe.Field(), fe.Value()))))
}

// Setting is one line of the redacted configuration summary.
type Setting struct {
	Key   string
	Value string
}

// Redacted lists every configured key with secrets masked, in declaration
// order.
func (c *Config) Redacted() []Setting {
	var out []Setting
	collect(reflect.ValueOf(*c), &out)
	return out
}

func collect(v reflect.Value, out *[]Setting) {
	t := v.Type()
	for i := range t.NumField() {
		field, value := t.Field(i), v.Field(i)
		if field.Type.Kind() == reflect.Struct {
			collect(value, out)
			continue
		}
		key := field.Tag.Get("env")
		if key == "" {
			continue
		}
		*out = append(*out, Setting{Key: key, Value: redactValue(key, value.Interface())})
	}
}

func redactValue(key string, v any) string {
	s := fmt.Sprint(v)
	if ids, ok := v.([]domain.RoleID); ok {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = id.String()
		}
		s = strings.Join(parts, ",")
	}
	if strings.HasSuffix(key, "_TOKEN") {
		if s == "" {
			return "(unset)"
		}
		return "****"
	}
	return s
}

// reader collects the first parse error of values that must not silently
// fall back.
type reader struct {
	err error
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = ports.NewConfigError(key, err)
	}
}

// secret returns the contents of KEY_FILE when set, otherwise KEY.
func (r *reader) secret(key string) string {
	if path := getEnv(key+"_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			r.fail(key+"_FILE", err)
			return ""
		}
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(getEnv(key, ""))
}

func (r *reader) roleID(key string) domain.RoleID {
	value := strings.TrimSpace(getEnv(key, ""))
	if value == "" {
		return 0
	}
	id, err := domain.ParseRoleID(value)
	if err != nil {
		r.fail(key, err)
	}
	return id
}

func (r *reader) roleIDs(key string) []domain.RoleID {
	var ids []domain.RoleID
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		id, err := domain.ParseRoleID(part)
		if err != nil {
			r.fail(key, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") and bare seconds ("900").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
