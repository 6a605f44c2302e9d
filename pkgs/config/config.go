// Package config loads the mailfleet configuration from built-in defaults, an
// optional YAML or JSON file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/emx-mail/mailfleet/pkgs/credential"
	"github.com/emx-mail/mailfleet/pkgs/email"
	"github.com/emx-mail/mailfleet/pkgs/session"
)

// EnvConfigPath points to the config file when --config is not given.
const EnvConfigPath = "MAILFLEET_CONFIG"

// ProtocolSettings holds the IMAP connection settings of one account.
type ProtocolSettings struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// SSL enables implicit TLS (connect directly over TLS).
	SSL bool `mapstructure:"ssl" yaml:"ssl"`
	// StartTLS enables a TLS upgrade after connecting in plaintext.
	StartTLS bool `mapstructure:"starttls" yaml:"starttls,omitempty"`
	// InsecureSkipVerify accepts any server certificate.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify,omitempty"`
	// AuthMechanism is "login" (default) or "plain".
	AuthMechanism string `mapstructure:"auth_mechanism" yaml:"auth_mechanism,omitempty"`
	// Keyring reads the password from the system keyring instead.
	Keyring bool `mapstructure:"keyring" yaml:"keyring,omitempty"`
}

// AccountConfig holds one mail account.
type AccountConfig struct {
	Name  string           `mapstructure:"name" yaml:"name"`
	Email string           `mapstructure:"email" yaml:"email,omitempty"`
	IMAP  ProtocolSettings `mapstructure:"imap" yaml:"imap"`
	// Debug traces the account's protocol traffic at debug level.
	Debug bool `mapstructure:"debug" yaml:"debug,omitempty"`
}

// ReconnectConfig is the automatic reconnection policy.
type ReconnectConfig struct {
	// MaxAttempts is the retry budget after a connection loss. Zero
	// disables reconnection.
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
}

// KeepAliveConfig controls how idle sessions are kept open.
type KeepAliveConfig struct {
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	IdleInterval time.Duration `mapstructure:"idle_interval" yaml:"idle_interval"`
	ForceNoop    bool          `mapstructure:"force_noop" yaml:"force_noop"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Config holds the application configuration
type Config struct {
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`

	DefaultMailbox string          `mapstructure:"default_mailbox" yaml:"default_mailbox"`
	DaysBack       int             `mapstructure:"days_back" yaml:"days_back"`
	EnableIdle     bool            `mapstructure:"enable_idle" yaml:"enable_idle"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	CallTimeout    time.Duration   `mapstructure:"call_timeout" yaml:"call_timeout"`
	KeepAlive      KeepAliveConfig `mapstructure:"keepalive" yaml:"keepalive"`
	StatusInterval time.Duration   `mapstructure:"status_interval" yaml:"status_interval"`
	Logging        LoggingConfig   `mapstructure:"logging" yaml:"logging"`

	// JournalDir, when set, records every account notification on disk.
	JournalDir string `mapstructure:"journal_dir" yaml:"journal_dir,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_mailbox", session.DefaultMailbox)
	v.SetDefault("days_back", 30)
	v.SetDefault("enable_idle", true)
	v.SetDefault("reconnect.max_attempts", session.DefaultMaxReconnectAttempts)
	v.SetDefault("reconnect.base_delay", session.DefaultBaseDelay)
	v.SetDefault("call_timeout", 2*time.Minute)
	v.SetDefault("keepalive.interval", 10*time.Second)
	v.SetDefault("keepalive.idle_interval", 5*time.Minute)
	v.SetDefault("keepalive.force_noop", true)
	v.SetDefault("status_interval", 5*time.Minute)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads the configuration. An empty path falls back to
// $MAILFLEET_CONFIG; with neither set only defaults and the environment
// apply. The result is validated.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = strings.TrimSpace(getenv(EnvConfigPath))
	}
	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "json" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			var pathErr *fs.PathError
			if errors.As(err, &pathErr) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := applyEnv(v, getenv); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	envAccounts, err := accountsFromEnv(getenv)
	if err != nil {
		return nil, err
	}
	cfg.Accounts = append(cfg.Accounts, envAccounts...)
	for i := range cfg.Accounts {
		cfg.Accounts[i].applyDefaults(i + 1)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values from the environment. Durations are given
// in milliseconds.
func applyEnv(v *viper.Viper, getenv func(string) string) error {
	str := map[string]string{
		"DEFAULT_MAILBOX":   "default_mailbox",
		"LOG_LEVEL":         "logging.level",
		"LOG_FORMAT":        "logging.format",
		"MAILFLEET_JOURNAL": "journal_dir",
	}
	for env, key := range str {
		if s := getenv(env); s != "" {
			v.Set(key, s)
		}
	}

	ints := map[string]string{
		"DEFAULT_DAYS_BACK":      "days_back",
		"MAX_RECONNECT_ATTEMPTS": "reconnect.max_attempts",
	}
	for env, key := range ints {
		if s := getenv(env); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("%s: invalid number %q", env, s)
			}
			v.Set(key, n)
		}
	}

	millis := map[string]string{
		"RECONNECT_DELAY":         "reconnect.base_delay",
		"IMAP_KEEPALIVE_INTERVAL": "keepalive.interval",
		"IMAP_IDLE_INTERVAL":      "keepalive.idle_interval",
	}
	for env, key := range millis {
		if s := getenv(env); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("%s: invalid milliseconds %q", env, s)
			}
			v.Set(key, time.Duration(n)*time.Millisecond)
		}
	}

	// Anything but "false" enables these.
	bools := map[string]string{
		"ENABLE_IDLE":     "enable_idle",
		"IMAP_FORCE_NOOP": "keepalive.force_noop",
	}
	for env, key := range bools {
		if s := getenv(env); s != "" {
			v.Set(key, s != "false")
		}
	}
	return nil
}

// accountsFromEnv reads IMAP_USER_n, IMAP_PASSWORD_n and friends for n in
// 1..IMAP_ACCOUNT_COUNT (default 2). Without IMAP_ACCOUNT_COUNT, accounts
// lacking credentials are skipped; with it, they are an error.
func accountsFromEnv(getenv func(string) string) ([]AccountConfig, error) {
	count := 2
	explicit := false
	if s := getenv("IMAP_ACCOUNT_COUNT"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("IMAP_ACCOUNT_COUNT: invalid number %q", s)
		}
		count, explicit = n, true
	}

	var accounts []AccountConfig
	for n := 1; n <= count; n++ {
		suffix := "_" + strconv.Itoa(n)
		user := getenv("IMAP_USER" + suffix)
		password := getenv("IMAP_PASSWORD" + suffix)
		if user == "" || password == "" {
			if explicit {
				return nil, fmt.Errorf("missing IMAP credentials for account %d: set IMAP_USER%s and IMAP_PASSWORD%s", n, suffix, suffix)
			}
			continue
		}

		port := 993
		if s := getenv("IMAP_PORT" + suffix); s != "" {
			p, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("IMAP_PORT%s: invalid port %q", suffix, s)
			}
			port = p
		}
		host := getenv("IMAP_HOST" + suffix)
		if host == "" {
			host = "imap.gmail.com"
		}

		accounts = append(accounts, AccountConfig{
			Name:  fmt.Sprintf("Account %d", n),
			Email: user,
			IMAP: ProtocolSettings{
				Host:               host,
				Port:               port,
				Username:           user,
				Password:           password,
				SSL:                getenv("IMAP_TLS"+suffix) != "false",
				InsecureSkipVerify: getenv("IMAP_REJECT_UNAUTHORIZED"+suffix) != "true",
			},
		})
	}
	return accounts, nil
}

func (a *AccountConfig) applyDefaults(n int) {
	if a.Name == "" {
		a.Name = a.Email
	}
	if a.Name == "" {
		a.Name = fmt.Sprintf("Account %d", n)
	}
	if a.IMAP.Username == "" {
		a.IMAP.Username = a.Email
	}
	if a.IMAP.Port == 0 {
		if a.IMAP.SSL {
			a.IMAP.Port = 993
		} else {
			a.IMAP.Port = 143
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for _, acc := range c.Accounts {
		if acc.Name == "" {
			return fmt.Errorf("account name is required")
		}
		if seen[acc.Name] {
			return fmt.Errorf("duplicate account name: %s", acc.Name)
		}
		seen[acc.Name] = true

		if acc.IMAP.Host == "" {
			return fmt.Errorf("account %s: imap.host is required", acc.Name)
		}
		if acc.IMAP.Username == "" {
			return fmt.Errorf("account %s: imap.username is required", acc.Name)
		}
		if acc.IMAP.Password == "" && !acc.IMAP.Keyring {
			return fmt.Errorf("account %s: imap.password is required unless keyring is set", acc.Name)
		}
		if acc.IMAP.Port <= 0 || acc.IMAP.Port > 65535 {
			return fmt.Errorf("account %s: invalid imap.port %d", acc.Name, acc.IMAP.Port)
		}
		switch strings.ToLower(acc.IMAP.AuthMechanism) {
		case "", "login", "plain":
		default:
			return fmt.Errorf("account %s: unsupported auth_mechanism %q", acc.Name, acc.IMAP.AuthMechanism)
		}
	}

	if c.DaysBack < 0 {
		return fmt.Errorf("days_back must not be negative")
	}
	if c.Reconnect.MaxAttempts < 0 || c.Reconnect.BaseDelay < 0 {
		return fmt.Errorf("reconnect settings must not be negative")
	}
	return nil
}

// Account returns the account called name.
func (c *Config) Account(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name || c.Accounts[i].Email == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// SecretStore looks up stored passwords.
type SecretStore interface {
	Get(key string) (string, error)
}

// ResolvePasswords fills in the password of every keyring account from
// store. Accounts with a password already set are left alone.
func (c *Config) ResolvePasswords(store SecretStore) error {
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if !acc.IMAP.Keyring || acc.IMAP.Password != "" {
			continue
		}
		pw, err := store.Get(credential.AccountKey(acc.Name))
		if err != nil {
			return fmt.Errorf("account %s: %w", acc.Name, err)
		}
		acc.IMAP.Password = pw
	}
	return nil
}

// IMAPConfig builds the transport parameters of acc under c's keepalive
// policy. Keepalive is off when IDLE is disabled.
func (c *Config) IMAPConfig(acc AccountConfig) email.IMAPConfig {
	cfg := email.IMAPConfig{
		Host:               acc.IMAP.Host,
		Port:               acc.IMAP.Port,
		Username:           acc.IMAP.Username,
		Password:           acc.IMAP.Password,
		SSL:                acc.IMAP.SSL,
		StartTLS:           acc.IMAP.StartTLS,
		InsecureSkipVerify: acc.IMAP.InsecureSkipVerify,
		AuthMechanism:      strings.ToLower(acc.IMAP.AuthMechanism),
		Debug:              acc.Debug,
	}
	if c.EnableIdle {
		cfg.KeepAlive = email.KeepAlive{
			Interval:     c.KeepAlive.Interval,
			IdleInterval: c.KeepAlive.IdleInterval,
			ForceNoop:    c.KeepAlive.ForceNoop,
		}
	}
	return cfg
}

// SessionOptions returns the per-account session policy. Logger, Handler
// and Dial are left for the caller.
func (c *Config) SessionOptions() session.Options {
	attempts := c.Reconnect.MaxAttempts
	if attempts == 0 {
		// session.Options treats zero as "use the default".
		attempts = -1
	}
	return session.Options{
		MaxReconnectAttempts: attempts,
		BaseDelay:            c.Reconnect.BaseDelay,
		CallTimeout:          c.CallTimeout,
	}
}

// ExampleConfig returns an example configuration for "init".
func ExampleConfig() *Config {
	return &Config{
		Accounts: []AccountConfig{
			{
				Name:  "work",
				Email: "user@example.com",
				IMAP: ProtocolSettings{
					Host:     "imap.example.com",
					Port:     993,
					Username: "user@example.com",
					Password: "app-password",
					SSL:      true,
				},
			},
			{
				Name:  "personal",
				Email: "me@gmail.com",
				IMAP: ProtocolSettings{
					Host:     "imap.gmail.com",
					Port:     993,
					Username: "me@gmail.com",
					SSL:      true,
					Keyring:  true,
				},
			},
		},
		DefaultMailbox: session.DefaultMailbox,
		DaysBack:       30,
		EnableIdle:     true,
		Reconnect: ReconnectConfig{
			MaxAttempts: session.DefaultMaxReconnectAttempts,
			BaseDelay:   session.DefaultBaseDelay,
		},
		CallTimeout: 2 * time.Minute,
		KeepAlive: KeepAliveConfig{
			Interval:     10 * time.Second,
			IdleInterval: 5 * time.Minute,
			ForceNoop:    true,
		},
		StatusInterval: 5 * time.Minute,
		Logging:        LoggingConfig{Level: "info", Format: "console"},
	}
}

// WriteExample writes ExampleConfig to path as YAML. An existing file is
// not overwritten.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	data, err := yaml.Marshal(ExampleConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
