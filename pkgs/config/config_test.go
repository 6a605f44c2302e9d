package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"

	"github.com/emx-mail/mailfleet/pkgs/credential"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const testYAML = `
accounts:
  - name: work
    email: user@example.com
    imap:
      host: imap.example.com
      ssl: true
      password: secret
  - name: home
    imap:
      host: mail.example.org
      port: 143
      username: me
      keyring: true
      auth_mechanism: PLAIN
days_back: 7
reconnect:
  base_delay: 2s
keepalive:
  idle_interval: 10m
`

func TestLoadFileWithDefaults(t *testing.T) {
	path := writeFile(t, "mailfleet.yaml", testYAML)
	cfg, err := load(path, envOf(nil))
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(cfg.Accounts))
	}
	work := cfg.Accounts[0]
	if work.IMAP.Port != 993 || work.IMAP.Username != "user@example.com" {
		t.Errorf("work defaults not applied: %+v", work.IMAP)
	}

	if cfg.DaysBack != 7 {
		t.Errorf("DaysBack = %d", cfg.DaysBack)
	}
	if cfg.Reconnect.BaseDelay != 2*time.Second {
		t.Errorf("BaseDelay = %v", cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d", cfg.Reconnect.MaxAttempts)
	}
	if cfg.KeepAlive.IdleInterval != 10*time.Minute || cfg.KeepAlive.Interval != 10*time.Second {
		t.Errorf("KeepAlive = %+v", cfg.KeepAlive)
	}
	if cfg.DefaultMailbox != "INBOX" || !cfg.EnableIdle || cfg.CallTimeout != 2*time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "mailfleet.yaml", testYAML)
	cfg, err := load(path, envOf(map[string]string{
		"DEFAULT_MAILBOX":         "Archive",
		"DEFAULT_DAYS_BACK":       "3",
		"ENABLE_IDLE":             "false",
		"MAX_RECONNECT_ATTEMPTS":  "2",
		"RECONNECT_DELAY":         "1500",
		"IMAP_KEEPALIVE_INTERVAL": "20000",
		"IMAP_FORCE_NOOP":         "false",
		"LOG_LEVEL":               "debug",
	}))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.DefaultMailbox != "Archive" || cfg.DaysBack != 3 || cfg.EnableIdle {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.Reconnect.MaxAttempts != 2 || cfg.Reconnect.BaseDelay != 1500*time.Millisecond {
		t.Errorf("Reconnect = %+v", cfg.Reconnect)
	}
	if cfg.KeepAlive.Interval != 20*time.Second || cfg.KeepAlive.ForceNoop {
		t.Errorf("KeepAlive = %+v", cfg.KeepAlive)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoadEnvAccounts(t *testing.T) {
	cfg, err := load("", envOf(map[string]string{
		"IMAP_USER_1":                "a@gmail.com",
		"IMAP_PASSWORD_1":            "pw1",
		"IMAP_USER_2":                "b@example.com",
		"IMAP_PASSWORD_2":            "pw2",
		"IMAP_HOST_2":                "mail.example.com",
		"IMAP_PORT_2":                "143",
		"IMAP_TLS_2":                 "false",
		"IMAP_REJECT_UNAUTHORIZED_2": "true",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %+v", cfg.Accounts)
	}

	first := cfg.Accounts[0]
	if first.Name != "Account 1" || first.IMAP.Host != "imap.gmail.com" || first.IMAP.Port != 993 {
		t.Errorf("account 1 = %+v", first)
	}
	if !first.IMAP.SSL || !first.IMAP.InsecureSkipVerify {
		t.Errorf("account 1 tls = %+v", first.IMAP)
	}

	second := cfg.Accounts[1]
	if second.Name != "Account 2" || second.IMAP.Host != "mail.example.com" || second.IMAP.Port != 143 {
		t.Errorf("account 2 = %+v", second)
	}
	if second.IMAP.SSL || second.IMAP.InsecureSkipVerify {
		t.Errorf("account 2 tls = %+v", second.IMAP)
	}
}

func TestLoadEnvAccountCount(t *testing.T) {
	_, err := load("", envOf(map[string]string{
		"IMAP_ACCOUNT_COUNT": "2",
		"IMAP_USER_1":        "a@gmail.com",
		"IMAP_PASSWORD_1":    "pw1",
	}))
	if err == nil || !strings.Contains(err.Error(), "account 2") {
		t.Errorf("expected missing credentials error, got %v", err)
	}

	cfg, err := load("", envOf(map[string]string{
		"IMAP_ACCOUNT_COUNT": "1",
		"IMAP_USER_1":        "a@gmail.com",
		"IMAP_PASSWORD_1":    "pw1",
		"IMAP_USER_2":        "ignored@gmail.com",
		"IMAP_PASSWORD_2":    "pw2",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Accounts) != 1 {
		t.Errorf("expected 1 account, got %d", len(cfg.Accounts))
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		env  map[string]string
		want string
	}{
		{"missing file", filepath.Join(t.TempDir(), "nope.yaml"), nil, "not found"},
		{"no accounts", "", nil, "no accounts"},
		{"bad number", "", map[string]string{"DEFAULT_DAYS_BACK": "x", "IMAP_USER_1": "a", "IMAP_PASSWORD_1": "b"}, "DEFAULT_DAYS_BACK"},
		{"bad millis", "", map[string]string{"RECONNECT_DELAY": "5s", "IMAP_USER_1": "a", "IMAP_PASSWORD_1": "b"}, "RECONNECT_DELAY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(tt.path, envOf(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadPathFromEnv(t *testing.T) {
	path := writeFile(t, "mailfleet.yaml", testYAML)
	cfg, err := load("", envOf(map[string]string{EnvConfigPath: path}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.Account("home"); err != nil {
		t.Error(err)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "mailfleet.json", `{"accounts":[{"name":"a","imap":{"host":"h","username":"u","password":"p","port":993}}],"enable_idle":false}`)
	cfg, err := load(path, envOf(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EnableIdle || cfg.Accounts[0].IMAP.Host != "h" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := ExampleConfig()
		cfg.Accounts = cfg.Accounts[:1]
		return cfg
	}

	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"duplicate", func(c *Config) { c.Accounts = append(c.Accounts, c.Accounts[0]) }, "duplicate"},
		{"no host", func(c *Config) { c.Accounts[0].IMAP.Host = "" }, "host"},
		{"no username", func(c *Config) { c.Accounts[0].IMAP.Username = "" }, "username"},
		{"no password", func(c *Config) { c.Accounts[0].IMAP.Password = "" }, "password"},
		{"keyring password", func(c *Config) { c.Accounts[0].IMAP.Password = ""; c.Accounts[0].IMAP.Keyring = true }, ""},
		{"bad port", func(c *Config) { c.Accounts[0].IMAP.Port = -1 }, "port"},
		{"bad mechanism", func(c *Config) { c.Accounts[0].IMAP.AuthMechanism = "xoauth2" }, "auth_mechanism"},
		{"negative days", func(c *Config) { c.DaysBack = -1 }, "days_back"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestResolvePasswords(t *testing.T) {
	store := credential.New(keyring.NewArrayKeyring([]keyring.Item{
		{Key: credential.AccountKey("personal"), Data: []byte("from-keyring")},
	}))

	cfg := ExampleConfig()
	if err := cfg.ResolvePasswords(store); err != nil {
		t.Fatal(err)
	}
	if cfg.Accounts[0].IMAP.Password != "app-password" {
		t.Errorf("plain password changed: %q", cfg.Accounts[0].IMAP.Password)
	}
	if cfg.Accounts[1].IMAP.Password != "from-keyring" {
		t.Errorf("keyring password = %q", cfg.Accounts[1].IMAP.Password)
	}

	cfg = ExampleConfig()
	cfg.Accounts[1].Name = "other"
	err := cfg.ResolvePasswords(store)
	if !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIMAPConfigAndSessionOptions(t *testing.T) {
	cfg := ExampleConfig()
	cfg.Accounts[0].IMAP.AuthMechanism = "PLAIN"

	ic := cfg.IMAPConfig(cfg.Accounts[0])
	if ic.Host != "imap.example.com" || ic.AuthMechanism != "plain" || !ic.SSL {
		t.Errorf("IMAPConfig() = %+v", ic)
	}
	if ic.KeepAlive.Interval != 10*time.Second || !ic.KeepAlive.ForceNoop {
		t.Errorf("KeepAlive = %+v", ic.KeepAlive)
	}

	cfg.EnableIdle = false
	if ka := cfg.IMAPConfig(cfg.Accounts[0]).KeepAlive; ka.Interval != 0 {
		t.Errorf("keepalive should be off without idle: %+v", ka)
	}

	opts := cfg.SessionOptions()
	if opts.MaxReconnectAttempts != 5 || opts.BaseDelay != 5*time.Second || opts.CallTimeout != 2*time.Minute {
		t.Errorf("SessionOptions() = %+v", opts)
	}
	cfg.Reconnect.MaxAttempts = 0
	if opts := cfg.SessionOptions(); opts.MaxReconnectAttempts >= 0 {
		t.Errorf("zero attempts must disable reconnection, got %d", opts.MaxReconnectAttempts)
	}
}

func TestWriteExampleLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "mailfleet.yaml")
	if err := WriteExample(path); err != nil {
		t.Fatal(err)
	}
	if err := WriteExample(path); err == nil {
		t.Error("expected error for existing file")
	}

	cfg, err := load(path, envOf(nil))
	if err != nil {
		t.Fatal(err)
	}
	want := ExampleConfig()
	if len(cfg.Accounts) != 2 || cfg.Accounts[1].Name != "personal" || !cfg.Accounts[1].IMAP.Keyring {
		t.Errorf("accounts = %+v", cfg.Accounts)
	}
	if cfg.Reconnect != want.Reconnect || cfg.KeepAlive != want.KeepAlive || cfg.CallTimeout != want.CallTimeout {
		t.Errorf("round trip mismatch: %+v", cfg)
	}
}
