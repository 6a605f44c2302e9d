package main

import (
	"fmt"
	"os"
	"sort"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/emx-mail/mailfleet/pkgs/account"
	"github.com/emx-mail/mailfleet/pkgs/config"
	"github.com/emx-mail/mailfleet/pkgs/credential"
	"github.com/emx-mail/mailfleet/pkgs/event"
	"github.com/emx-mail/mailfleet/pkgs/fleet"
	"github.com/emx-mail/mailfleet/pkgs/logging"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func (a *app) loadConfig() (*config.Config, zerolog.Logger) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Run 'mailfleet init' to create an example config\n")
		os.Exit(1)
	}

	for _, acc := range cfg.Accounts {
		if acc.IMAP.Keyring {
			store, err := credential.Open()
			if err != nil {
				fatal("%v", err)
			}
			if err := cfg.ResolvePasswords(store); err != nil {
				fatal("%v", err)
			}
			break
		}
	}

	level := cfg.Logging.Level
	if a.verbose {
		level = "debug"
	}
	log, err := logging.New(logging.Options{Level: level, Format: cfg.Logging.Format})
	if err != nil {
		fatal("%v", err)
	}
	return cfg, log
}

// newFleet registers every configured account.
func newFleet(cfg *config.Config, log zerolog.Logger, handler event.Handler) *fleet.Coordinator {
	c := fleet.New(fleet.Options{
		Session: cfg.SessionOptions(),
		Handler: handler,
		Logger:  &log,
	})
	for _, acc := range cfg.Accounts {
		c.AddAccount(acc.Name, cfg.IMAPConfig(acc))
	}
	return c
}

// chain calls every non-nil handler in order.
func chain(handlers ...event.Handler) event.Handler {
	var hs []event.Handler
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	if len(hs) == 0 {
		return nil
	}
	return func(r event.Record) {
		for _, h := range hs {
			h(r)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatStatus(name string, st account.Status) string {
	connected := "Disconnected"
	if st.Connected {
		connected = "Connected"
	}
	idle := "IDLE Inactive"
	if st.Idling {
		idle = "IDLE Active"
	}
	mailbox := st.CurrentMailbox
	if mailbox == "" {
		mailbox = "None"
	}
	s := fmt.Sprintf("%s %s | %s | Mailbox: %s", name, connected, idle, mailbox)
	if st.ReconnectAttempts > 0 {
		s += fmt.Sprintf(" | Reconnect attempts: %d", st.ReconnectAttempts)
	}
	return s
}

// truncate truncates a string to maxLen runes, preserving UTF-8 boundaries.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}
