package main

import (
	"testing"

	"github.com/emx-mail/mailfleet/pkgs/account"
	"github.com/emx-mail/mailfleet/pkgs/event"
)

func TestFormatStatus(t *testing.T) {
	tests := []struct {
		st   account.Status
		want string
	}{
		{account.Status{}, "work Disconnected | IDLE Inactive | Mailbox: None"},
		{account.Status{Connected: true, Idling: true, CurrentMailbox: "INBOX"}, "work Connected | IDLE Active | Mailbox: INBOX"},
		{account.Status{ReconnectAttempts: 2, CurrentMailbox: "INBOX"}, "work Disconnected | IDLE Inactive | Mailbox: INBOX | Reconnect attempts: 2"},
	}
	for _, tt := range tests {
		if got := formatStatus("work", tt.st); got != tt.want {
			t.Errorf("formatStatus(%+v) = %q, want %q", tt.st, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
}

func TestChain(t *testing.T) {
	if chain(nil, nil) != nil {
		t.Error("chain of nils should be nil")
	}

	var order []string
	h := chain(
		func(event.Record) { order = append(order, "a") },
		nil,
		func(event.Record) { order = append(order, "b") },
	)
	h(event.NewRecord("work", "", event.Ready{}))
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v", order)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := sortedKeys(map[string]int{"b": 1, "a": 2, "c": 3})
	if len(keys) != 3 || keys[0] != "a" || keys[2] != "c" {
		t.Errorf("sortedKeys() = %v", keys)
	}
}
