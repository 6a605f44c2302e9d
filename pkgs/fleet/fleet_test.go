package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emx-mail/mailfleet/pkgs/email"
	"github.com/emx-mail/mailfleet/pkgs/email/emailtest"
	"github.com/emx-mail/mailfleet/pkgs/event"
	"github.com/emx-mail/mailfleet/pkgs/session"
)

// newTestFleet registers alpha (healthy) and beta (every call after connect
// fails, or connect itself fails when failConnect is set).
func newTestFleet(t *testing.T, failConnect bool) (*Coordinator, *emailtest.Dialer) {
	t.Helper()
	dialer := &emailtest.Dialer{Configure: func(c *emailtest.Conn, _ int) {
		switch c.Config.Host {
		case "alpha.example.com":
			c.Mailboxes = []email.Mailbox{{Name: "INBOX"}}
			c.Messages["INBOX"] = []*email.Message{
				{SeqNum: 1, UID: 7, Headers: map[string]string{"subject": "hello"}, Attributes: email.Attributes{InternalDate: time.Now()}},
			}
		case "beta.example.com":
			if failConnect {
				c.ConnectErr = errors.New("connection refused")
			}
			for _, op := range []string{"ListMailboxes", "OpenMailbox", "SearchSince", "FetchByIdentifiers", "StartIdle"} {
				c.Errs[op] = errors.New("server unavailable")
			}
		}
	}}

	c := New(Options{Session: session.Options{
		MaxReconnectAttempts: -1,
		BaseDelay:            time.Millisecond,
		Dial:                 dialer.Dial,
	}})
	c.AddAccount("alpha", email.IMAPConfig{Host: "alpha.example.com", Port: 993})
	c.AddAccount("beta", email.IMAPConfig{Host: "beta.example.com", Port: 993})
	t.Cleanup(c.DisconnectAll)
	return c, dialer
}

func TestFetchRecentFromAllIsolatesFailures(t *testing.T) {
	c, _ := newTestFleet(t, false)
	ctx := context.Background()
	if err := c.ConnectAll(ctx); err != nil {
		t.Fatal(err)
	}

	results := c.FetchRecentFromAll(ctx, 7, "INBOX")
	if len(results) != 2 {
		t.Fatalf("expected 2 entries, got %v", results)
	}
	if msgs := results["alpha"]; len(msgs) != 1 || msgs[0].Subject() != "hello" {
		t.Errorf("alpha = %v", msgs)
	}
	beta, ok := results["beta"]
	if !ok || beta == nil || len(beta) != 0 {
		t.Errorf("beta = %#v, want empty slice", beta)
	}
}

func TestFanOutSentinels(t *testing.T) {
	c, _ := newTestFleet(t, false)
	ctx := context.Background()
	c.ConnectAll(ctx)

	lists := c.ListAllMailboxes(ctx)
	if len(lists["alpha"]) != 1 {
		t.Errorf("alpha mailboxes = %v", lists["alpha"])
	}
	if v, ok := lists["beta"]; !ok || v != nil {
		t.Errorf("beta mailboxes = %#v, want nil entry", v)
	}

	infos := c.OpenMailboxForAll(ctx, "INBOX", true)
	if infos["alpha"] == nil || infos["alpha"].Messages.Total != 1 {
		t.Errorf("alpha info = %+v", infos["alpha"])
	}
	if v, ok := infos["beta"]; !ok || v != nil {
		t.Errorf("beta info = %+v, want nil entry", v)
	}

	idle := c.StartIdleOnAll(ctx, session.IdleOptions{Mailbox: "INBOX"})
	if idle["alpha"] != nil {
		t.Errorf("alpha idle error: %v", idle["alpha"])
	}
	if idle["beta"] == nil {
		t.Error("expected beta idle error")
	}

	st, _ := c.AccountStatus("alpha")
	if !st.Idling || st.CurrentMailbox != "INBOX" {
		t.Errorf("alpha status = %+v", st)
	}

	c.StopIdleOnAll()
	if st, _ := c.AccountStatus("alpha"); st.Idling {
		t.Errorf("alpha still idling: %+v", st)
	}
}

func TestConnectAllFailsIfAnyAccountFails(t *testing.T) {
	c, dialer := newTestFleet(t, true)

	err := c.ConnectAll(context.Background())
	var cerr *session.ConnectionError
	if !errors.As(err, &cerr) || cerr.Account != "beta" {
		t.Fatalf("expected beta ConnectionError, got %v", err)
	}

	// alpha was still attempted concurrently.
	if st, _ := c.AccountStatus("alpha"); !st.Connected {
		t.Errorf("alpha status = %+v", st)
	}
	if n := len(dialer.Conns()); n != 2 {
		t.Errorf("dialed %d handles, want 2", n)
	}
}

func TestSingleAccountNotFound(t *testing.T) {
	c, _ := newTestFleet(t, false)
	ctx := context.Background()

	checks := map[string]error{
		"ConnectAccount":     c.ConnectAccount(ctx, "gamma"),
		"StartIdleOnAccount": c.StartIdleOnAccount(ctx, "gamma", session.IdleOptions{}),
		"StopIdleOnAccount":  c.StopIdleOnAccount("gamma"),
		"DisconnectAccount":  c.DisconnectAccount("gamma"),
	}
	_, err := c.FetchFromAccount(ctx, "gamma", 7, "INBOX")
	checks["FetchFromAccount"] = err

	for name, err := range checks {
		var nf *AccountNotFoundError
		if !errors.As(err, &nf) || nf.Name != "gamma" {
			t.Errorf("%s: expected AccountNotFoundError, got %v", name, err)
		}
	}
}

func TestSingleAccountPropagatesErrors(t *testing.T) {
	c, _ := newTestFleet(t, false)
	ctx := context.Background()

	// Not connected yet: the session error comes back as is.
	_, err := c.FetchFromAccount(ctx, "alpha", 7, "INBOX")
	if !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	if err := c.ConnectAccount(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}
	msgs, err := c.FetchFromAccount(ctx, "alpha", 7, "INBOX")
	if err != nil || len(msgs) != 1 {
		t.Errorf("FetchFromAccount() = %v, %v", msgs, err)
	}
	if err := c.StartIdleOnAccount(ctx, "alpha", session.IdleOptions{Mailbox: "INBOX"}); err != nil {
		t.Fatal(err)
	}
	if err := c.StopIdleOnAccount("alpha"); err != nil {
		t.Fatal(err)
	}
	if err := c.DisconnectAccount("alpha"); err != nil {
		t.Fatal(err)
	}
	if st, _ := c.AccountStatus("alpha"); st.Connected {
		t.Errorf("alpha still connected: %+v", st)
	}
}

func TestStatuses(t *testing.T) {
	c, _ := newTestFleet(t, false)

	if _, ok := c.AccountStatus("gamma"); ok {
		t.Error("expected unknown account to be absent")
	}

	c.ConnectAccount(context.Background(), "alpha")
	all := c.AllAccountStatuses()
	if len(all) != 2 {
		t.Fatalf("expected 2 statuses, got %v", all)
	}
	if !all["alpha"].Connected || all["beta"].Connected {
		t.Errorf("unexpected statuses: %+v", all)
	}

	names := c.Accounts()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("Accounts() = %v", names)
	}
}

func TestAddAccountReplacesDuplicate(t *testing.T) {
	c, _ := newTestFleet(t, false)
	first, _ := c.Manager("alpha")

	second := c.AddAccount("alpha", email.IMAPConfig{Host: "alpha2.example.com", Port: 143})
	if second == first {
		t.Fatal("expected a new manager")
	}
	got, _ := c.Manager("alpha")
	if got != second {
		t.Error("duplicate name must replace the previous entry")
	}
	if got.Account().Params().Host != "alpha2.example.com" {
		t.Errorf("unexpected params: %+v", got.Account().Params())
	}
	if n := len(c.Accounts()); n != 2 {
		t.Errorf("expected 2 accounts, got %d", n)
	}
}

func TestDisconnectAll(t *testing.T) {
	c, dialer := newTestFleet(t, false)
	ctx := context.Background()
	c.ConnectAll(ctx)
	c.StartIdleOnAll(ctx, session.IdleOptions{Mailbox: "INBOX"})

	c.DisconnectAll()
	for name, st := range c.AllAccountStatuses() {
		if st.Connected || st.Idling {
			t.Errorf("%s still active: %+v", name, st)
		}
	}
	for _, conn := range dialer.Conns() {
		if !conn.Closed() {
			t.Errorf("handle %s not closed", conn.ID())
		}
	}
}

func TestHandlerReceivesEveryAccount(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}

	dialer := &emailtest.Dialer{}
	c := New(Options{
		Session: session.Options{Dial: dialer.Dial},
		Handler: func(r event.Record) {
			if r.Event.Kind() != event.KindReady {
				return
			}
			mu.Lock()
			seen[r.Account]++
			mu.Unlock()
		},
	})
	c.AddAccount("alpha", email.IMAPConfig{Host: "a"})
	c.AddAccount("beta", email.IMAPConfig{Host: "b"})
	t.Cleanup(c.DisconnectAll)

	if err := c.ConnectAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, name := range c.Accounts() {
		m, _ := c.Manager(name)
		m.Flush()
	}

	mu.Lock()
	defer mu.Unlock()
	if seen["alpha"] != 1 || seen["beta"] != 1 {
		t.Errorf("ready events per account = %v", seen)
	}
}
