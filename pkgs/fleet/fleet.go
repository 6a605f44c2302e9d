// Package fleet runs mailbox operations across many accounts at once, keeping
// one account's failure from affecting the others.
package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/emx-mail/mailfleet/pkgs/account"
	"github.com/emx-mail/mailfleet/pkgs/email"
	"github.com/emx-mail/mailfleet/pkgs/event"
	"github.com/emx-mail/mailfleet/pkgs/session"
)

// AccountNotFoundError is returned for an unknown account name.
type AccountNotFoundError struct {
	Name string
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account %q not found", e.Name)
}

// Options configures a Coordinator.
type Options struct {
	// Session is the template for every account's session.Options. Its
	// Handler is ignored; use Handler below.
	Session session.Options
	// Handler receives every notification of every account.
	Handler event.Handler
	Logger  *zerolog.Logger
}

// Coordinator owns one session.Manager per account name.
type Coordinator struct {
	opts Options
	log  zerolog.Logger

	mu       sync.RWMutex
	managers map[string]*session.Manager
}

// New creates an empty Coordinator.
func New(opts Options) *Coordinator {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = &log
	}
	return &Coordinator{
		opts:     opts,
		log:      log,
		managers: make(map[string]*session.Manager),
	}
}

// AddAccount registers an account and returns its manager. Registering an
// existing name replaces the previous manager; the previous one is left as
// is and should be disconnected by the caller.
func (c *Coordinator) AddAccount(name string, params email.IMAPConfig) *session.Manager {
	opts := c.opts.Session
	opts.Handler = c.opts.Handler
	m := session.New(account.New(name, params), opts)

	c.mu.Lock()
	if _, ok := c.managers[name]; ok {
		c.log.Warn().Str("account", name).Msg("replacing existing account")
	}
	c.managers[name] = m
	c.mu.Unlock()
	return m
}

// Manager returns the manager registered under name.
func (c *Coordinator) Manager(name string) (*session.Manager, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.managers[name]
	return m, ok
}

// Accounts returns the registered account names, sorted.
func (c *Coordinator) Accounts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.managers))
	for name := range c.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Coordinator) snapshot() map[string]*session.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*session.Manager, len(c.managers))
	for name, m := range c.managers {
		out[name] = m
	}
	return out
}

func (c *Coordinator) lookup(name string) (*session.Manager, error) {
	m, ok := c.Manager(name)
	if !ok {
		return nil, &AccountNotFoundError{Name: name}
	}
	return m, nil
}

// fanOut runs fn for every account concurrently and collects the results.
// A failing account is logged and stored as the zero value of T.
func fanOut[T any](c *Coordinator, op string, fn func(m *session.Manager) (T, error)) map[string]T {
	managers := c.snapshot()
	results := make(map[string]T, len(managers))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, m := range managers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := fn(m)
			if err != nil {
				c.log.Error().Err(err).Str("account", name).Msgf("%s failed", op)
			}
			mu.Lock()
			results[name] = v
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// ConnectAll connects every account concurrently. It fails if any account
// fails, after all attempts have finished.
func (c *Coordinator) ConnectAll(ctx context.Context) error {
	managers := c.snapshot()
	c.log.Info().Int("accounts", len(managers)).Msg("connecting all accounts")

	var g errgroup.Group
	for _, m := range managers {
		g.Go(func() error {
			return m.Connect(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.log.Info().Msg("all accounts connected")
	return nil
}

// ConnectAccount connects one account.
func (c *Coordinator) ConnectAccount(ctx context.Context, name string) error {
	m, err := c.lookup(name)
	if err != nil {
		return err
	}
	return m.Connect(ctx)
}

// DisconnectAll disconnects every account. It never fails.
func (c *Coordinator) DisconnectAll() {
	fanOut(c, "disconnect", func(m *session.Manager) (struct{}, error) {
		return struct{}{}, m.Disconnect()
	})
	c.log.Info().Msg("all accounts disconnected")
}

// DisconnectAccount disconnects one account.
func (c *Coordinator) DisconnectAccount(name string) error {
	m, err := c.lookup(name)
	if err != nil {
		return err
	}
	return m.Disconnect()
}

// ListAllMailboxes lists mailboxes on every account. A failed account maps
// to nil.
func (c *Coordinator) ListAllMailboxes(ctx context.Context) map[string][]email.Mailbox {
	return fanOut(c, "list mailboxes", func(m *session.Manager) ([]email.Mailbox, error) {
		return m.ListMailboxes(ctx)
	})
}

// OpenMailboxForAll opens mailbox on every account. A failed account maps to
// nil.
func (c *Coordinator) OpenMailboxForAll(ctx context.Context, mailbox string, readOnly bool) map[string]*email.MailboxInfo {
	return fanOut(c, "open mailbox", func(m *session.Manager) (*email.MailboxInfo, error) {
		return m.OpenMailbox(ctx, mailbox, readOnly)
	})
}

// FetchRecentFromAll fetches the last daysBack days of mailbox on every
// account. A failed account maps to an empty slice.
func (c *Coordinator) FetchRecentFromAll(ctx context.Context, daysBack int, mailbox string) map[string][]*email.Message {
	return fanOut(c, "fetch recent", func(m *session.Manager) ([]*email.Message, error) {
		msgs, err := m.FetchRecent(ctx, daysBack, mailbox)
		if err != nil {
			return []*email.Message{}, err
		}
		return msgs, nil
	})
}

// FetchFromAccount fetches the last daysBack days of mailbox on one account.
func (c *Coordinator) FetchFromAccount(ctx context.Context, name string, daysBack int, mailbox string) ([]*email.Message, error) {
	m, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	return m.FetchRecent(ctx, daysBack, mailbox)
}

// StartIdleOnAll starts IDLE on every account. The result holds each
// account's error, nil on success.
func (c *Coordinator) StartIdleOnAll(ctx context.Context, opts session.IdleOptions) map[string]error {
	return fanOut(c, "start idle", func(m *session.Manager) (error, error) {
		err := m.StartIdle(ctx, opts)
		return err, err
	})
}

// StartIdleOnAccount starts IDLE on one account.
func (c *Coordinator) StartIdleOnAccount(ctx context.Context, name string, opts session.IdleOptions) error {
	m, err := c.lookup(name)
	if err != nil {
		return err
	}
	return m.StartIdle(ctx, opts)
}

// StopIdleOnAll stops IDLE on every account. It never fails.
func (c *Coordinator) StopIdleOnAll() {
	fanOut(c, "stop idle", func(m *session.Manager) (struct{}, error) {
		return struct{}{}, m.StopIdle()
	})
}

// StopIdleOnAccount stops IDLE on one account.
func (c *Coordinator) StopIdleOnAccount(name string) error {
	m, err := c.lookup(name)
	if err != nil {
		return err
	}
	return m.StopIdle()
}

// AccountStatus returns a snapshot of one account's status.
func (c *Coordinator) AccountStatus(name string) (account.Status, bool) {
	m, ok := c.Manager(name)
	if !ok {
		return account.Status{}, false
	}
	return m.Status(), true
}

// AllAccountStatuses returns a snapshot of every account's status.
func (c *Coordinator) AllAccountStatuses() map[string]account.Status {
	managers := c.snapshot()
	out := make(map[string]account.Status, len(managers))
	for name, m := range managers {
		out[name] = m.Status()
	}
	return out
}
