// Package session owns the connection lifecycle of one mailbox account:
// connecting, mailbox operations, IDLE, and bounded automatic reconnection.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/emx-mail/mailfleet/pkgs/account"
	"github.com/emx-mail/mailfleet/pkgs/email"
	"github.com/emx-mail/mailfleet/pkgs/event"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultBaseDelay            = 5 * time.Second
	DefaultMailbox              = "INBOX"
)

// Options configures a Manager.
type Options struct {
	// MaxReconnectAttempts bounds automatic reconnection. Zero selects
	// DefaultMaxReconnectAttempts; a negative value disables reconnection.
	MaxReconnectAttempts int
	// BaseDelay is multiplied by the attempt number to get the wait before
	// each reconnection attempt.
	BaseDelay time.Duration
	// CallTimeout bounds every transport call. Zero means no deadline.
	CallTimeout time.Duration

	Logger *zerolog.Logger
	// Handler receives every notification for this account, in order, on a
	// dispatcher goroutine.
	Handler event.Handler
	// Dial constructs transport handles. Nil uses email.DialIMAP.
	Dial email.Dialer
}

func (o Options) withDefaults() Options {
	switch {
	case o.MaxReconnectAttempts == 0:
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	case o.MaxReconnectAttempts < 0:
		o.MaxReconnectAttempts = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.Dial == nil {
		o.Dial = email.DialIMAP
	}
	return o
}

// IdleOptions describes an IDLE request. The callbacks are optional and run
// on the dispatcher goroutine.
type IdleOptions struct {
	Mailbox   string
	OnNewMail func(count uint32)
	OnUpdate  func(seqNum uint32, info event.UpdateInfo)
	OnExpunge func(seqNum uint32)
}

type idleCallbacks struct {
	IdleOptions
	connID string
}

// Manager drives one account's connection. All methods are safe for
// concurrent use; mailbox operations on one Manager run one at a time in
// call order.
type Manager struct {
	account  *account.State
	opts     Options
	log      zerolog.Logger
	dispatch *event.Dispatcher

	// opMu serializes connect, reconnect and mailbox operations.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	conn        email.Conn
	connID      string
	gen         uint64
	handled     uint64
	maxAttempts int
	shutdown    bool
	timer       *time.Timer
	callbacks   *idleCallbacks
}

// New creates a Manager for acc. No connection is made until Connect.
func New(acc *account.State, opts Options) *Manager {
	opts = opts.withDefaults()

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	m := &Manager{
		account:     acc,
		opts:        opts,
		log:         log.With().Str("account", acc.Name()).Logger(),
		maxAttempts: opts.MaxReconnectAttempts,
	}
	m.dispatch = event.NewDispatcher(m.deliver)
	return m
}

// Name returns the account name.
func (m *Manager) Name() string { return m.account.Name() }

// Account returns the account state driven by this manager.
func (m *Manager) Account() *account.State { return m.account }

// Status returns a snapshot of the account status.
func (m *Manager) Status() account.Status { return m.account.Status() }

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Flush waits until every notification published so far has been handled.
func (m *Manager) Flush() { m.dispatch.Flush() }

// Connect opens a session. It succeeds immediately if already connected.
// A failure is returned as a ConnectionError and starts automatic
// reconnection. A manual Connect re-arms a manager that was disconnected or
// gave up.
func (m *Manager) Connect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.shutdown = false
	m.maxAttempts = m.opts.MaxReconnectAttempts
	m.mu.Unlock()

	return m.connect(ctx, true)
}

// connect dials a fresh handle and authenticates it. The caller holds opMu.
func (m *Manager) connect(ctx context.Context, resetAttempts bool) error {
	m.mu.Lock()
	if m.account.Status().Connected {
		m.mu.Unlock()
		m.log.Info().Msg("already connected to IMAP server")
		return nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	old := m.conn
	m.gen++
	gen := m.gen
	m.state = Connecting

	params := m.account.Params()
	params.Logger = &m.log
	var connID string
	conn := m.opts.Dial(params, func(ev event.Event) { m.onTransportEvent(gen, connID, ev) })
	connID = conn.ID()
	m.conn = conn
	m.connID = connID
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.log.Info().Str("conn", connID).Str("addr", params.Addr()).Msg("connecting to IMAP server")

	cctx, cancel := m.callCtx(ctx)
	err := conn.Connect(cctx)
	if err != nil {
		if terr := m.timeout(ctx, cctx, "connect", err); terr != nil {
			err = terr
		}
	}
	cancel()
	if err != nil {
		cerr := &ConnectionError{Account: m.Name(), Err: err}
		m.log.Error().Err(err).Str("conn", connID).Msg("connection failed")
		m.publish(connID, event.Failed{Err: cerr})
		m.lost(gen, cerr)
		return cerr
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		conn.Close()
		return &ConnectionError{Account: m.Name(), Err: errors.New("disconnected while connecting")}
	}
	m.state = Connected
	patch := account.StatusPatch{Connected: account.Bool(true), Idling: account.Bool(false)}
	if resetAttempts {
		patch.ReconnectAttempts = account.Int(0)
	}
	m.account.Update(patch)
	m.publish(connID, event.Ready{})
	m.mu.Unlock()

	m.log.Info().Str("conn", connID).Msg("connected to IMAP server")
	return nil
}

// Disconnect stops idling, closes the session and disables automatic
// reconnection. It is idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.shutdown = true
	m.maxAttempts = 0
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	wasIdling := m.account.Status().Idling
	m.callbacks = nil
	m.account.Update(account.StatusPatch{
		Connected:      account.Bool(false),
		Idling:         account.Bool(false),
		CurrentMailbox: account.Str(""),
	})
	prev := m.state
	m.state = Disconnected
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	if wasIdling {
		m.stopTransportIdle(conn)
	}
	if prev != Disconnected {
		m.log.Info().Msg("disconnecting from IMAP server")
	}
	return conn.Close()
}

// stopTransportIdle leaves IDLE without waiting on a stuck connection; the
// session is about to be closed either way.
func (m *Manager) stopTransportIdle(conn email.Conn) {
	done := make(chan error, 1)
	go func() { done <- conn.StopIdle() }()
	select {
	case err := <-done:
		if err != nil {
			m.log.Debug().Err(err).Msg("stop IDLE before close failed")
		}
	case <-time.After(2 * time.Second):
		m.log.Warn().Msg("stop IDLE timed out, closing connection")
	}
}

// ListMailboxes returns the mailbox tree.
func (m *Manager) ListMailboxes(ctx context.Context) ([]email.Mailbox, error) {
	return call(m, ctx, "list mailboxes", func(ctx context.Context, conn email.Conn) ([]email.Mailbox, error) {
		return conn.ListMailboxes(ctx)
	})
}

// OpenMailbox selects a mailbox, or examines it when readOnly is set.
func (m *Manager) OpenMailbox(ctx context.Context, name string, readOnly bool) (*email.MailboxInfo, error) {
	return call(m, ctx, "open mailbox", func(ctx context.Context, conn email.Conn) (*email.MailboxInfo, error) {
		return conn.OpenMailbox(ctx, name, readOnly)
	})
}

// SearchSince opens mailbox read-only and returns the UIDs of messages
// received in the last daysBack days. An empty result is not an error.
func (m *Manager) SearchSince(ctx context.Context, mailbox string, daysBack int) ([]uint32, error) {
	return call(m, ctx, "search", func(ctx context.Context, conn email.Conn) ([]uint32, error) {
		return m.searchSince(ctx, conn, mailbox, daysBack)
	})
}

func (m *Manager) searchSince(ctx context.Context, conn email.Conn, mailbox string, daysBack int) ([]uint32, error) {
	if _, err := conn.OpenMailbox(ctx, mailbox, true); err != nil {
		return nil, err
	}
	since := time.Now().AddDate(0, 0, -daysBack)
	uids, err := conn.SearchSince(ctx, since)
	if err != nil {
		return nil, err
	}
	m.log.Debug().Str("mailbox", mailbox).Int("days_back", daysBack).Int("found", len(uids)).Msg("search complete")
	return uids, nil
}

// FetchByIdentifiers fetches the given UIDs from mailbox. An empty list
// returns an empty result without touching the transport.
func (m *Manager) FetchByIdentifiers(ctx context.Context, uids []uint32, mailbox string) ([]*email.Message, error) {
	return call(m, ctx, "fetch", func(ctx context.Context, conn email.Conn) ([]*email.Message, error) {
		return m.fetch(ctx, conn, uids, mailbox)
	})
}

func (m *Manager) fetch(ctx context.Context, conn email.Conn, uids []uint32, mailbox string) ([]*email.Message, error) {
	if len(uids) == 0 {
		return []*email.Message{}, nil
	}
	if _, err := conn.OpenMailbox(ctx, mailbox, true); err != nil {
		return nil, err
	}
	msgs, err := conn.FetchByIdentifiers(ctx, uids)
	if err != nil {
		return nil, err
	}
	m.log.Debug().Str("mailbox", mailbox).Int("fetched", len(msgs)).Msg("fetch complete")
	return msgs, nil
}

// FetchRecent returns the messages received in mailbox during the last
// daysBack days.
func (m *Manager) FetchRecent(ctx context.Context, daysBack int, mailbox string) ([]*email.Message, error) {
	return call(m, ctx, "fetch recent", func(ctx context.Context, conn email.Conn) ([]*email.Message, error) {
		uids, err := m.searchSince(ctx, conn, mailbox, daysBack)
		if err != nil {
			return nil, err
		}
		if len(uids) == 0 {
			m.log.Info().Str("mailbox", mailbox).Int("days_back", daysBack).Msg("no emails found")
			return []*email.Message{}, nil
		}
		return m.fetch(ctx, conn, uids, mailbox)
	})
}

// StartIdle opens the mailbox read-only and holds the session in IDLE,
// routing push notifications to the callbacks in opts. It is a no-op when
// the account is already idling, whatever the mailbox.
func (m *Manager) StartIdle(ctx context.Context, opts IdleOptions) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.startIdle(ctx, opts)
}

func (m *Manager) startIdle(ctx context.Context, opts IdleOptions) error {
	if opts.Mailbox == "" {
		opts.Mailbox = DefaultMailbox
	}

	conn, gen, connID, err := m.connected("start idle")
	if err != nil {
		return err
	}
	if st := m.account.Status(); st.Idling {
		m.log.Info().Str("mailbox", st.CurrentMailbox).Msg("already in IDLE mode")
		return nil
	}

	m.log.Info().Str("mailbox", opts.Mailbox).Msg("starting IDLE mode")

	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	if _, err := conn.OpenMailbox(cctx, opts.Mailbox, true); err != nil {
		return m.callErr(ctx, cctx, gen, "start idle", err)
	}
	if err := conn.StartIdle(cctx, opts.Mailbox); err != nil {
		return m.callErr(ctx, cctx, gen, "start idle", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.handled == gen {
		// Lost while entering IDLE. Record the intent so the reconnection
		// restores it.
		m.account.Update(account.StatusPatch{CurrentMailbox: account.Str(opts.Mailbox)})
		return &ConnectionError{Account: m.Name(), Err: errors.New("connection lost while starting IDLE")}
	}
	m.account.Update(account.StatusPatch{
		Idling:         account.Bool(true),
		CurrentMailbox: account.Str(opts.Mailbox),
	})
	m.state = Idling
	m.callbacks = &idleCallbacks{IdleOptions: opts, connID: connID}

	m.log.Info().Str("mailbox", opts.Mailbox).Msg("IDLE mode active, listening for new emails")
	return nil
}

// StopIdle leaves IDLE and drops the callbacks. The session stays open.
// It is a no-op when not idling.
func (m *Manager) StopIdle() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if !m.account.Status().Idling {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.callbacks = nil
	m.account.Update(account.StatusPatch{
		Idling:         account.Bool(false),
		CurrentMailbox: account.Str(""),
	})
	m.state = Connected
	m.mu.Unlock()

	m.log.Info().Msg("stopping IDLE mode")
	if err := conn.StopIdle(); err != nil {
		return fmt.Errorf("stop idle: %w", err)
	}
	return nil
}

// call runs fn against the live handle with opMu held and the call deadline
// applied.
func call[T any](m *Manager, ctx context.Context, op string, fn func(context.Context, email.Conn) (T, error)) (T, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var zero T
	conn, gen, _, err := m.connected(op)
	if err != nil {
		return zero, err
	}

	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	v, err := fn(cctx, conn)
	if err != nil {
		return zero, m.callErr(ctx, cctx, gen, op, err)
	}
	return v, nil
}

// connected returns the live handle, or a NotConnectedError.
func (m *Manager) connected(op string) (email.Conn, uint64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.account.Status().Connected || m.conn == nil {
		return nil, 0, "", &NotConnectedError{Account: m.Name(), Op: op}
	}
	return m.conn, m.gen, m.connID, nil
}

func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opts.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.opts.CallTimeout)
}

// timeout returns a TimeoutError when cctx expired on its own deadline
// rather than through the caller's context.
func (m *Manager) timeout(parent, cctx context.Context, op string, err error) error {
	if m.opts.CallTimeout <= 0 || parent.Err() != nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	return &TimeoutError{Account: m.Name(), Op: op, Timeout: m.opts.CallTimeout}
}

// callErr wraps an operation error. A timed-out call leaves the handle in an
// unknown state, so the session is dropped and reconnection starts.
func (m *Manager) callErr(parent, cctx context.Context, gen uint64, op string, err error) error {
	terr := m.timeout(parent, cctx, op, err)
	if terr == nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	m.log.Error().Err(terr).Msg("transport call timed out")
	m.mu.Lock()
	connID := m.connID
	m.mu.Unlock()
	m.publish(connID, event.Failed{Err: terr})
	m.lost(gen, terr)
	return terr
}

func (m *Manager) publish(connID string, ev event.Event) {
	m.dispatch.Publish(event.NewRecord(m.Name(), connID, ev))
}

// onTransportEvent is the Sink of the handle of generation gen.
func (m *Manager) onTransportEvent(gen uint64, connID string, ev event.Event) {
	m.publish(connID, ev)

	switch e := ev.(type) {
	case event.Failed:
		m.log.Error().Err(e.Err).Str("conn", connID).Msg("connection error")
		go m.lost(gen, &ConnectionError{Account: m.Name(), Err: e.Err})
	case event.Ended:
		m.log.Info().Str("conn", connID).Msg("connection ended")
		go m.lost(gen, nil)
	case event.Closed:
		m.log.Info().Str("conn", connID).Bool("had_error", e.HadError).Msg("connection closed")
	case event.Alert:
		m.log.Warn().Str("conn", connID).Str("alert", e.Message).Msg("server alert")
	case event.NewMail:
		m.log.Info().Str("conn", connID).Uint32("count", e.Count).Msg("new mail")
	case event.Removed:
		m.log.Debug().Str("conn", connID).Uint32("seq", e.SeqNum).Msg("mail deleted")
	case event.Updated:
		m.log.Debug().Str("conn", connID).Uint32("seq", e.SeqNum).Msg("mail update")
	}
}

// deliver runs on the dispatcher goroutine.
func (m *Manager) deliver(r event.Record) {
	m.mu.Lock()
	cb := m.callbacks
	m.mu.Unlock()

	if cb != nil && cb.connID == r.ConnID {
		switch e := r.Event.(type) {
		case event.NewMail:
			if cb.OnNewMail != nil {
				cb.OnNewMail(e.Count)
			}
		case event.Updated:
			if cb.OnUpdate != nil {
				cb.OnUpdate(e.SeqNum, e.Info)
			}
		case event.Removed:
			if cb.OnExpunge != nil {
				cb.OnExpunge(e.SeqNum)
			}
		}
	}
	if m.opts.Handler != nil {
		m.opts.Handler(r)
	}
}
