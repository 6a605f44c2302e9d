// Package emailtest provides an in-memory email.Conn for testing code built
// on top of the transport.
package emailtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emx-mail/mailfleet/pkgs/email"
	"github.com/emx-mail/mailfleet/pkgs/event"
)

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("emailtest: connection closed")

// Conn is a scripted email.Conn. Configure the exported fields before the
// code under test uses it; inspect Calls afterwards.
type Conn struct {
	Config email.IMAPConfig

	// ConnectErr is returned by Connect when set.
	ConnectErr error
	// Errs maps an operation name to the error it returns.
	Errs map[string]error
	// Block makes the named operation wait until its context is done.
	Block map[string]bool

	Mailboxes []email.Mailbox
	// Messages maps mailbox name to its messages, keyed by UID.
	Messages map[string][]*email.Message

	mu        sync.Mutex
	id        string
	sink      event.Sink
	calls     []string
	open      string
	idle      string
	connected bool
	closed    bool
	lastSeen  time.Time
}

// NewConn returns an empty Conn reporting to sink.
func NewConn(cfg email.IMAPConfig, sink event.Sink) *Conn {
	if sink == nil {
		sink = func(event.Event) {}
	}
	return &Conn{
		Config:   cfg,
		id:       uuid.NewString(),
		sink:     sink,
		Errs:     map[string]error{},
		Block:    map[string]bool{},
		Messages: map[string][]*email.Message{},
	}
}

// ID implements email.Conn.
func (c *Conn) ID() string { return c.id }

// Calls returns the operations invoked so far, in order.
func (c *Conn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Called reports whether op was invoked.
func (c *Conn) Called(op string) bool {
	for _, call := range c.Calls() {
		if call == op {
			return true
		}
	}
	return false
}

// Idling returns the mailbox being idled on, or "".
func (c *Conn) Idling() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SearchedSince returns the cutoff passed to the last SearchSince call.
func (c *Conn) SearchedSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Emit delivers ev as if the transport produced it.
func (c *Conn) Emit(ev event.Event) { c.sink(ev) }

// Drop simulates the server ending the session.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	c.closed = true
	c.idle = ""
	c.mu.Unlock()
	if err != nil {
		c.sink(event.Failed{Err: err})
	}
	c.sink(event.Ended{})
	c.sink(event.Closed{HadError: err != nil})
}

func (c *Conn) enter(ctx context.Context, op string) error {
	c.mu.Lock()
	c.calls = append(c.calls, op)
	closed := c.closed
	block := c.Block[op]
	err := c.Errs[op]
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if closed && op != "Connect" {
		return ErrClosed
	}
	return nil
}

// Connect implements email.Conn.
func (c *Conn) Connect(ctx context.Context) error {
	if err := c.enter(ctx, "Connect"); err != nil {
		return err
	}
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Close implements email.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.calls = append(c.calls, "Close")
	report := c.connected && !c.closed
	c.closed = true
	c.idle = ""
	c.mu.Unlock()

	if report {
		c.sink(event.Ended{})
		c.sink(event.Closed{})
	}
	return nil
}

// ListMailboxes implements email.Conn.
func (c *Conn) ListMailboxes(ctx context.Context) ([]email.Mailbox, error) {
	if err := c.enter(ctx, "ListMailboxes"); err != nil {
		return nil, err
	}
	return append([]email.Mailbox(nil), c.Mailboxes...), nil
}

// OpenMailbox implements email.Conn.
func (c *Conn) OpenMailbox(ctx context.Context, name string, readOnly bool) (*email.MailboxInfo, error) {
	if err := c.enter(ctx, "OpenMailbox"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.open = name
	msgs := c.Messages[name]
	c.mu.Unlock()

	return &email.MailboxInfo{
		Name:     name,
		ReadOnly: readOnly,
		Messages: email.MessageCounts{Total: len(msgs)},
		UIDNext:  uint32(len(msgs) + 1),
	}, nil
}

// SearchSince implements email.Conn. Every message of the open mailbox with
// an internal date on or after since matches.
func (c *Conn) SearchSince(ctx context.Context, since time.Time) ([]uint32, error) {
	if err := c.enter(ctx, "SearchSince"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = since

	uids := []uint32{}
	for _, m := range c.Messages[c.open] {
		if !m.Attributes.InternalDate.Before(since) {
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}

// FetchByIdentifiers implements email.Conn.
func (c *Conn) FetchByIdentifiers(ctx context.Context, uids []uint32) ([]*email.Message, error) {
	if err := c.enter(ctx, "FetchByIdentifiers"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	want := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		want[uid] = true
	}
	out := []*email.Message{}
	for _, m := range c.Messages[c.open] {
		if want[m.UID] {
			out = append(out, m)
		}
	}
	return out, nil
}

// StartIdle implements email.Conn.
func (c *Conn) StartIdle(ctx context.Context, mailbox string) error {
	if err := c.enter(ctx, "StartIdle"); err != nil {
		return err
	}
	c.mu.Lock()
	c.idle = mailbox
	c.mu.Unlock()
	return nil
}

// StopIdle implements email.Conn.
func (c *Conn) StopIdle() error {
	if err := c.enter(context.Background(), "StopIdle"); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	c.mu.Lock()
	c.idle = ""
	c.mu.Unlock()
	return nil
}

// Dialer hands out Conns and remembers each one.
type Dialer struct {
	// Configure, when set, prepares every new Conn before it is returned.
	// dial is the 1-based index of the Conn.
	Configure func(c *Conn, dial int)

	mu    sync.Mutex
	conns []*Conn
}

// Dial implements email.Dialer.
func (d *Dialer) Dial(cfg email.IMAPConfig, sink event.Sink) email.Conn {
	c := NewConn(cfg, sink)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	n := len(d.conns)
	d.mu.Unlock()

	if d.Configure != nil {
		d.Configure(c, n)
	}
	return c
}

// Conns returns every Conn dialed so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recently dialed Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
