package email

import (
	"context"
	"time"

	"github.com/emx-mail/mailfleet/pkgs/event"
)

// Conn is one mailbox transport session. A Conn is owned by exactly one
// session manager; after Close it is discarded and a fresh Conn is dialed.
//
// Asynchronous notifications (new mail, flag updates, expunges, alerts,
// keepalive failures and the end of the session) are reported through the
// event.Sink passed to the Dialer.
type Conn interface {
	// ID identifies this handle instance.
	ID() string

	// Connect dials, secures and authenticates the session.
	Connect(ctx context.Context) error

	// Close ends the session. It is safe to call more than once.
	Close() error

	// ListMailboxes returns the mailbox tree.
	ListMailboxes(ctx context.Context) ([]Mailbox, error)

	// OpenMailbox selects (or examines, when readOnly) a mailbox.
	OpenMailbox(ctx context.Context, name string, readOnly bool) (*MailboxInfo, error)

	// SearchSince returns the UIDs of messages in the open mailbox with an
	// internal date on or after since.
	SearchSince(ctx context.Context, since time.Time) ([]uint32, error)

	// FetchByIdentifiers fetches the given UIDs from the open mailbox.
	FetchByIdentifiers(ctx context.Context, uids []uint32) ([]*Message, error)

	// StartIdle enters IDLE on mailbox, which must already be open.
	StartIdle(ctx context.Context, mailbox string) error

	// StopIdle leaves IDLE without closing the session.
	StopIdle() error
}

// Dialer constructs a Conn bound to the given parameters and sink. It must
// not perform I/O; Connect does.
type Dialer func(cfg IMAPConfig, sink event.Sink) Conn

// DialIMAP is the go-imap backed Dialer.
func DialIMAP(cfg IMAPConfig, sink event.Sink) Conn {
	return NewIMAPClient(cfg, sink)
}
