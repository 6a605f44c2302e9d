package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/emx-mail/mailfleet/pkgs/event"
)

// IMAPClient is the go-imap implementation of Conn
type IMAPClient struct {
	id     string
	config IMAPConfig
	sink   event.Sink
	log    zerolog.Logger

	// sem serializes commands; whoever holds it owns client, selected
	// and the idle fields.
	sem      chan struct{}
	client   *imapclient.Client
	selected string

	idleMailbox string
	idleCmd     *imapclient.IdleCommand
	idleStarted time.Time

	// stateMu guards the fields touched outside the command lock.
	stateMu     sync.Mutex
	closing     bool
	stop        chan struct{}
	numMessages uint32
}

// IMAPConfig holds IMAP configuration
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool
	StartTLS bool

	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool
	// AuthMechanism selects "login" (default) or "plain" (SASL PLAIN).
	AuthMechanism string

	KeepAlive KeepAlive

	// Debug traces protocol traffic to Logger at debug level.
	Debug bool
	// Logger receives connection logs. Nil discards them.
	Logger *zerolog.Logger
}

// KeepAlive controls how an open session is kept alive
type KeepAlive struct {
	// Interval is the keepalive tick. Zero disables the keepalive loop.
	Interval time.Duration
	// IdleInterval is how long one IDLE command is held before it is
	// restarted. Capped at 29 minutes.
	IdleInterval time.Duration
	// ForceNoop sends NOOP on every tick while not idling.
	ForceNoop bool
}

// Addr returns host:port.
func (c IMAPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

const maxIdleInterval = 29 * time.Minute

// resumeTimeout bounds re-entering IDLE after a command.
const resumeTimeout = 30 * time.Second

// NewIMAPClient creates a new IMAP client
func NewIMAPClient(config IMAPConfig, sink event.Sink) *IMAPClient {
	if sink == nil {
		sink = func(event.Event) {}
	}
	id := uuid.NewString()
	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("conn", id).Logger()
	}
	return &IMAPClient{
		id:     id,
		config: config,
		sink:   sink,
		log:    log,
		sem:    make(chan struct{}, 1),
	}
}

// ID implements Conn.
func (c *IMAPClient) ID() string { return c.id }

// Connect establishes a connection to the IMAP server
func (c *IMAPClient) Connect(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	if c.client != nil {
		return fmt.Errorf("connection %s already used", c.id)
	}

	addr := c.config.Addr()
	options := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         c.config.Host,
			InsecureSkipVerify: c.config.InsecureSkipVerify,
		},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: c.onExpunge,
			Mailbox: c.onMailbox,
			Fetch:   c.onFetch,
		},
	}
	if c.config.Debug {
		options.DebugWriter = &debugWriter{log: c.log}
	}

	c.log.Debug().Str("addr", addr).Bool("ssl", c.config.SSL).Bool("starttls", c.config.StartTLS).Msg("dialing IMAP server")

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server %s: %w", addr, err)
	}

	client, err := await(ctx, func() (*imapclient.Client, error) {
		switch {
		case c.config.SSL:
			tlsConn := tls.Client(conn, options.TLSConfig)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				return nil, err
			}
			return imapclient.New(tlsConn, options), nil
		case c.config.StartTLS:
			return imapclient.NewStartTLS(conn, options)
		default:
			return imapclient.New(conn, options), nil
		}
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to connect to IMAP server %s: %w", addr, err)
	}

	if err := c.authenticate(ctx, client); err != nil {
		client.Close()
		c.reportAlert(err)
		return fmt.Errorf("IMAP authentication failed: %w", err)
	}

	c.stateMu.Lock()
	if c.closing {
		c.stateMu.Unlock()
		client.Close()
		return fmt.Errorf("connection %s closed while connecting", c.id)
	}
	c.client = client
	c.stop = make(chan struct{})
	stop := c.stop
	c.stateMu.Unlock()

	go c.watchClosed(client)
	if c.config.KeepAlive.Interval > 0 {
		go c.keepalive(client, stop)
	}
	return nil
}

func (c *IMAPClient) authenticate(ctx context.Context, client *imapclient.Client) error {
	_, err := await(ctx, func() (struct{}, error) {
		if strings.EqualFold(c.config.AuthMechanism, sasl.Plain) {
			return struct{}{}, client.Authenticate(sasl.NewPlainClient("", c.config.Username, c.config.Password))
		}
		return struct{}{}, client.Login(c.config.Username, c.config.Password).Wait()
	})
	return err
}

// Close closes the IMAP connection
func (c *IMAPClient) Close() error {
	c.stateMu.Lock()
	if c.closing {
		c.stateMu.Unlock()
		return nil
	}
	c.closing = true
	client := c.client
	if c.stop != nil {
		close(c.stop)
	}
	c.stateMu.Unlock()

	if client == nil {
		return nil
	}

	// Best effort LOGOUT, then force the socket closed.
	done := make(chan error, 1)
	go func() { done <- client.Logout().Wait() }()
	select {
	case err := <-done:
		if err != nil {
			c.log.Debug().Err(err).Msg("IMAP logout failed")
		}
	case <-time.After(2 * time.Second):
		c.log.Warn().Msg("IMAP logout timed out, force closing connection")
	}
	return client.Close()
}

// ListMailboxes implements Conn.
func (c *IMAPClient) ListMailboxes(ctx context.Context) ([]Mailbox, error) {
	var mailboxes []Mailbox
	err := c.command(ctx, func(client *imapclient.Client) error {
		list, err := await(ctx, func() ([]*imap.ListData, error) {
			return client.List("", "*", nil).Collect()
		})
		if err != nil {
			return fmt.Errorf("failed to list folders: %w", err)
		}
		mailboxes = make([]Mailbox, 0, len(list))
		for _, mb := range list {
			mailboxes = append(mailboxes, convertListData(mb))
		}
		return nil
	})
	return mailboxes, err
}

// OpenMailbox implements Conn.
func (c *IMAPClient) OpenMailbox(ctx context.Context, name string, readOnly bool) (*MailboxInfo, error) {
	var info *MailboxInfo
	err := c.command(ctx, func(client *imapclient.Client) error {
		var err error
		info, err = c.selectMailbox(ctx, client, name, readOnly)
		return err
	})
	return info, err
}

func (c *IMAPClient) selectMailbox(ctx context.Context, client *imapclient.Client, name string, readOnly bool) (*MailboxInfo, error) {
	selectData, err := await(ctx, func() (*imap.SelectData, error) {
		return client.Select(name, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", name, err)
	}
	c.selected = name
	c.swapNumMessages(selectData.NumMessages)

	info := &MailboxInfo{
		Name:           name,
		ReadOnly:       readOnly,
		Messages:       MessageCounts{Total: int(selectData.NumMessages)},
		UIDValidity:    selectData.UIDValidity,
		UIDNext:        uint32(selectData.UIDNext),
		Flags:          convertFlags(selectData.Flags),
		PermanentFlags: convertFlags(selectData.PermanentFlags),
	}

	// Unseen count is informative only; a server refusing STATUS on the
	// selected mailbox does not fail the open.
	statusData, err := await(ctx, func() (*imap.StatusData, error) {
		return client.Status(name, &imap.StatusOptions{NumUnseen: true}).Wait()
	})
	if err == nil && statusData.NumUnseen != nil {
		info.Messages.New = int(*statusData.NumUnseen)
	}
	return info, nil
}

// SearchSince implements Conn.
func (c *IMAPClient) SearchSince(ctx context.Context, since time.Time) ([]uint32, error) {
	var uids []uint32
	err := c.command(ctx, func(client *imapclient.Client) error {
		searchData, err := await(ctx, func() (*imap.SearchData, error) {
			return client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
		})
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		all := searchData.AllUIDs()
		uids = make([]uint32, 0, len(all))
		for _, uid := range all {
			uids = append(uids, uint32(uid))
		}
		return nil
	})
	return uids, err
}

// FetchByIdentifiers implements Conn.
func (c *IMAPClient) FetchByIdentifiers(ctx context.Context, uids []uint32) ([]*Message, error) {
	if len(uids) == 0 {
		return []*Message{}, nil
	}

	set := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		set = append(set, imap.UID(uid))
	}

	headerSection := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true}
	textSection := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierText, Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{headerSection, textSection},
	}

	var messages []*Message
	err := c.command(ctx, func(client *imapclient.Client) error {
		bufs, err := await(ctx, func() ([]*imapclient.FetchMessageBuffer, error) {
			return client.Fetch(imap.UIDSetNum(set...), fetchOptions).Collect()
		})
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		messages = make([]*Message, 0, len(bufs))
		for _, buf := range bufs {
			msg := convertIMAPFetchBuffer(buf)
			if raw := buf.FindBodySection(headerSection); raw != nil {
				msg.Headers = parseHeaderFields(raw)
			}
			if raw := buf.FindBodySection(textSection); raw != nil {
				msg.Body = string(raw)
			}
			messages = append(messages, msg)
		}
		return nil
	})
	return messages, err
}

// command runs fn with the command lock held and IDLE suspended. If the
// session was idling, IDLE is resumed on the idle mailbox afterwards.
func (c *IMAPClient) command(ctx context.Context, fn func(client *imapclient.Client) error) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	if c.client == nil {
		return fmt.Errorf("connection %s is not established", c.id)
	}

	resume := c.idleCmd != nil
	if resume {
		if err := c.suspendIdle(); err != nil {
			c.fail(err)
			return fmt.Errorf("failed to suspend IDLE: %w", err)
		}
	}

	err := fn(c.client)

	if resume && c.idleMailbox != "" {
		// Caller cancellation must not end the session.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resumeTimeout)
		rerr := c.resumeIdle(rctx)
		cancel()
		if rerr != nil {
			c.fail(rerr)
			if err == nil {
				err = fmt.Errorf("failed to resume IDLE: %w", rerr)
			}
		}
	}
	return err
}

func (c *IMAPClient) lock(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *IMAPClient) unlock() { <-c.sem }

// fail reports an asynchronous transport failure and tears the socket down.
// The closed watcher then reports the end of the session.
func (c *IMAPClient) fail(err error) {
	c.stateMu.Lock()
	closing := c.closing
	c.stateMu.Unlock()
	if closing {
		return
	}
	c.log.Error().Err(err).Msg("IMAP transport failure")
	c.sink(event.Failed{Err: err})
	if c.client != nil {
		c.client.Close()
	}
}

func (c *IMAPClient) watchClosed(client *imapclient.Client) {
	<-client.Closed()
	c.stateMu.Lock()
	deliberate := c.closing
	c.stateMu.Unlock()

	c.log.Debug().Bool("deliberate", deliberate).Msg("IMAP connection closed")
	c.sink(event.Ended{})
	c.sink(event.Closed{HadError: !deliberate})
}

// --- unilateral data ---

func (c *IMAPClient) onMailbox(data *imapclient.UnilateralDataMailbox) {
	if data.NumMessages == nil {
		return
	}
	n := *data.NumMessages
	prev := c.swapNumMessages(n)
	if n > prev {
		c.sink(event.NewMail{Count: n - prev})
	}
}

func (c *IMAPClient) onExpunge(seqNum uint32) {
	c.stateMu.Lock()
	if c.numMessages > 0 {
		c.numMessages--
	}
	c.stateMu.Unlock()
	c.sink(event.Removed{SeqNum: seqNum})
}

func (c *IMAPClient) onFetch(msg *imapclient.FetchMessageData) {
	buf, err := msg.Collect()
	if err != nil {
		c.log.Debug().Err(err).Uint32("seq", msg.SeqNum).Msg("failed to read unilateral FETCH")
		return
	}
	c.sink(event.Updated{
		SeqNum: buf.SeqNum,
		Info:   event.UpdateInfo{UID: uint32(buf.UID), Flags: convertFlags(buf.Flags)},
	})
}

func (c *IMAPClient) swapNumMessages(n uint32) uint32 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	prev := c.numMessages
	c.numMessages = n
	return prev
}

func (c *IMAPClient) reportAlert(err error) {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeAlert {
		c.sink(event.Alert{Message: imapErr.Text})
	}
}

// --- internal helpers ---

// await runs a blocking go-imap call and gives up when ctx is done. The
// call itself keeps running; go-imap has no per-command cancellation.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// convertIMAPFetchBuffer converts a FetchMessageBuffer to our Message
func convertIMAPFetchBuffer(buf *imapclient.FetchMessageBuffer) *Message {
	return &Message{
		SeqNum:  buf.SeqNum,
		UID:     uint32(buf.UID),
		Headers: map[string]string{},
		Attributes: Attributes{
			Flags:        convertFlags(buf.Flags),
			InternalDate: buf.InternalDate,
			Size:         buf.RFC822Size,
		},
	}
}

func convertListData(mb *imap.ListData) Mailbox {
	attrs := make([]string, 0, len(mb.Attrs))
	for _, a := range mb.Attrs {
		attrs = append(attrs, string(a))
	}
	var delim string
	if mb.Delim != 0 {
		delim = string(mb.Delim)
	}
	return Mailbox{Name: mb.Mailbox, Delimiter: delim, Attributes: attrs}
}

// convertFlags converts imap.Flags to string slice
func convertFlags(flags []imap.Flag) []string {
	result := make([]string, 0, len(flags))
	for _, f := range flags {
		result = append(result, string(f))
	}
	return result
}

// debugWriter traces protocol traffic, redacting credentials.
type debugWriter struct {
	log zerolog.Logger
}

func (w *debugWriter) Write(p []byte) (int, error) {
	data := strings.TrimSpace(string(p))
	if strings.Contains(strings.ToUpper(data), "LOGIN") || strings.Contains(strings.ToUpper(data), "AUTHENTICATE") {
		data = "[credentials redacted]"
	}
	w.log.Debug().Str("imap_data", data).Msg("IMAP protocol")
	return len(p), nil
}
