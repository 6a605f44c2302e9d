package email

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
)

// StartIdle implements Conn. Starting IDLE on the mailbox already being
// watched is a no-op.
func (c *IMAPClient) StartIdle(ctx context.Context, mailbox string) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	if c.client == nil {
		return fmt.Errorf("connection %s is not established", c.id)
	}
	if c.idleCmd != nil {
		if c.idleMailbox == mailbox {
			return nil
		}
		if err := c.suspendIdle(); err != nil {
			c.fail(err)
			return fmt.Errorf("failed to stop IDLE: %w", err)
		}
	}

	c.idleMailbox = mailbox
	if err := c.resumeIdle(ctx); err != nil {
		c.idleMailbox = ""
		return fmt.Errorf("failed to start IDLE on %s: %w", mailbox, err)
	}
	c.log.Debug().Str("mailbox", mailbox).Msg("IDLE started")
	return nil
}

// StopIdle implements Conn.
func (c *IMAPClient) StopIdle() error {
	if err := c.lock(context.Background()); err != nil {
		return err
	}
	defer c.unlock()

	c.idleMailbox = ""
	if c.idleCmd == nil {
		return nil
	}
	if err := c.suspendIdle(); err != nil {
		c.fail(err)
		return fmt.Errorf("failed to stop IDLE: %w", err)
	}
	c.log.Debug().Msg("IDLE stopped")
	return nil
}

// suspendIdle sends DONE and waits for the IDLE command to complete. The
// caller holds the command lock.
func (c *IMAPClient) suspendIdle() error {
	cmd := c.idleCmd
	c.idleCmd = nil
	if err := cmd.Close(); err != nil {
		return err
	}
	return cmd.Wait()
}

// resumeIdle re-enters IDLE on idleMailbox, reselecting it read-only if a
// command in between left another mailbox selected. The caller holds the
// command lock.
func (c *IMAPClient) resumeIdle(ctx context.Context) error {
	if c.selected != c.idleMailbox {
		if _, err := c.selectMailbox(ctx, c.client, c.idleMailbox, true); err != nil {
			return err
		}
	}
	client := c.client
	cmd, err := await(ctx, func() (*imapclient.IdleCommand, error) {
		return client.Idle()
	})
	if err != nil {
		return err
	}
	c.idleCmd = cmd
	c.idleStarted = time.Now()
	return nil
}

func (c *IMAPClient) idleInterval() time.Duration {
	d := c.config.KeepAlive.IdleInterval
	if d <= 0 || d > maxIdleInterval {
		return maxIdleInterval
	}
	return d
}

// keepalive restarts long-running IDLE commands before servers drop them,
// and optionally sends NOOP while the session sits outside IDLE. Any
// failure tears the connection down.
func (c *IMAPClient) keepalive(client *imapclient.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAlive.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-client.Closed():
			return
		case <-ticker.C:
			if err := c.keepaliveTick(); err != nil {
				c.fail(fmt.Errorf("keepalive: %w", err))
			}
		}
	}
}

func (c *IMAPClient) keepaliveTick() error {
	// A busy connection needs no keepalive.
	select {
	case c.sem <- struct{}{}:
	default:
		return nil
	}
	defer c.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.KeepAlive.Interval)
	defer cancel()

	if c.idleCmd != nil {
		if time.Since(c.idleStarted) < c.idleInterval() {
			return nil
		}
		c.log.Debug().Str("mailbox", c.idleMailbox).Msg("restarting IDLE")
		if err := c.suspendIdle(); err != nil {
			return err
		}
		return c.resumeIdle(ctx)
	}

	if !c.config.KeepAlive.ForceNoop {
		return nil
	}
	client := c.client
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, client.Noop().Wait()
	})
	return err
}
