package session

import (
	"context"
	"time"

	"github.com/emx-mail/mailfleet/pkgs/account"
	"github.com/emx-mail/mailfleet/pkgs/event"
)

// lost handles the failure or end of the handle of generation gen. Events
// from replaced handles and repeats for the same handle are ignored.
func (m *Manager) lost(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.handled >= gen {
		m.mu.Unlock()
		return
	}
	m.handled = gen
	conn := m.conn
	connID := m.connID
	m.callbacks = nil
	m.account.Update(account.StatusPatch{
		Connected: account.Bool(false),
		Idling:    account.Bool(false),
	})

	if m.shutdown {
		m.state = Disconnected
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	var ev event.Event
	attempts := m.account.Status().ReconnectAttempts
	if attempts >= m.maxAttempts {
		m.state = GaveUp
		// No restoration is pending, so the idle mailbox is forgotten.
		m.account.Update(account.StatusPatch{CurrentMailbox: account.Str("")})
		err := &MaxReconnectAttemptsExceededError{Account: m.Name(), Attempts: attempts, Err: cause}
		m.log.Error().Err(err).Msg("max reconnection attempts reached, giving up")
		ev = event.GaveUp{Attempts: attempts, Err: err}
	} else {
		attempts++
		m.account.Update(account.StatusPatch{ReconnectAttempts: account.Int(attempts)})
		delay := m.opts.BaseDelay * time.Duration(attempts)
		m.state = Reconnecting
		m.timer = time.AfterFunc(delay, func() { m.reconnect(gen) })
		m.log.Warn().
			Dur("delay", delay).
			Int("attempt", attempts).
			Int("max", m.maxAttempts).
			Msg("attempting to reconnect")
		ev = event.Reconnecting{Attempt: attempts, Max: m.maxAttempts, Delay: delay}
	}
	m.publish(connID, ev)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// reconnect is the scheduled attempt following the loss of generation gen.
// It dials a fresh handle and, if the account was idling on a mailbox,
// re-enters IDLE there. Any failure along the way goes back through lost, so
// the attempt budget covers the whole restoration. The attempt counter is
// reset only once the session is fully restored.
func (m *Manager) reconnect(gen uint64) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.shutdown || gen != m.gen || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	mailbox := m.account.Status().CurrentMailbox
	m.mu.Unlock()

	ctx := context.Background()
	if err := m.connect(ctx, false); err != nil {
		m.log.Error().Err(err).Msg("reconnection failed")
		return
	}

	if mailbox != "" {
		m.log.Info().Str("mailbox", mailbox).Msg("restoring IDLE mode")
		if err := m.startIdle(ctx, IdleOptions{Mailbox: mailbox}); err != nil {
			m.log.Error().Err(err).Str("mailbox", mailbox).Msg("failed to restore IDLE mode")
			m.mu.Lock()
			cur := m.gen
			m.mu.Unlock()
			m.lost(cur, &ConnectionError{Account: m.Name(), Err: err})
			return
		}
	}

	m.account.Update(account.StatusPatch{ReconnectAttempts: account.Int(0)})
	m.log.Info().Msg("reconnected")
}
