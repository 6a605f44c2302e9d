// Package account holds the identity and live status of one mailbox account.
package account

import (
	"fmt"
	"sync"

	"github.com/emx-mail/mailfleet/pkgs/email"
)

// Status is a point-in-time view of an account's connection.
type Status struct {
	Connected         bool   `json:"connected"`
	Idling            bool   `json:"idling"`
	CurrentMailbox    string `json:"current_mailbox,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}

// StatusPatch carries the fields to change in Update. Nil fields are left
// untouched.
type StatusPatch struct {
	Connected         *bool
	Idling            *bool
	CurrentMailbox    *string
	ReconnectAttempts *int
}

// State is the identity and mutable status of one account. Identity is fixed
// at construction; status changes only through Update.
type State struct {
	name   string
	params email.IMAPConfig

	mu     sync.RWMutex
	status Status
}

// New creates the state for an account with the given connection parameters.
func New(name string, params email.IMAPConfig) *State {
	return &State{name: name, params: params}
}

// Name returns the account name.
func (s *State) Name() string { return s.name }

// Params returns a copy of the connection parameters.
func (s *State) Params() email.IMAPConfig { return s.params }

// Status returns a copy of the current status.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Update merges the supplied fields into the current status and returns the
// result. Idling is cleared whenever the account is not connected or has no
// mailbox, so an idling status always names the mailbox it is idling on.
func (s *State) Update(p StatusPatch) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Connected != nil {
		s.status.Connected = *p.Connected
	}
	if p.Idling != nil {
		s.status.Idling = *p.Idling
	}
	if p.CurrentMailbox != nil {
		s.status.CurrentMailbox = *p.CurrentMailbox
	}
	if p.ReconnectAttempts != nil {
		n := *p.ReconnectAttempts
		if n < 0 {
			n = 0
		}
		s.status.ReconnectAttempts = n
	}

	if s.status.Idling && (!s.status.Connected || s.status.CurrentMailbox == "") {
		s.status.Idling = false
	}
	return s.status
}

// String describes the account without credentials.
func (s *State) String() string {
	return fmt.Sprintf("%s (%s@%s)", s.name, s.params.Username, s.params.Addr())
}

// Bool returns a pointer to v, for building a StatusPatch.
func Bool(v bool) *bool { return &v }

// Str returns a pointer to v.
func Str(v string) *string { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
