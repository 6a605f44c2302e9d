package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected matches every NotConnectedError.
var ErrNotConnected = errors.New("not connected to IMAP server")

// NotConnectedError is returned when an operation needs a connected session
// and the account has none. No transport call was made.
type NotConnectedError struct {
	Account string
	Op      string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Account, e.Op, ErrNotConnected)
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }

// ConnectionError is a transport-level failure. It drives reconnection.
type ConnectionError struct {
	Account string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("[%s] connection error: %v", e.Account, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is returned when a transport call exceeds the call timeout.
type TimeoutError struct {
	Account string
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("[%s] %s timed out after %v", e.Account, e.Op, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == context.DeadlineExceeded }

// MaxReconnectAttemptsExceededError records that the retry budget ran out.
// It is never returned from a call; it is logged and carried by the GaveUp
// notification.
type MaxReconnectAttemptsExceededError struct {
	Account  string
	Attempts int
	Err      error
}

func (e *MaxReconnectAttemptsExceededError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] max reconnection attempts (%d) reached", e.Account, e.Attempts)
	}
	return fmt.Sprintf("[%s] max reconnection attempts (%d) reached: %v", e.Account, e.Attempts, e.Err)
}

func (e *MaxReconnectAttemptsExceededError) Unwrap() error { return e.Err }
