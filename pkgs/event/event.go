// Package event defines the lifecycle notifications emitted for a mailbox
// connection and an ordered, asynchronous dispatcher that delivers them.
//
// A transport reports what happened on the wire through a Sink. The session
// layer stamps each notification into a Record (which account, which
// connection handle, when) and hands it to a Handler on a separate goroutine,
// so the code path that produced the event is never re-entered.
package event

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Kind names a notification. The values match the event names used in logs.
type Kind string

const (
	KindReady        Kind = "ready"
	KindFailed       Kind = "error"
	KindEnded        Kind = "end"
	KindClosed       Kind = "close"
	KindAlert        Kind = "alert"
	KindNewMail      Kind = "mail"
	KindUpdated      Kind = "update"
	KindRemoved      Kind = "expunge"
	KindReconnecting Kind = "reconnecting"
	KindGaveUp       Kind = "gave-up"
)

// Event is one lifecycle notification. The set of implementations is closed:
// Ready, Failed, Ended, Closed, Alert, NewMail, Updated, Removed,
// Reconnecting and GaveUp.
type Event interface {
	Kind() Kind
	isEvent()
}

// Ready reports that the session is authenticated and usable.
type Ready struct{}

// Failed reports a transport error.
type Failed struct {
	Err error
}

// Ended reports that the server side of the session ended.
type Ended struct{}

// Closed reports that the underlying socket is gone.
type Closed struct {
	HadError bool
}

// Alert carries an IMAP [ALERT] response text.
type Alert struct {
	Message string
}

// NewMail reports the new message count of the selected mailbox.
type NewMail struct {
	Count uint32
}

// Updated reports a flag change for one message.
type Updated struct {
	SeqNum uint32
	Info   UpdateInfo
}

// UpdateInfo is the payload of an unsolicited FETCH response.
type UpdateInfo struct {
	UID   uint32
	Flags []string
}

// Removed reports an expunged message.
type Removed struct {
	SeqNum uint32
}

// Reconnecting reports a scheduled reconnection attempt.
type Reconnecting struct {
	Attempt int
	Max     int
	Delay   time.Duration
}

// GaveUp reports that the retry budget is exhausted.
type GaveUp struct {
	Attempts int
	Err      error
}

func (Ready) Kind() Kind        { return KindReady }
func (Failed) Kind() Kind       { return KindFailed }
func (Ended) Kind() Kind        { return KindEnded }
func (Closed) Kind() Kind       { return KindClosed }
func (Alert) Kind() Kind        { return KindAlert }
func (NewMail) Kind() Kind      { return KindNewMail }
func (Updated) Kind() Kind      { return KindUpdated }
func (Removed) Kind() Kind      { return KindRemoved }
func (Reconnecting) Kind() Kind { return KindReconnecting }
func (GaveUp) Kind() Kind       { return KindGaveUp }

func (Ready) isEvent()        {}
func (Failed) isEvent()       {}
func (Ended) isEvent()        {}
func (Closed) isEvent()       {}
func (Alert) isEvent()        {}
func (NewMail) isEvent()      {}
func (Updated) isEvent()      {}
func (Removed) isEvent()      {}
func (Reconnecting) isEvent() {}
func (GaveUp) isEvent()       {}

// Sink receives raw notifications from a connection handle. Implementations
// must not block and must not call back into the handle.
type Sink func(Event)

// Record is a notification stamped with its origin.
type Record struct {
	ID        string
	Timestamp time.Time
	Account   string
	ConnID    string
	Event     Event
}

// NewRecord stamps ev with a fresh ID and the current time.
func NewRecord(account, connID string, ev Event) Record {
	return Record{
		ID:        generateID(),
		Timestamp: time.Now().UTC(),
		Account:   account,
		ConnID:    connID,
		Event:     ev,
	}
}

// String renders the record for log lines.
func (r Record) String() string {
	return fmt.Sprintf("[%s] %s", r.Account, Describe(r.Event))
}

// Handler consumes records.
type Handler func(Record)

// Describe returns a short human readable form of ev.
func Describe(ev Event) string {
	switch e := ev.(type) {
	case Ready:
		return "connection ready"
	case Failed:
		return fmt.Sprintf("connection error: %v", e.Err)
	case Ended:
		return "connection ended"
	case Closed:
		if e.HadError {
			return "connection closed with error"
		}
		return "connection closed normally"
	case Alert:
		return "alert: " + e.Message
	case NewMail:
		return fmt.Sprintf("new mail, count %d", e.Count)
	case Updated:
		return fmt.Sprintf("message %d updated", e.SeqNum)
	case Removed:
		return fmt.Sprintf("message %d expunged", e.SeqNum)
	case Reconnecting:
		return fmt.Sprintf("reconnecting in %v (attempt %d/%d)", e.Delay, e.Attempt, e.Max)
	case GaveUp:
		return fmt.Sprintf("gave up after %d reconnection attempts", e.Attempts)
	default:
		return "unknown event"
	}
}

// generateID generates a record ID: timestamp + random suffix.
func generateID() string {
	ts := time.Now().UTC().Format("20060102T150405")
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return ts + "-" + hex.EncodeToString(b)
}
