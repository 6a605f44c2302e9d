package email

import (
	"time"
	"unicode/utf8"
)

// Message represents a fetched email message
type Message struct {
	SeqNum uint32
	UID    uint32

	// Headers maps lower-cased header names to their raw values.
	Headers map[string]string
	Body    string

	Attributes Attributes
}

// Attributes holds protocol attributes returned with a message. They are
// passed through as reported by the server.
type Attributes struct {
	Flags        []string
	InternalDate time.Time
	Size         int64
}

// Header returns the raw value of the named header, or "".
func (m *Message) Header(name string) string {
	return m.Headers[lowerASCII(name)]
}

// From returns the From header or "Unknown".
func (m *Message) From() string {
	return m.headerOr("from", "Unknown")
}

// To returns the To header or "Unknown".
func (m *Message) To() string {
	return m.headerOr("to", "Unknown")
}

// Subject returns the Subject header or "(No Subject)".
func (m *Message) Subject() string {
	return m.headerOr("subject", "(No Subject)")
}

// Date returns the Date header or "Unknown".
func (m *Message) Date() string {
	return m.headerOr("date", "Unknown")
}

// Preview returns the first n runes of the body, with "..." appended when
// the body is longer.
func (m *Message) Preview(n int) string {
	if utf8.RuneCountInString(m.Body) <= n {
		return m.Body
	}
	runes := []rune(m.Body)
	return string(runes[:n]) + "..."
}

// Summary is a flattened view of the message used for display.
type Summary struct {
	SeqNum      uint32 `json:"seqno"`
	UID         uint32 `json:"uid"`
	From        string `json:"from"`
	To          string `json:"to"`
	Subject     string `json:"subject"`
	Date        string `json:"date"`
	BodyPreview string `json:"body_preview"`
}

// Summary returns the display summary of the message.
func (m *Message) Summary() Summary {
	return Summary{
		SeqNum:      m.SeqNum,
		UID:         m.UID,
		From:        m.From(),
		To:          m.To(),
		Subject:     m.Subject(),
		Date:        m.Date(),
		BodyPreview: m.Preview(100),
	}
}

func (m *Message) headerOr(name, fallback string) string {
	if v := m.Headers[name]; v != "" {
		return v
	}
	return fallback
}

// Mailbox represents an entry of the mailbox tree
type Mailbox struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// MailboxInfo describes an opened mailbox
type MailboxInfo struct {
	Name           string
	ReadOnly       bool
	Messages       MessageCounts
	UIDValidity    uint32
	UIDNext        uint32
	Flags          []string
	PermanentFlags []string
}

// MessageCounts holds the message counters of a mailbox
type MessageCounts struct {
	Total int
	New   int
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
