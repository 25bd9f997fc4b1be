package messages

import "github.com/ckoliveira/courier/internal/remote"

// Message is one message document as stored remotely. A message is either a
// note (no sender/recipient semantics) or a directed message. When
// HasReminder is false, ReminderAt is absent. Messages are never
// hard-deleted, only archived or dropped from mailbox indices.
type Message struct {
	ID             string `json:"id"`
	SenderID       string `json:"senderId,omitempty"`
	RecipientID    string `json:"recipientId,omitempty"`
	SenderEmail    string `json:"senderEmail,omitempty"`
	RecipientEmail string `json:"recipientEmail,omitempty"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Timestamp      int64  `json:"timestamp"`
	Read           bool   `json:"read"`
	HasReminder    bool   `json:"hasReminder"`
	ReminderAt     int64  `json:"reminderTime,omitempty"`
	Archived       bool   `json:"archived"`
	Note           bool   `json:"isNote"`
}

// ResolvedMessage pairs a message with the human-readable identity of its
// counterpart (sender for inbox, recipient for outbox). While the contact
// is unresolved the counterpart id stands in as the name.
type ResolvedMessage struct {
	Message
	CounterpartName string
}

// LoadResult is one delivery of a mailbox load. A consumer may receive more
// than one per load (a partial result followed by an updated one once
// missing contacts resolve); every delivery is the full latest state, not
// an increment. Err is set only on terminal failures.
type LoadResult struct {
	Mailbox  remote.Mailbox
	Messages []ResolvedMessage
	Err      error
}

// SortField selects the mailbox sort key.
type SortField string

const (
	SortByTimestamp SortField = "timestamp"
	SortBySubject   SortField = "subject"
)
