package remote

import "fmt"

// Mailbox names a per-user index of message ids.
type Mailbox string

const (
	MailboxInbox  Mailbox = "inbox"
	MailboxOutbox Mailbox = "outbox"
	MailboxNotes  Mailbox = "notes"
)

// Valid reports whether m is one of the known mailboxes.
func (m Mailbox) Valid() bool {
	switch m {
	case MailboxInbox, MailboxOutbox, MailboxNotes:
		return true
	}
	return false
}

// Remote document layout. Contacts are scoped per owning user; mailbox
// indices hold message-id keys pointing into the flat messages collection.
const (
	UsersRoot    = "users"
	ContactsRoot = "contacts"
	MessagesRoot = "messages"
	MailboxRoot  = "user-mailboxes"
)

// UserPath returns the profile document path for uid.
func UserPath(uid string) string {
	return fmt.Sprintf("%s/%s", UsersRoot, uid)
}

// ContactsPath returns the contact collection path for the owning user.
func ContactsPath(ownerID string) string {
	return fmt.Sprintf("%s/%s", ContactsRoot, ownerID)
}

// ContactPath returns the path of one contact record.
func ContactPath(ownerID, key string) string {
	return fmt.Sprintf("%s/%s/%s", ContactsRoot, ownerID, key)
}

// MessagePath returns the path of one message body.
func MessagePath(messageID string) string {
	return fmt.Sprintf("%s/%s", MessagesRoot, messageID)
}

// MailboxPath returns the index path for one of a user's mailboxes.
func MailboxPath(uid string, m Mailbox) string {
	return fmt.Sprintf("%s/%s/%s", MailboxRoot, uid, m)
}

// MailboxEntryPath returns the index entry path for one message id.
func MailboxEntryPath(uid string, m Mailbox, messageID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", MailboxRoot, uid, m, messageID)
}
