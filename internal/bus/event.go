package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by namespace
// prefix, e.g. "contact." receives every contact variant.
const (
	ContactLoaded  = "contact.loaded"  // payload: contact snapshot slice
	ContactAdded   = "contact.added"   // payload: single contact
	ContactRemoved = "contact.removed" // payload: single contact
	ContactFailed  = "contact.failed"  // payload: Failure

	MessageLoaded     = "message.loaded"      // payload: mailbox load result
	MessageLoadFailed = "message.load_failed" // payload: Failure
	MessageSendAck    = "message.send_ack"    // payload: message id string
	MessageSendFailed = "message.send_failed" // payload: Failure

	ProfileUpdated      = "profile.updated"       // payload: profile
	ProfileUpdateFailed = "profile.update_failed" // payload: Failure

	StatusChanged = "session.status_changed" // payload: status change
)

// Event is a single tagged result variant delivered to subscribers.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Failure is the payload for *.failed events. Err carries one of the
// remote error sentinels so consumers can switch on the failure kind.
type Failure struct {
	Err     error
	Message string
}
