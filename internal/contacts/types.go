package contacts

// Contact is one user-scoped reference record pointing at another user's
// identity. The JSON tags match the remote document fields. Key is the
// remote child key under contacts/{owner}; it is not part of the document
// body.
type Contact struct {
	Key         string `json:"-"`
	OwnerID     string `json:"ownerUserId"`
	ContactID   string `json:"contactId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"emailAddress,omitempty"`
	CreatedAt   int64  `json:"timestamp"`
	CustomName  bool   `json:"isCustomName"`
}
