package contacts

import (
	"net/mail"
	"strings"
)

// validEmail reports whether s is a bare, well-formed address. Display-name
// forms ("A <a@b.c>") are rejected; the contact record stores names
// separately.
func validEmail(s string) bool {
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// emailLocalPart returns the part before the @, used as a display-name
// fallback.
func emailLocalPart(s string) string {
	if i := strings.Index(s, "@"); i > 0 {
		return s[:i]
	}
	return s
}
