// Package session maps the inbound session header to a conversation key.
package session

import "github.com/google/uuid"

// HeaderName is the request and response header carrying the session id.
const HeaderName = "X-Session-Id"

// Resolve returns the caller supplied id unchanged, or a fresh UUID when the
// header was absent or empty. The value is not validated.
func Resolve(header string) string {
	if header != "" {
		return header
	}
	return uuid.NewString()
}
