// Package cursor encodes pagination cursors as compact URL-safe strings.
// Decoding never fails hard: anything unreadable means "start over".
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// Encode returns base64url(JSON(v)) without padding, or "" if v cannot be
// marshaled.
func Encode(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode reverses Encode. ok is false for empty or unreadable input, in which
// case the zero value is returned.
func Decode[T any](s string) (T, bool) {
	var zero T
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return zero, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false
	}
	return out, true
}

// UpdatedAt resumes a listing ordered by (updated_at, id).
type UpdatedAt struct {
	LastUpdatedAt time.Time `json:"last_updated_at"`
	LastID        string    `json:"last_id"`
}

// Page resumes a page-numbered listing.
type Page struct {
	NextPage int `json:"next_page"`
}

// PageOrFirst returns the page a cursor points to, or 1.
func PageOrFirst(s string) int {
	p, ok := Decode[Page](s)
	if !ok || p.NextPage < 1 {
		return 1
	}
	return p.NextPage
}

// NextPage encodes the cursor for page+1, or "" when there is no next page.
func NextPage(page int, hasMore bool) string {
	if !hasMore {
		return ""
	}
	return Encode(Page{NextPage: page + 1})
}
