// Package pagination pages through time-ordered lists with opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Limits for the ?limit= query parameter.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned by Decode for malformed cursors.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the key of the last item on the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// ParseLimit reads a ?limit= value, falling back to DefaultLimit and
// clamping to MaxLimit.
func ParseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// Page returns up to limit items following after. items must be in a
// stable order with non-decreasing createdAt. A cursor whose item has
// since disappeared resumes at the first strictly newer item. next is
// empty on the last page.
func Page[T any](items []T, after *Cursor, limit int, key func(T) (time.Time, string)) (page []T, next string) {
	start := 0
	if after != nil {
		start = resume(items, after, key)
	}

	end := min(start+limit, len(items))
	page = items[start:end]
	if end < len(items) && len(page) > 0 {
		at, id := key(page[len(page)-1])
		next = Encode(at, id)
	}
	return page, next
}

func resume[T any](items []T, after *Cursor, key func(T) (time.Time, string)) int {
	newer := len(items)
	for i, it := range items {
		at, id := key(it)
		if id == after.ID && at.Equal(after.CreatedAt) {
			return i + 1
		}
		if newer == len(items) && at.After(after.CreatedAt) {
			newer = i
		}
	}
	return newer
}
