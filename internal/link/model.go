package link

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PlaceholderPrefix marks ids minted locally for optimistic records.
const PlaceholderPrefix = "local-"

// ID identifies a link. Server ids are opaque; on the wire they may be numbers or strings.
type ID string

// IsPlaceholder reports whether the id was generated locally and never confirmed.
func (id ID) IsPlaceholder() bool {
	return strings.HasPrefix(string(id), PlaceholderPrefix)
}

func (id ID) String() string { return string(id) }

// UnmarshalJSON accepts a JSON number, a JSON string or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("link id must be a number or string: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Record is the client's copy of one shortened link.
type Record struct {
	ID          ID
	ShortURL    string
	ShortCode   string
	OriginalURL string
	Clicks      int64
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	QRURL       string

	// Optimistic is set while the record has not been reconciled with a server listing.
	Optimistic bool
}

// IsExpired reports whether the link has an expiry strictly before now.
func (r Record) IsExpired(now time.Time) bool {
	return IsExpired(r.ExpiresAt, now)
}

// IsExpired reports whether expiresAt is set and strictly before now.
func IsExpired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && expiresAt.Before(now)
}

// DateLayout is the short en-US form used for created/expiry labels.
const DateLayout = "Jan 2, 2006"

// FormatDate renders t in the local presentation form; the zero time renders empty.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}
