package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sundayezeilo/shorty/internal/link"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID    looseString `json:"userId"`
	UserIDAlt looseString `json:"user_id"`
	Token     string      `json:"token"`
}

type createRequest struct {
	OriginalURL string    `json:"original_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// linkPayload covers both the create response and a stats list entry.
type linkPayload struct {
	ID          link.ID  `json:"id"`
	ShortURL    string   `json:"short_url"`
	ShortCode   string   `json:"short_code"`
	OriginalURL string   `json:"original_url"`
	Clicks      int64    `json:"clicks"`
	CreatedAt   wireTime `json:"created_at"`
	ExpiresAt   wireTime `json:"expires_at"`
	QRURL       string   `json:"qr_url"`
}

func (p linkPayload) record() link.Record {
	rec := link.Record{
		ID:          p.ID,
		ShortURL:    p.ShortURL,
		ShortCode:   p.ShortCode,
		OriginalURL: p.OriginalURL,
		Clicks:      max(p.Clicks, 0),
		CreatedAt:   p.CreatedAt.Time,
		QRURL:       p.QRURL,
	}
	if rec.ShortCode == "" && rec.ShortURL != "" {
		rec.ShortCode = path.Base(strings.TrimRight(rec.ShortURL, "/"))
	}
	if !p.ExpiresAt.IsZero() {
		t := p.ExpiresAt.Time
		rec.ExpiresAt = &t
	}
	return rec
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// looseString decodes a JSON string or number.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	var id link.ID
	if err := id.UnmarshalJSON(b); err != nil {
		return err
	}
	*s = looseString(id)
	return nil
}

// wireTime accepts RFC 3339 timestamps, null and the empty string. Null, empty and
// the zero instant all decode to the zero time.
type wireTime struct {
	time.Time
}

func (t *wireTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}
