// Package linkserver implements the link service HTTP API: accounts, token auth,
// link creation with expiry, per-user stats, deletion, redirects and QR images.
package linkserver

import (
	"errors"
	"time"
)

type User struct {
	ID           int64
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

type Link struct {
	ID          int64
	UserID      int64
	OriginalURL string
	Code        string
	Clicks      int64
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// Expired reports whether the link stopped redirecting before now.
func (l Link) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

var (
	// ErrLinkExpired is returned when resolving a link past its expiry.
	ErrLinkExpired = errors.New("link has expired")

	// ErrDailyLimit is returned when a user has created too many links today.
	ErrDailyLimit = errors.New("daily link limit reached")
)
