package linkserver

import (
	"context"
	"time"
)

// Store defines the persistence operations for users and links.
// Implementations return errx.NotFound for missing rows and errx.Conflict for
// duplicate usernames or codes.
type Store interface {
	CreateUser(ctx context.Context, username string, passwordHash []byte) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)

	CreateLink(ctx context.Context, link Link) (Link, error)
	LinkByCode(ctx context.Context, code string) (Link, error)
	// ActiveLinkByURL returns the user's newest link for originalURL that has not
	// expired at now.
	ActiveLinkByURL(ctx context.Context, userID int64, originalURL string, now time.Time) (Link, error)
	// LinksByUser returns the user's links, newest first.
	LinksByUser(ctx context.Context, userID int64) ([]Link, error)
	CountLinksSince(ctx context.Context, userID int64, since time.Time) (int, error)
	TrackClick(ctx context.Context, code string) error
	// DeleteLink removes a link owned by userID. A link owned by someone else is
	// reported as not found.
	DeleteLink(ctx context.Context, userID, id int64) error
}
