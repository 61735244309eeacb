package linkserver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sundayezeilo/shorty/internal/errx"
)

// MemoryStore keeps everything in process. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	now    func() time.Time
	users  map[string]User
	links  map[int64]Link
	codes  map[string]int64
	nextID struct{ user, link int64 }
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:   time.Now,
		users: make(map[string]User),
		links: make(map[int64]Link),
		codes: make(map[string]int64),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, username string, passwordHash []byte) (User, error) {
	const op = "linkserver.MemoryStore.CreateUser"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; ok {
		return User{}, errx.E(op, errx.Conflict, fmt.Errorf("username %q already exists", username))
	}
	s.nextID.user++
	u := User{
		ID:           s.nextID.user,
		Username:     username,
		PasswordHash: slices.Clone(passwordHash),
		CreatedAt:    s.now().UTC(),
	}
	s.users[username] = u
	return u, nil
}

func (s *MemoryStore) UserByUsername(_ context.Context, username string) (User, error) {
	const op = "linkserver.MemoryStore.UserByUsername"

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return User{}, errx.E(op, errx.NotFound, errors.New("user not found"))
	}
	return u, nil
}

func (s *MemoryStore) CreateLink(_ context.Context, link Link) (Link, error) {
	const op = "linkserver.MemoryStore.CreateLink"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[link.Code]; ok {
		return Link{}, errx.E(op, errx.Conflict, fmt.Errorf("code %q already exists", link.Code))
	}
	s.nextID.link++
	link.ID = s.nextID.link
	link.Clicks = 0
	if link.CreatedAt.IsZero() {
		link.CreatedAt = s.now().UTC()
	}
	s.links[link.ID] = link
	s.codes[link.Code] = link.ID
	return link, nil
}

func (s *MemoryStore) LinkByCode(_ context.Context, code string) (Link, error) {
	const op = "linkserver.MemoryStore.LinkByCode"

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.codes[code]
	if !ok {
		return Link{}, errx.E(op, errx.NotFound, errors.New("link not found"))
	}
	return s.links[id], nil
}

func (s *MemoryStore) ActiveLinkByURL(_ context.Context, userID int64, originalURL string, now time.Time) (Link, error) {
	const op = "linkserver.MemoryStore.ActiveLinkByURL"

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  Link
		found bool
	)
	for _, l := range s.links {
		if l.UserID != userID || l.OriginalURL != originalURL || l.Expired(now) {
			continue
		}
		if !found || l.CreatedAt.After(best.CreatedAt) || (l.CreatedAt.Equal(best.CreatedAt) && l.ID > best.ID) {
			best, found = l, true
		}
	}
	if !found {
		return Link{}, errx.E(op, errx.NotFound, errors.New("no active link for url"))
	}
	return best, nil
}

func (s *MemoryStore) LinksByUser(_ context.Context, userID int64) ([]Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Link, 0)
	for _, l := range s.links {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b Link) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})
	return out, nil
}

func (s *MemoryStore) CountLinksSince(_ context.Context, userID int64, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, l := range s.links {
		if l.UserID == userID && !l.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) TrackClick(_ context.Context, code string) error {
	const op = "linkserver.MemoryStore.TrackClick"

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.codes[code]
	if !ok {
		return errx.E(op, errx.NotFound, errors.New("link not found"))
	}
	l := s.links[id]
	l.Clicks++
	s.links[id] = l
	return nil
}

func (s *MemoryStore) DeleteLink(_ context.Context, userID, id int64) error {
	const op = "linkserver.MemoryStore.DeleteLink"

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[id]
	if !ok || l.UserID != userID {
		return errx.E(op, errx.NotFound, errors.New("link not found"))
	}
	delete(s.links, id)
	delete(s.codes, l.Code)
	return nil
}
