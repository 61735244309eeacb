// Package engine orchestrates the link lifecycle: it reconciles the local link cache
// with the link service across create, list and delete, behind the session gate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sundayezeilo/shorty/internal/errx"
	"github.com/sundayezeilo/shorty/internal/link"
	"github.com/sundayezeilo/shorty/internal/linkcache"
	"github.com/sundayezeilo/shorty/internal/remote"
	"github.com/sundayezeilo/shorty/internal/session"
)

// MaxURLLength bounds the original URL accepted for shortening.
const MaxURLLength = 2048

// ErrStale marks a refresh failure after an earlier successful fetch. The cached links
// are still shown; callers may treat it as a warning.
var ErrStale = errors.New("links may be out of date")

// Remote is the link service.
type Remote interface {
	Register(ctx context.Context, username, password string) error
	Login(ctx context.Context, username, password string) (remote.Credentials, error)
	Create(ctx context.Context, originalURL string, expiresAt time.Time, token string) (link.Record, error)
	List(ctx context.Context, userID, token string) ([]link.Record, error)
	Remove(ctx context.Context, id link.ID, token string) error
}

// Sessions is the session store.
type Sessions interface {
	Current() session.Session
	Login(userID, token string) error
	Logout() error
	LogoutGeneration(gen uint64) error
	OnLogout(fn func())
}

// Engine is safe for concurrent use.
type Engine struct {
	remote   Remote
	sessions Sessions
	cache    *linkcache.Cache
	policy   link.ExpiryPolicy
	logger   *slog.Logger
	now      func() time.Time

	refreshes singleflight.Group

	mu       sync.Mutex
	ops      [opCount]OpState
	shortURL string
	draft    string
	stale    bool
	loaded   bool

	// seq orders confirmed deletes against refresh starts.
	seq        uint64
	tombstones map[link.ID]uint64
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithExpiryPolicy(p link.ExpiryPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// New wires an engine. The cache is cleared on every logout of sessions.
func New(r Remote, s Sessions, c *linkcache.Cache, opts ...Option) *Engine {
	e := &Engine{
		remote:     r,
		sessions:   s,
		cache:      c,
		policy:     link.DefaultExpiryPolicy(),
		logger:     slog.Default(),
		now:        time.Now,
		tombstones: make(map[link.ID]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	s.OnLogout(e.sessionEnded)
	return e
}

/***************
 * Auth
 ***************/

// Register creates an account. It does not log in.
func (e *Engine) Register(ctx context.Context, username, password string) error {
	const op = "engine.Engine.Register"

	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return errx.E(op, errx.Invalid, errors.New("username and password are required"))
	}
	if err := e.remote.Register(ctx, username, password); err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}
	e.logger.InfoContext(ctx, "account registered", "op", op, "username", username)
	return nil
}

// Login authenticates, replaces any previous session and loads the user's links.
// A failure of that first load is recorded in State, not returned.
func (e *Engine) Login(ctx context.Context, username, password string) error {
	const op = "engine.Engine.Login"

	if err := e.begin(op, OpLogin); err != nil {
		return err
	}

	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return e.fail(OpLogin, errx.E(op, errx.Invalid, errors.New("username and password are required")))
	}

	creds, err := e.remote.Login(ctx, username, password)
	if err != nil {
		return e.fail(OpLogin, errx.E(op, errx.KindOf(err), err))
	}

	if err := e.sessions.Login(creds.UserID, creds.Token); err != nil {
		if errx.KindOf(err) != errx.Internal {
			return e.fail(OpLogin, errx.E(op, errx.KindOf(err), err))
		}
		// Persistence failed; the in-memory session is usable.
		e.logger.WarnContext(ctx, "session not persisted", "op", op, "user_id", creds.UserID, "error", err.Error())
	}

	e.mu.Lock()
	e.cache.Clear()
	e.resetLocked()
	e.ops[OpLogin] = OpState{Status: Succeeded}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "logged in", "op", op, "user_id", creds.UserID)

	if err := e.RefreshLinks(ctx); err != nil {
		e.logger.WarnContext(ctx, "initial link load failed", "op", op, "error", err.Error())
	}
	return nil
}

// Logout ends the session. Calling it while logged out does nothing.
func (e *Engine) Logout() error {
	const op = "engine.Engine.Logout"

	if err := e.sessions.Logout(); err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}
	return nil
}

/***************
 * Links
 ***************/

// SetDraft stores the URL being typed.
func (e *Engine) SetDraft(s string) {
	e.mu.Lock()
	e.draft = s
	e.mu.Unlock()
}

// CreateLink shortens originalURL with an expiry expiryDays from now. On success the
// link list is refreshed; the outcome of that refresh does not affect the result.
func (e *Engine) CreateLink(ctx context.Context, originalURL string, expiryDays int) (link.Record, error) {
	const op = "engine.Engine.CreateLink"

	if err := e.begin(op, OpCreate); err != nil {
		return link.Record{}, err
	}

	sess, err := e.requireSession(ctx, op)
	if err != nil {
		return link.Record{}, e.fail(OpCreate, err)
	}

	originalURL = strings.TrimSpace(originalURL)
	if err := validateURL(originalURL); err != nil {
		return link.Record{}, e.fail(OpCreate, errx.E(op, errx.Invalid, err))
	}
	expiresAt, err := e.policy.Resolve(e.now(), expiryDays)
	if err != nil {
		return link.Record{}, e.fail(OpCreate, errx.E(op, errx.Invalid, err))
	}

	rec, err := e.remote.Create(ctx, originalURL, expiresAt, sess.Token)
	if e.sessionChanged(sess) {
		return link.Record{}, e.discard(OpCreate, op)
	}
	if err != nil {
		kind := errx.KindOf(err)
		if kind == errx.Unauthorized {
			e.forceLogout(ctx, op, sess)
		}
		e.logger.WarnContext(ctx, "create failed", "op", op, "error", err.Error(), "error_kind", kind.String())
		return link.Record{}, e.fail(OpCreate, errx.E(op, kind, err))
	}

	e.mu.Lock()
	if e.sessionChanged(sess) {
		err := e.discardLocked(OpCreate, op)
		e.mu.Unlock()
		return link.Record{}, err
	}
	h, insErr := e.cache.InsertOptimistic(rec)
	if insErr != nil {
		e.logger.WarnContext(ctx, "optimistic insert failed", "op", op, "error", insErr.Error())
	} else if rec.ID != "" {
		e.cache.Replace(h, rec)
	}
	e.shortURL = rec.ShortURL
	e.draft = ""
	e.ops[OpCreate] = OpState{Status: Succeeded}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "link created", "op", op, "link_id", rec.ID.String(), "user_id", sess.UserID)

	if err := e.RefreshLinks(ctx); err != nil {
		e.logger.WarnContext(ctx, "refresh after create failed", "op", op, "error", err.Error())
	}
	return rec, nil
}

// RefreshLinks replaces the cache with the server's listing. Concurrent calls share one
// request. Logged out, it empties the cache and returns nil.
//
// On failure the cached links are kept and State.Stale is set. If an earlier refresh
// succeeded the returned error wraps ErrStale.
func (e *Engine) RefreshLinks(ctx context.Context) error {
	const op = "engine.Engine.RefreshLinks"

	sess := e.sessions.Current()
	if !sess.Authenticated() {
		e.mu.Lock()
		e.cache.Clear()
		e.loaded = false
		e.stale = false
		e.mu.Unlock()
		return nil
	}
	if _, err := e.requireSession(ctx, op); err != nil {
		return e.fail(OpRefresh, err)
	}

	key := strconv.FormatUint(sess.Generation, 10)
	_, err, shared := e.refreshes.Do(key, func() (any, error) {
		return nil, e.refresh(ctx, sess)
	})
	if shared {
		e.logger.DebugContext(ctx, "refresh coalesced", "op", op)
	}
	return err
}

func (e *Engine) refresh(ctx context.Context, sess session.Session) error {
	const op = "engine.Engine.RefreshLinks"

	e.mu.Lock()
	e.ops[OpRefresh] = OpState{Status: Submitting}
	startSeq := e.seq
	e.mu.Unlock()

	recs, err := e.remote.List(ctx, sess.UserID, sess.Token)
	if e.sessionChanged(sess) {
		return e.discard(OpRefresh, op)
	}
	if err != nil {
		kind := errx.KindOf(err)
		if kind == errx.Unauthorized {
			e.forceLogout(ctx, op, sess)
			return e.fail(OpRefresh, errx.E(op, kind, err))
		}

		wrapped := errx.E(op, kind, err)
		e.mu.Lock()
		if e.sessionChanged(sess) {
			err := e.discardLocked(OpRefresh, op)
			e.mu.Unlock()
			return err
		}
		e.stale = true
		hadLoaded := e.loaded
		e.ops[OpRefresh] = OpState{Status: Failed, Err: wrapped}
		e.mu.Unlock()

		e.logger.WarnContext(ctx, "refresh failed", "op", op, "error", err.Error(), "error_kind", kind.String(), "stale", hadLoaded)
		if hadLoaded {
			return fmt.Errorf("%w: %w", ErrStale, wrapped)
		}
		return wrapped
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sessionChanged(sess) {
		return e.discardLocked(OpRefresh, op)
	}
	kept := make([]link.Record, 0, len(recs))
	for _, r := range recs {
		if seq, ok := e.tombstones[r.ID]; ok && seq > startSeq {
			continue
		}
		kept = append(kept, r)
	}
	for id, seq := range e.tombstones {
		if seq <= startSeq {
			delete(e.tombstones, id)
		}
	}
	e.cache.ReplaceAll(kept)
	e.loaded = true
	e.stale = false
	e.ops[OpRefresh] = OpState{Status: Succeeded}

	e.logger.DebugContext(ctx, "links refreshed", "op", op, "count", len(kept), "filtered", len(recs)-len(kept))
	return nil
}

// DeleteLink removes a server-confirmed link. The local record is removed only after
// the server confirms; on failure it stays.
func (e *Engine) DeleteLink(ctx context.Context, id link.ID) error {
	const op = "engine.Engine.DeleteLink"

	if err := e.begin(op, OpDelete); err != nil {
		return err
	}

	sess, err := e.requireSession(ctx, op)
	if err != nil {
		return e.fail(OpDelete, err)
	}
	if id == "" {
		return e.fail(OpDelete, errx.E(op, errx.Invalid, errors.New("link id is required")))
	}
	if id.IsPlaceholder() {
		return e.fail(OpDelete, errx.E(op, errx.Invalid, fmt.Errorf("link %s is not confirmed yet", id)))
	}

	err = e.remote.Remove(ctx, id, sess.Token)
	if e.sessionChanged(sess) {
		return e.discard(OpDelete, op)
	}
	if err != nil {
		kind := errx.KindOf(err)
		if kind == errx.Unauthorized {
			e.forceLogout(ctx, op, sess)
		}
		e.logger.WarnContext(ctx, "delete failed", "op", op, "link_id", id.String(), "error", err.Error(), "error_kind", kind.String())
		return e.fail(OpDelete, errx.E(op, kind, err))
	}

	e.mu.Lock()
	if e.sessionChanged(sess) {
		err := e.discardLocked(OpDelete, op)
		e.mu.Unlock()
		return err
	}
	e.seq++
	e.tombstones[id] = e.seq
	e.cache.Remove(id)
	e.ops[OpDelete] = OpState{Status: Succeeded}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "link deleted", "op", op, "link_id", id.String(), "user_id", sess.UserID)
	return nil
}

// State returns a snapshot for rendering.
func (e *Engine) State() State {
	sess := e.sessions.Current()
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	recs := e.cache.Snapshot()
	views := make([]LinkView, 0, len(recs))
	for _, r := range recs {
		views = append(views, newLinkView(r, now))
	}

	return State{
		Session: SessionView{
			Authenticated: sess.Authenticated(),
			UserID:        sess.UserID,
			ExpiresAt:     sess.ExpiresAt,
		},
		Links:    views,
		Ops:      e.ops,
		Stale:    e.stale,
		Loaded:   e.loaded,
		ShortURL: e.shortURL,
		Draft:    e.draft,
	}
}

/***************
 * Helpers
 ***************/

func (e *Engine) begin(op string, kind Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ops[kind].Status == Submitting {
		return errx.E(op, errx.Busy, fmt.Errorf("a %s is already in progress", kind))
	}
	e.ops[kind] = OpState{Status: Submitting}
	return nil
}

func (e *Engine) fail(kind Op, err error) error {
	e.mu.Lock()
	e.ops[kind] = OpState{Status: Failed, Err: err}
	e.mu.Unlock()
	return err
}

// discard drops a completion that belongs to an ended session.
func (e *Engine) discard(kind Op, op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.discardLocked(kind, op)
}

func (e *Engine) discardLocked(kind Op, op string) error {
	e.ops[kind] = OpState{Status: Idle}
	e.logger.Debug("result discarded after session change", "op", op)
	return errx.E(op, errx.AuthRequired, errors.New("session changed"))
}

// requireSession returns the current session or why it cannot be used. A token that
// has already expired ends the session without a network call.
func (e *Engine) requireSession(ctx context.Context, op string) (session.Session, error) {
	sess := e.sessions.Current()
	if !sess.Authenticated() {
		return sess, errx.E(op, errx.AuthRequired, errors.New("not logged in"))
	}
	if sess.Expired(e.now()) {
		e.forceLogout(ctx, op, sess)
		return sess, errx.E(op, errx.Unauthorized, errors.New("session expired"))
	}
	return sess, nil
}

// sessionChanged reports whether sess has ended. A completion must repeat this check
// with e.mu held while applying its result: logout bumps the generation before its
// listeners take e.mu, so a check under the lock cannot be overtaken by sessionEnded.
func (e *Engine) sessionChanged(sess session.Session) bool {
	return e.sessions.Current().Generation != sess.Generation
}

func (e *Engine) forceLogout(ctx context.Context, op string, sess session.Session) {
	if err := e.sessions.LogoutGeneration(sess.Generation); err != nil {
		e.logger.WarnContext(ctx, "forced logout incomplete", "op", op, "user_id", sess.UserID, "error", err.Error())
		return
	}
	e.logger.InfoContext(ctx, "session rejected, logged out", "op", op, "user_id", sess.UserID)
}

// sessionEnded runs on every logout.
func (e *Engine) sessionEnded() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cache.Clear()
	e.resetLocked()
}

// resetLocked forgets everything tied to the previous session. In-flight operations
// keep their Submitting status; their completions are discarded by the generation check.
func (e *Engine) resetLocked() {
	for i := range e.ops {
		if e.ops[i].Status != Submitting {
			e.ops[i] = OpState{}
		}
	}
	e.shortURL = ""
	e.draft = ""
	e.stale = false
	e.loaded = false
	clear(e.tombstones)
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	if len(raw) > MaxURLLength {
		return fmt.Errorf("url exceeds %d characters", MaxURLLength)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("url is not valid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url must include a host")
	}
	return nil
}
