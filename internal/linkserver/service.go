package linkserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/sundayezeilo/shorty/internal/errx"
	"github.com/sundayezeilo/shorty/sluggen"
)

const (
	DefaultCodeLength     = 7
	MinCodeLength         = 4
	MaxCodeLength         = 32
	DefaultCodeMaxRetries = 3
	DefaultDailyLimit     = 100
	MaxURLLength          = 2048

	MinUsernameLength = 3
	MaxUsernameLength = 32
	MinPasswordLength = 8
	// bcrypt ignores everything past 72 bytes.
	MaxPasswordLength = 72
)

// Service holds the link service business rules on top of a Store.
type Service struct {
	store      Store
	tokens     *Tokens
	codes      sluggen.Generator
	codeLength int
	retries    int
	dailyLimit int
	cost       int
	now        func() time.Time
	logger     *slog.Logger
}

// ServiceConfig holds configuration for the service.
type ServiceConfig struct {
	Store          Store
	Tokens         *Tokens
	CodeGenerator  sluggen.Generator
	CodeLength     int
	CodeMaxRetries int // attempts when generating a unique code (default: 3)
	// DailyLimit caps links created per user per UTC day. Negative disables the cap.
	DailyLimit int
	BcryptCost int
	Clock      func() time.Time
	Logger     *slog.Logger
}

// NewService creates a new service instance.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		store:      cfg.Store,
		tokens:     cfg.Tokens,
		codes:      cfg.CodeGenerator,
		codeLength: cfg.CodeLength,
		retries:    cfg.CodeMaxRetries,
		dailyLimit: cfg.DailyLimit,
		cost:       cfg.BcryptCost,
		now:        cfg.Clock,
		logger:     cfg.Logger,
	}
	if s.codes == nil {
		s.codes = sluggen.NewBase62()
	}
	if s.codeLength < MinCodeLength || s.codeLength > MaxCodeLength {
		s.codeLength = DefaultCodeLength
	}
	if s.retries <= 0 {
		s.retries = DefaultCodeMaxRetries
	}
	if s.dailyLimit == 0 {
		s.dailyLimit = DefaultDailyLimit
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tokens == nil {
		panic("linkserver: ServiceConfig.Tokens is required")
	}
	return s
}

// CodeLength is the length of generated short codes.
func (s *Service) CodeLength() int { return s.codeLength }

// Register creates an account.
func (s *Service) Register(ctx context.Context, username, password string) (User, error) {
	const op = "linkserver.Service.Register"

	if err := validateUsername(username); err != nil {
		return User{}, errx.E(op, errx.Invalid, err)
	}
	if err := validatePassword(password); err != nil {
		return User{}, errx.E(op, errx.Invalid, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return User{}, errx.E(op, errx.Internal, fmt.Errorf("hash password: %w", err))
	}

	u, err := s.store.CreateUser(ctx, username, hash)
	if err != nil {
		if errx.KindOf(err) == errx.Conflict {
			return User{}, errx.E(op, errx.Conflict, errors.New("username is already taken"))
		}
		return User{}, errx.E(op, errx.KindOf(err), err)
	}
	return u, nil
}

// Login checks credentials and issues a token. Unknown users and wrong passwords
// fail the same way.
func (s *Service) Login(ctx context.Context, username, password string) (User, string, error) {
	const op = "linkserver.Service.Login"

	if username == "" || password == "" {
		return User{}, "", errx.E(op, errx.Invalid, errors.New("username and password are required"))
	}

	badCredentials := errx.E(op, errx.Unauthorized, errors.New("invalid username or password"))

	u, err := s.store.UserByUsername(ctx, username)
	if err != nil {
		if errx.KindOf(err) == errx.NotFound {
			return User{}, "", badCredentials
		}
		return User{}, "", errx.E(op, errx.KindOf(err), err)
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return User{}, "", badCredentials
	}

	token, err := s.tokens.Issue(u.ID)
	if err != nil {
		return User{}, "", errx.E(op, errx.KindOf(err), err)
	}
	return u, token, nil
}

// Authenticate returns the user id carried by a valid token.
func (s *Service) Authenticate(token string) (int64, error) {
	const op = "linkserver.Service.Authenticate"

	if token == "" {
		return 0, errx.E(op, errx.Unauthorized, errors.New("missing token"))
	}
	id, err := s.tokens.Verify(token)
	if err != nil {
		return 0, errx.E(op, errx.Unauthorized, err)
	}
	return id, nil
}

// CreateLink shortens rawURL for userID. A user asking again for a URL that still has
// an active link gets that link back. A nil expiresAt never expires.
func (s *Service) CreateLink(ctx context.Context, userID int64, rawURL string, expiresAt *time.Time) (Link, error) {
	const op = "linkserver.Service.CreateLink"

	rawURL = strings.TrimSpace(rawURL)
	if err := validateURL(rawURL); err != nil {
		return Link{}, errx.E(op, errx.Invalid, err)
	}

	now := s.now().UTC()
	if expiresAt != nil {
		exp := expiresAt.UTC()
		if !exp.After(now) {
			return Link{}, errx.E(op, errx.Invalid, errors.New("expires_at must be in the future"))
		}
		expiresAt = &exp
	}

	existing, err := s.store.ActiveLinkByURL(ctx, userID, rawURL, now)
	switch {
	case err == nil:
		return existing, nil
	case errx.KindOf(err) != errx.NotFound:
		return Link{}, errx.E(op, errx.KindOf(err), err)
	}

	if s.dailyLimit > 0 {
		dayStart := now.Truncate(24 * time.Hour)
		n, err := s.store.CountLinksSince(ctx, userID, dayStart)
		if err != nil {
			return Link{}, errx.E(op, errx.KindOf(err), err)
		}
		if n >= s.dailyLimit {
			return Link{}, errx.E(op, errx.Forbidden, ErrDailyLimit)
		}
	}

	for range s.retries {
		code, err := s.codes.Generate(s.codeLength)
		if err != nil {
			return Link{}, errx.E(op, errx.Unavailable, err)
		}

		created, err := s.store.CreateLink(ctx, Link{
			UserID:      userID,
			OriginalURL: rawURL,
			Code:        code,
			CreatedAt:   now,
			ExpiresAt:   expiresAt,
		})
		if err == nil {
			return created, nil
		}
		if errx.KindOf(err) != errx.Conflict {
			return Link{}, errx.E(op, errx.KindOf(err), err)
		}
		s.logger.WarnContext(ctx, "short code collision, retrying", "op", op, "code", code)
	}

	return Link{}, errx.E(op, errx.Unavailable,
		errors.New("could not generate unique code after retries"))
}

// ListLinks returns the user's links, newest first.
func (s *Service) ListLinks(ctx context.Context, userID int64) ([]Link, error) {
	const op = "linkserver.Service.ListLinks"

	links, err := s.store.LinksByUser(ctx, userID)
	if err != nil {
		return nil, errx.E(op, errx.KindOf(err), err)
	}
	return links, nil
}

// DeleteLink removes one of the user's links.
func (s *Service) DeleteLink(ctx context.Context, userID, id int64) error {
	const op = "linkserver.Service.DeleteLink"

	if id <= 0 {
		return errx.E(op, errx.NotFound, errors.New("link not found"))
	}
	if err := s.store.DeleteLink(ctx, userID, id); err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}
	return nil
}

// Link returns the link for code without counting a click.
func (s *Service) Link(ctx context.Context, code string) (Link, error) {
	const op = "linkserver.Service.Link"

	if !sluggen.Valid(code, MaxCodeLength) {
		return Link{}, errx.E(op, errx.NotFound, errors.New("link not found"))
	}
	l, err := s.store.LinkByCode(ctx, code)
	if err != nil {
		return Link{}, errx.E(op, errx.KindOf(err), err)
	}
	return l, nil
}

// Resolve returns the link for a redirect and counts the click. Expired links fail with
// ErrLinkExpired.
func (s *Service) Resolve(ctx context.Context, code string) (Link, error) {
	const op = "linkserver.Service.Resolve"

	l, err := s.Link(ctx, code)
	if err != nil {
		return Link{}, errx.E(op, errx.KindOf(err), err)
	}
	if l.Expired(s.now()) {
		return Link{}, errx.E(op, errx.NotFound, ErrLinkExpired)
	}

	if err := s.store.TrackClick(ctx, code); err != nil {
		s.logger.WarnContext(ctx, "failed to track click",
			"op", op,
			"code", code,
			"error", err.Error(),
		)
	} else {
		l.Clicks++
	}
	return l, nil
}

func validateUsername(username string) error {
	if len(username) < MinUsernameLength || len(username) > MaxUsernameLength {
		return fmt.Errorf("username must be %d to %d characters", MinUsernameLength, MaxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return errors.New("username cannot contain whitespace or control characters")
		}
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d bytes", MaxPasswordLength)
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("url cannot be empty")
	}
	if len(rawURL) > MaxURLLength {
		return errors.New("url too long (max 2048 characters)")
	}

	parsedURL, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return errors.New("invalid url format")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if parsedURL.Host == "" {
		return errors.New("url must include host")
	}
	if blockedHost(parsedURL.Hostname()) {
		return errors.New("url host is not allowed")
	}
	return nil
}

// blockedHost rejects loopback, unspecified and internal-only names.
func blockedHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	switch host {
	case "localhost", "127.0.0.1", "0.0.0.0", "::1":
		return true
	}
	if strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") || strings.HasSuffix(host, ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}
