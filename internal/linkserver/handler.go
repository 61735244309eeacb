package linkserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/sundayezeilo/shorty/internal/errx"
	"github.com/sundayezeilo/shorty/internal/httpx"
)

const (
	qrSize   = 256
	qrMaxAge = 24 * 60 * 60
)

// CredentialsRequest is the body of register and login calls.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterResponse is returned for a new account.
type RegisterResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// LoginResponse carries the session token.
type LoginResponse struct {
	UserID int64  `json:"userId"`
	Token  string `json:"token"`
}

// CreateLinkRequest is the body of POST /api/urls. A null expires_at never expires.
type CreateLinkRequest struct {
	OriginalURL string     `json:"original_url"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// LinkResponse is a link as the API exposes it.
type LinkResponse struct {
	ID          int64      `json:"id"`
	ShortURL    string     `json:"short_url"`
	ShortCode   string     `json:"short_code"`
	OriginalURL string     `json:"original_url"`
	Clicks      int64      `json:"clicks"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	QRURL       string     `json:"qr_url"`
}

// DeleteLinkResponse confirms a deletion.
type DeleteLinkResponse struct {
	ID      int64 `json:"id"`
	Deleted bool  `json:"deleted"`
}

// Handler provides HTTP handlers for the link service.
type Handler struct {
	service *Service
	logger  *slog.Logger
	baseURL string
}

// HandlerConfig holds configuration for the handler.
type HandlerConfig struct {
	Service *Service
	Logger  *slog.Logger
	BaseURL string // Base URL for short links, e.g. "https://sho.rt"
}

// NewHandler creates a new Handler instance.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		service: cfg.Service,
		logger:  logger,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// Mount registers the API, QR and redirect routes on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/register", h.RegisterUser)
	mux.HandleFunc("POST /api/login", h.Login)
	mux.HandleFunc("POST /api/urls", h.RequireAuth(h.CreateLink))
	mux.HandleFunc("GET /api/urls/stats", h.RequireAuth(h.ListLinks))
	mux.HandleFunc("DELETE /api/urls/{id}", h.RequireAuth(h.DeleteLink))
	mux.HandleFunc("GET /qr/{file}", h.QRCode)
	mux.HandleFunc("GET /{code}", h.ResolveLink)
}

// RequireAuth rejects requests without a valid bearer token and puts the caller's
// user id on the request context.
func (h *Handler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token, ok := httpx.BearerToken(r)
		if !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
			return
		}
		userID, err := h.service.Authenticate(token)
		if err != nil {
			h.logger.WarnContext(ctx, "token rejected",
				"request_id", httpx.GetRequestID(ctx),
				"error", err.Error(),
			)
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token", nil)
			return
		}
		next(w, r.WithContext(httpx.WithUserID(ctx, userID)))
	}
}

// RegisterUser handles POST /api/register.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httpx.DecodeJSON[CredentialsRequest](r)
	if err != nil {
		h.writeError(ctx, w, err, "register")
		return
	}

	u, err := h.service.Register(ctx, req.Username, req.Password)
	if err != nil {
		h.writeError(ctx, w, err, "register")
		return
	}

	h.logger.InfoContext(ctx, "user registered",
		"request_id", httpx.GetRequestID(ctx),
		"user_id", u.ID,
	)
	httpx.WriteJSON(w, http.StatusCreated, RegisterResponse{ID: u.ID, Username: u.Username})
}

// Login handles POST /api/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httpx.DecodeJSON[CredentialsRequest](r)
	if err != nil {
		h.writeError(ctx, w, err, "login")
		return
	}

	u, token, err := h.service.Login(ctx, req.Username, req.Password)
	if err != nil {
		h.writeError(ctx, w, err, "login")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, LoginResponse{UserID: u.ID, Token: token})
}

// CreateLink handles POST /api/urls.
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := httpx.UserID(ctx)

	req, err := httpx.DecodeJSON[CreateLinkRequest](r)
	if err != nil {
		h.writeError(ctx, w, err, "create link")
		return
	}

	l, err := h.service.CreateLink(ctx, userID, req.OriginalURL, req.ExpiresAt)
	if err != nil {
		h.writeError(ctx, w, err, "create link")
		return
	}

	h.logger.InfoContext(ctx, "link created",
		"request_id", httpx.GetRequestID(ctx),
		"user_id", userID,
		"link_id", l.ID,
		"code", l.Code,
	)
	httpx.WriteJSON(w, http.StatusCreated, h.linkResponse(l))
}

// ListLinks handles GET /api/urls/stats. user_id defaults to the caller and may not
// name anyone else.
func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := httpx.UserID(ctx)

	if q := r.URL.Query().Get("user_id"); q != "" {
		requested, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "user_id must be a number", nil)
			return
		}
		if requested != userID {
			h.logger.WarnContext(ctx, "stats requested for another user",
				"request_id", httpx.GetRequestID(ctx),
				"user_id", userID,
				"requested_user_id", requested,
			)
			httpx.WriteError(w, http.StatusForbidden, "forbidden", "cannot read another user's links", nil)
			return
		}
	}

	links, err := h.service.ListLinks(ctx, userID)
	if err != nil {
		h.writeError(ctx, w, err, "list links")
		return
	}

	resp := make([]LinkResponse, 0, len(links))
	for _, l := range links {
		resp = append(resp, h.linkResponse(l))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// DeleteLink handles DELETE /api/urls/{id}.
func (h *Handler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := httpx.UserID(ctx)

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "link not found", nil)
		return
	}

	if err := h.service.DeleteLink(ctx, userID, id); err != nil {
		h.writeError(ctx, w, err, "delete link")
		return
	}

	h.logger.InfoContext(ctx, "link deleted",
		"request_id", httpx.GetRequestID(ctx),
		"user_id", userID,
		"link_id", id,
	)
	httpx.WriteJSON(w, http.StatusOK, DeleteLinkResponse{ID: id, Deleted: true})
}

// QRCode handles GET /qr/{file}, where file is "<code>.png".
func (h *Handler) QRCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code, ok := strings.CutSuffix(r.PathValue("file"), ".png")
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "short link doesn't exist", nil)
		return
	}

	l, err := h.service.Link(ctx, code)
	if err != nil {
		h.writeError(ctx, w, err, "qr code")
		return
	}

	png, err := qrcode.Encode(h.shortURL(l.Code), qrcode.Medium, qrSize)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to render qr code",
			"request_id", httpx.GetRequestID(ctx),
			"code", code,
			"error", err.Error(),
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "unable to render qr code", nil)
		return
	}
	httpx.WritePNG(w, png, qrMaxAge)
}

// ResolveLink handles GET /{code} and redirects to the original URL.
func (h *Handler) ResolveLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.PathValue("code")

	l, err := h.service.Resolve(ctx, code)
	if err != nil {
		if errors.Is(err, ErrLinkExpired) {
			h.logger.InfoContext(ctx, "expired link requested",
				"request_id", httpx.GetRequestID(ctx),
				"code", code,
			)
			httpx.WriteError(w, http.StatusGone, "expired", "this short link has expired", nil)
			return
		}
		h.writeError(ctx, w, err, "resolve link")
		return
	}

	http.Redirect(w, r, l.OriginalURL, http.StatusFound)
}

// writeError maps a service error to a response. Client errors log at warn and
// everything else at error.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error, action string) {
	kind := errx.KindOf(err)

	logAttrs := []any{
		"request_id", httpx.GetRequestID(ctx),
		"action", action,
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
	}

	switch {
	case errors.Is(err, ErrDailyLimit):
		h.logger.WarnContext(ctx, "daily link limit reached", logAttrs...)
		httpx.WriteError(w, http.StatusTooManyRequests, "daily_limit", ErrDailyLimit.Error(),
			map[string]int{"limit": h.service.dailyLimit})

	case kind == errx.NotFound:
		h.logger.WarnContext(ctx, "not found", logAttrs...)
		httpx.WriteError(w, http.StatusNotFound, "not_found", "short link doesn't exist", nil)

	case kind == errx.Invalid, kind == errx.Conflict, kind == errx.Unauthorized, kind == errx.Forbidden:
		h.logger.WarnContext(ctx, "request rejected", logAttrs...)
		httpx.WriteKindError(w, err, "")

	case kind == errx.Unavailable:
		h.logger.ErrorContext(ctx, "service unavailable", logAttrs...)
		httpx.WriteKindError(w, err, "Unable to "+action+" at this time. Please try again.")

	default:
		h.logger.ErrorContext(ctx, "unexpected error", logAttrs...)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
			"Unable to "+action+" at this time. Please try again.", nil)
	}
}

func (h *Handler) shortURL(code string) string {
	return h.baseURL + "/" + code
}

func (h *Handler) linkResponse(l Link) LinkResponse {
	return LinkResponse{
		ID:          l.ID,
		ShortURL:    h.shortURL(l.Code),
		ShortCode:   l.Code,
		OriginalURL: l.OriginalURL,
		Clicks:      l.Clicks,
		CreatedAt:   l.CreatedAt,
		ExpiresAt:   l.ExpiresAt,
		QRURL:       h.baseURL + "/qr/" + l.Code + ".png",
	}
}
