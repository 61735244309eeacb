package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/sundayezeilo/shorty/internal/config"
	"github.com/sundayezeilo/shorty/internal/engine"
	"github.com/sundayezeilo/shorty/internal/idgen"
	"github.com/sundayezeilo/shorty/internal/link"
	"github.com/sundayezeilo/shorty/internal/linkcache"
	"github.com/sundayezeilo/shorty/internal/remote"
	"github.com/sundayezeilo/shorty/internal/session"
)

// Client holds the link client dependencies: persisted session, remote service client
// and the sync engine on top of them.
type Client struct {
	Config   *config.ClientConfig
	Logger   *slog.Logger
	Sessions *session.Store
	Remote   *remote.Client
	Engine   *engine.Engine
}

// NewClient loads the client configuration from the environment and wires the engine.
// Logs go to logOut as text.
func NewClient(logOut io.Writer) (*Client, error) {
	if err := loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return NewClientWithConfig(cfg, setupLogger(logOut, cfg.LogLevel, true))
}

// NewClientWithConfig wires the client from an already loaded configuration.
func NewClientWithConfig(cfg *config.ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sessions, err := openSessions(cfg.SessionFile, logger)
	if err != nil {
		return nil, err
	}

	rc, err := remote.New(cfg.APIURL,
		remote.WithTimeout(cfg.RequestTimeout),
		remote.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}

	cache := linkcache.New(idgen.NewV7(idgen.WithRetries(3)))

	eng := engine.New(rc, sessions, cache,
		engine.WithLogger(logger),
		engine.WithExpiryPolicy(link.DefaultExpiryPolicy()),
	)

	logger.Debug("client initialized",
		"api_url", rc.BaseURL(),
		"session_file", cfg.SessionFile,
		"authenticated", sessions.Current().Authenticated(),
	)

	return &Client{
		Config:   cfg,
		Logger:   logger,
		Sessions: sessions,
		Remote:   rc,
		Engine:   eng,
	}, nil
}

// openSessions restores the persisted session. An unreadable session file is
// discarded so a fresh login can replace it.
func openSessions(path string, logger *slog.Logger) (*session.Store, error) {
	persister := session.NewFilePersister(path)

	store, err := session.NewStore(persister, logger)
	if err == nil {
		return store, nil
	}

	logger.Warn("discarding unreadable session file", "path", path, "error", err.Error())
	if clearErr := persister.Clear(); clearErr != nil {
		return nil, fmt.Errorf("failed to reset session file: %w", clearErr)
	}
	store, err = session.NewStore(persister, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	return store, nil
}
