package accountsession

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/canopyauth/account-session/attributes"
	"github.com/canopyauth/account-session/instrumentation"
	"github.com/canopyauth/account-session/logout"
	"github.com/canopyauth/account-session/providers"
	"github.com/canopyauth/account-session/storage"
)

// DefaultHeaderName is the request header carrying the session token.
const DefaultHeaderName = "X-Account-Session"

// ProviderClient is the identity-provider surface a session needs.
// *providers.Client satisfies it; tests substitute a deterministic fake.
type ProviderClient interface {
	Profile() providers.Profile
	UserInfo(ctx context.Context, tokens providers.TokenPair) (map[string]any, providers.TokenPair, error)
	GetAttribute(ctx context.Context, tokens providers.TokenPair, name string) (any, bool, providers.TokenPair, error)
	BulkSetAttributes(ctx context.Context, tokens providers.TokenPair, values map[string]any) (providers.TokenPair, error)
	SubmitJWT(ctx context.Context, tokens providers.TokenPair, signed string) (map[string]any, providers.TokenPair, error)
}

// Config holds session service configuration.
type Config struct {
	// Secret encrypts and decrypts session tokens (required). Rotating it
	// invalidates every outstanding session.
	Secret string

	// HeaderName is the request header carrying the session token.
	// Defaults to DefaultHeaderName.
	HeaderName string

	// Client talks to the active identity provider (required).
	Client ProviderClient

	// Schema is the attribute permission table (required).
	Schema *attributes.Schema

	// Users persists local and cached attribute values (required).
	Users storage.UserRecordStore

	// Shared is the cross-process store for logout notices (required).
	Shared storage.SharedStore

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation records session metrics when set.
	Instrumentation *instrumentation.Instrumentation
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if c.Client == nil {
		return fmt.Errorf("provider client is required")
	}
	if c.Schema == nil {
		return fmt.Errorf("attribute schema is required")
	}
	if c.Users == nil {
		return fmt.Errorf("user record store is required")
	}
	if c.Shared == nil {
		return fmt.Errorf("shared store is required")
	}
	return nil
}

// Service constructs, decodes and re-serializes account sessions. It is the
// composition point for the codec, the provider client, the attribute schema
// and the stores; one Service is shared by every request handler.
type Service struct {
	secret     string
	headerName string
	client     ProviderClient
	schema     *attributes.Schema
	users      storage.UserRecordStore
	notice     *logout.Notice
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
}

// New creates a session service.
func New(cfg *Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session service configuration: %w", err)
	}

	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = DefaultHeaderName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	noticeOpts := []logout.NoticeOption{logout.WithNoticeLogger(logger)}
	if cfg.Instrumentation != nil {
		noticeOpts = append(noticeOpts, logout.WithNoticeInstrumentation(cfg.Instrumentation))
	}

	s := &Service{
		secret:     cfg.Secret,
		headerName: headerName,
		client:     cfg.Client,
		schema:     cfg.Schema,
		users:      cfg.Users,
		notice:     logout.NewNotice(cfg.Shared, noticeOpts...),
		logger:     logger,
	}
	if cfg.Instrumentation != nil {
		s.metrics = cfg.Instrumentation.Metrics()
	}

	return s, nil
}

// HeaderName returns the configured session header name.
func (s *Service) HeaderName() string {
	return s.headerName
}

// Notice returns the logout notice registry backed by the shared store.
func (s *Service) Notice() *logout.Notice {
	return s.notice
}

// ClearLogoutNotice removes any forced-logout flag for an identity. Call it
// when the identity completes a fresh authentication.
func (s *Service) ClearLogoutNotice(ctx context.Context, identityKey string) error {
	return s.notice.Remove(ctx, identityKey)
}
