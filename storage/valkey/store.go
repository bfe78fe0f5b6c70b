// Package valkey provides a Valkey-backed implementation of the shared
// key-value store. It is the production backend for logout-token replay
// markers and logout notices, which must be visible to every process in a
// deployment immediately after they are written.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/canopyauth/account-session/instrumentation"
	"github.com/canopyauth/account-session/storage"
)

const (
	// DefaultKeyPrefix namespaces all keys written by this store.
	DefaultKeyPrefix = "account-session:"

	// connectionVerifyTimeout bounds the initial PING on connect.
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey shared store.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for Valkey authentication.
	Password string

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config

	// KeyPrefix namespaces all keys. Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation records storage operation metrics when set.
	Instrumentation *instrumentation.Instrumentation
}

// Store is a Valkey-backed storage.SharedStore.
type Store struct {
	client  valkeygo.Client
	prefix  string
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

var _ storage.SharedStore = (*Store)(nil)

// New connects to Valkey and verifies the connection with a PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		TLSConfig:   cfg.TLSConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to verify valkey connection: %w", err)
	}

	s := &Store{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: cfg.Logger,
	}
	if cfg.Instrumentation != nil {
		s.metrics = cfg.Instrumentation.Metrics()
	}

	cfg.Logger.Info("connected to valkey shared store", "address", cfg.Address)
	return s, nil
}

// Close releases the underlying client.
func (s *Store) Close() {
	s.client.Close()
}

// Get retrieves the value for a key. Absent and expired keys report false.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()

	value, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			s.record(ctx, "get", "miss", start)
			return "", false, nil
		}
		s.record(ctx, "get", "error", start)
		return "", false, fmt.Errorf("failed to get key: %w", err)
	}

	s.record(ctx, "get", "hit", start)
	return value, true, nil
}

// Set stores a value under a key. A zero ttl means the entry persists until
// explicitly deleted.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()

	var err error
	if ttl > 0 {
		err = s.client.Do(ctx, s.client.B().Set().Key(s.prefix+key).Value(value).Ex(ttl).Build()).Error()
	} else {
		err = s.client.Do(ctx, s.client.B().Set().Key(s.prefix+key).Value(value).Build()).Error()
	}
	if err != nil {
		s.record(ctx, "set", "error", start)
		return fmt.Errorf("failed to set key: %w", err)
	}

	s.record(ctx, "set", "ok", start)
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.prefix+key).Build()).Error(); err != nil {
		s.record(ctx, "delete", "error", start)
		return fmt.Errorf("failed to delete key: %w", err)
	}

	s.record(ctx, "delete", "ok", start)
	return nil
}

// record emits a storage operation metric when instrumentation is configured.
func (s *Store) record(ctx context.Context, op, result string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordStorageOperation(ctx, op, result, float64(time.Since(start).Milliseconds()))
}
