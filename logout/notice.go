package logout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/canopyauth/account-session/instrumentation"
	"github.com/canopyauth/account-session/storage"
)

// noticePrefix namespaces logout notices in the shared store.
const noticePrefix = "logout-notice:"

// Notice records the forced-logout flag per identity. A notice is written
// when a valid logout token arrives, read on every request that reconstructs
// a session for that identity, and cleared when the identity completes a
// fresh authentication. Notices have no TTL; they persist until cleared.
type Notice struct {
	store   storage.SharedStore
	now     func() time.Time
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NoticeOption customizes a Notice.
type NoticeOption func(*Notice)

// WithNoticeClock overrides the clock, for tests.
func WithNoticeClock(now func() time.Time) NoticeOption {
	return func(n *Notice) { n.now = now }
}

// WithNoticeLogger sets the logger.
func WithNoticeLogger(logger *slog.Logger) NoticeOption {
	return func(n *Notice) { n.logger = logger }
}

// WithNoticeInstrumentation enables notice metrics.
func WithNoticeInstrumentation(inst *instrumentation.Instrumentation) NoticeOption {
	return func(n *Notice) { n.metrics = inst.Metrics() }
}

// NewNotice creates a logout notice registry over the shared store.
func NewNotice(store storage.SharedStore, opts ...NoticeOption) *Notice {
	n := &Notice{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Persist records a forced-logout flag for an identity.
func (n *Notice) Persist(ctx context.Context, identityKey string) error {
	stamp := n.now().UTC().Format(time.RFC3339)
	if err := n.store.Set(ctx, noticePrefix+identityKey, stamp, 0); err != nil {
		return fmt.Errorf("failed to persist logout notice: %w", err)
	}

	if n.metrics != nil {
		n.metrics.RecordLogoutNotice(ctx, "persist")
	}
	n.logger.Info("logout notice recorded", "identity", identityKey)
	return nil
}

// Find returns the time at which a forced logout was recorded for an
// identity, reporting false when no notice is present.
func (n *Notice) Find(ctx context.Context, identityKey string) (time.Time, bool, error) {
	value, found, err := n.store.Get(ctx, noticePrefix+identityKey)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read logout notice: %w", err)
	}
	if !found {
		return time.Time{}, false, nil
	}

	stamp, err := time.Parse(time.RFC3339, value)
	if err != nil {
		// An unreadable notice still forces logout; the timestamp is
		// informational.
		return time.Time{}, true, nil
	}
	return stamp, true, nil
}

// Remove clears the forced-logout flag; called when the identity completes a
// fresh authentication.
func (n *Notice) Remove(ctx context.Context, identityKey string) error {
	if err := n.store.Delete(ctx, noticePrefix+identityKey); err != nil {
		return fmt.Errorf("failed to remove logout notice: %w", err)
	}

	if n.metrics != nil {
		n.metrics.RecordLogoutNotice(ctx, "remove")
	}
	return nil
}
