// Package security holds the request-hardening pieces of the backchannel
// logout boundary: per-client rate limiting and client IP extraction.
package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxEntries    = 10000
	defaultSweepInterval = 5 * time.Minute
	defaultIdleTimeout   = 30 * time.Minute
)

// LimiterConfig holds rate limiter configuration.
type LimiterConfig struct {
	// PerSecond is the sustained request rate allowed per identifier.
	PerSecond float64

	// Burst is the instantaneous burst allowed per identifier.
	Burst int

	// MaxEntries bounds the number of tracked identifiers; the least
	// recently seen is evicted when the bound is hit. Defaults to 10,000.
	MaxEntries int

	// SweepInterval is how often idle identifiers are dropped.
	// Defaults to 5 minutes.
	SweepInterval time.Duration

	// IdleTimeout is how long an identifier may go unseen before its
	// limiter is dropped. Defaults to 30 minutes.
	IdleTimeout time.Duration

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastSeen   time.Time
}

// Limiter applies a token-bucket limit per identifier, typically a client
// IP. Tracked identifiers are bounded by LRU eviction and a periodic idle
// sweep, so an attacker rotating identifiers cannot grow memory without
// bound.
type Limiter struct {
	mu          sync.Mutex
	entries     map[string]*list.Element
	lru         *list.List
	perSecond   float64
	burst       int
	maxEntries  int
	idleTimeout time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewLimiter creates a rate limiter and starts its idle sweep goroutine.
// Call Stop when done.
func NewLimiter(cfg LimiterConfig) *Limiter {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		perSecond:   cfg.PerSecond,
		burst:       cfg.Burst,
		maxEntries:  maxEntries,
		idleTimeout: idleTimeout,
		logger:      logger,
		stop:        make(chan struct{}),
	}
	go l.sweepLoop(sweepInterval)
	return l
}

// Allow reports whether a request from the identifier may proceed.
func (l *Limiter) Allow(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.entries[identifier]; ok {
		l.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastSeen = time.Now()
		return entry.limiter.Allow()
	}

	if len(l.entries) >= l.maxEntries {
		l.evictOldest()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(l.perSecond), l.burst),
		lastSeen:   time.Now(),
	}
	l.entries[identifier] = l.lru.PushFront(entry)
	return entry.limiter.Allow()
}

// Stop terminates the idle sweep goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// evictOldest drops the least recently seen identifier. Caller holds the lock.
func (l *Limiter) evictOldest() {
	elem := l.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(l.entries, entry.identifier)
	l.lru.Remove(elem)
	l.logger.Debug("rate limiter evicted identifier", "identifier", entry.identifier)
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep drops identifiers idle longer than the idle timeout.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.idleTimeout)
	removed := 0
	var next *list.Element
	for elem := l.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, entry.identifier)
			l.lru.Remove(elem)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limiter sweep removed idle identifiers",
			"removed", removed, "remaining", len(l.entries))
	}
}
