// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskhub/oauth/instrumentation"
	"github.com/taskhub/oauth/storage"
)

// Store is an in-memory implementation of storage.CodeStore and
// storage.TokenStore backed by mutex-guarded maps.
type Store struct {
	mu sync.RWMutex

	// authorization code -> record
	codes map[string]*storage.AuthorizationCode

	// pair ID -> record, plus hash indexes for O(1) token lookups
	pairs         map[string]*storage.TokenPair
	byAccessHash  map[string]string // access token hash -> pair ID
	byRefreshHash map[string]string // refresh token hash -> pair ID

	// Instrumentation
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Atomic counters for gauge callbacks (lock-free reads)
	codesCount atomic.Int64
	pairsCount atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
	now             func() time.Time
}

// Compile-time interface checks
var (
	_ storage.CodeStore  = (*Store)(nil)
	_ storage.TokenStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. Zero or negative falls back to 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		codes:           make(map[string]*storage.AuthorizationCode),
		pairs:           make(map[string]*storage.TokenPair),
		byAccessHash:    make(map[string]string),
		byRefreshHash:   make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
		now:             time.Now,
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides the store's time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.inst = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}
	s.codesCount.Store(int64(len(s.codes)))
	s.pairsCount.Store(int64(len(s.pairs)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.codesCount.Load() },
			func() int64 { return s.pairsCount.Load() },
		)
		if err != nil {
			s.logger.Warn("failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// CodeStore implementation
// ============================================================

// SaveAuthorizationCode persists an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startSpan(ctx, "save_authorization_code")
	start := time.Now()

	if code == nil || code.Code == "" {
		err := fmt.Errorf("authorization code is required")
		s.recordOp(ctx, span, "save_authorization_code", err, start)
		return err
	}

	s.mu.Lock()
	cp := *code
	s.codes[code.Code] = &cp
	s.codesCount.Store(int64(len(s.codes)))
	s.mu.Unlock()

	s.recordOp(ctx, span, "save_authorization_code", nil, start)
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and removes a code. The
// map delete happens under the write lock, so of N concurrent callers
// exactly one sees the record and the rest get ErrNotFound.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "consume_authorization_code")
	start := time.Now()

	s.mu.Lock()
	record, ok := s.codes[code]
	if ok {
		delete(s.codes, code)
		s.codesCount.Store(int64(len(s.codes)))
	}
	s.mu.Unlock()

	if !ok {
		s.recordOp(ctx, span, "consume_authorization_code", storage.ErrNotFound, start)
		return nil, storage.ErrNotFound
	}

	cp := *record
	s.recordOp(ctx, span, "consume_authorization_code", nil, start)
	return &cp, nil
}

// DeleteExpiredCodes removes codes whose expiry is at or before now
func (s *Store) DeleteExpiredCodes(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	removed := 0
	for code, record := range s.codes {
		if !record.ExpiresAt.After(now) {
			delete(s.codes, code)
			removed++
		}
	}
	s.codesCount.Store(int64(len(s.codes)))
	s.mu.Unlock()
	return removed, nil
}

// ============================================================
// TokenStore implementation
// ============================================================

// SaveTokenPair persists a new token pair
func (s *Store) SaveTokenPair(ctx context.Context, pair *storage.TokenPair) error {
	ctx, span := s.startSpan(ctx, "save_token_pair")
	start := time.Now()

	if pair == nil || pair.ID == "" {
		err := fmt.Errorf("token pair id is required")
		s.recordOp(ctx, span, "save_token_pair", err, start)
		return err
	}

	s.mu.Lock()
	cp := clonePair(pair)
	s.pairs[pair.ID] = cp
	s.byAccessHash[pair.AccessTokenHash] = pair.ID
	s.byRefreshHash[pair.RefreshTokenHash] = pair.ID
	s.pairsCount.Store(int64(len(s.pairs)))
	s.mu.Unlock()

	s.recordOp(ctx, span, "save_token_pair", nil, start)
	return nil
}

// GetTokenPairByAccessHash retrieves a pair by its access token hash
func (s *Store) GetTokenPairByAccessHash(ctx context.Context, accessHash string) (*storage.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAccessHash[accessHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	pair, ok := s.pairs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clonePair(pair), nil
}

// RotateTokenPair atomically replaces the hashes and expiries of the pair
// matching oldRefreshHash. Everything happens under the write lock, so
// concurrent rotations of the same token race to one winner. A match whose
// refresh expiry is at or before cutoff is dropped and reported as
// ErrNotFound.
func (s *Store) RotateTokenPair(ctx context.Context, oldRefreshHash, newAccessHash, newRefreshHash string, accessExpiresAt, refreshExpiresAt, cutoff time.Time) (*storage.TokenPair, error) {
	ctx, span := s.startSpan(ctx, "rotate_token_pair")
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRefreshHash[oldRefreshHash]
	if !ok {
		s.recordOp(ctx, span, "rotate_token_pair", storage.ErrNotFound, start)
		return nil, storage.ErrNotFound
	}
	pair := s.pairs[id]

	if !pair.RefreshExpiresAt.After(cutoff) {
		// Expired refresh tokens are not resurrectable.
		s.deletePairLocked(pair)
		s.recordOp(ctx, span, "rotate_token_pair", storage.ErrNotFound, start)
		return nil, storage.ErrNotFound
	}

	delete(s.byAccessHash, pair.AccessTokenHash)
	delete(s.byRefreshHash, pair.RefreshTokenHash)

	pair.AccessTokenHash = newAccessHash
	pair.RefreshTokenHash = newRefreshHash
	pair.AccessExpiresAt = accessExpiresAt
	pair.RefreshExpiresAt = refreshExpiresAt

	s.byAccessHash[newAccessHash] = pair.ID
	s.byRefreshHash[newRefreshHash] = pair.ID

	s.recordOp(ctx, span, "rotate_token_pair", nil, start)
	return clonePair(pair), nil
}

// RevokeTokenByHash deletes any pair whose access or refresh hash matches
func (s *Store) RevokeTokenByHash(ctx context.Context, hash string) error {
	ctx, span := s.startSpan(ctx, "revoke_token_by_hash")
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAccessHash[hash]
	if !ok {
		id, ok = s.byRefreshHash[hash]
	}
	if !ok {
		s.recordOp(ctx, span, "revoke_token_by_hash", storage.ErrNotFound, start)
		return storage.ErrNotFound
	}

	s.deletePairLocked(s.pairs[id])
	s.recordOp(ctx, span, "revoke_token_by_hash", nil, start)
	return nil
}

// ListUserTokens returns all pairs belonging to userID, most recently
// issued first
func (s *Store) ListUserTokens(ctx context.Context, userID string) ([]*storage.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.TokenPair
	for _, pair := range s.pairs {
		if pair.UserID == userID {
			result = append(result, clonePair(pair))
		}
	}

	// newest first
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].CreatedAt.After(result[i].CreatedAt) {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	return result, nil
}

// DeleteTokenPair removes the pair with the given ID if it belongs to
// userID
func (s *Store) DeleteTokenPair(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair, ok := s.pairs[id]
	if !ok || pair.UserID != userID {
		return storage.ErrNotFound
	}
	s.deletePairLocked(pair)
	return nil
}

// DeleteExpiredTokens removes pairs whose refresh expiry is at or before
// now
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	removed := 0
	for _, pair := range s.pairs {
		if !pair.RefreshExpiresAt.After(now) {
			s.deletePairLocked(pair)
			removed++
		}
	}
	s.mu.Unlock()
	return removed, nil
}

// deletePairLocked removes a pair and its hash indexes. Caller holds the
// write lock.
func (s *Store) deletePairLocked(pair *storage.TokenPair) {
	delete(s.pairs, pair.ID)
	delete(s.byAccessHash, pair.AccessTokenHash)
	delete(s.byRefreshHash, pair.RefreshTokenHash)
	s.pairsCount.Store(int64(len(s.pairs)))
}

func clonePair(pair *storage.TokenPair) *storage.TokenPair {
	cp := *pair
	cp.Scopes = append([]string(nil), pair.Scopes...)
	return &cp
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	now := s.now()

	codes, _ := s.DeleteExpiredCodes(context.Background(), now)
	pairs, _ := s.DeleteExpiredTokens(context.Background(), now)

	if codes > 0 || pairs > 0 {
		s.logger.Debug("storage cleanup completed",
			"expired_codes", codes,
			"expired_token_pairs", pairs)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation)
}

func (s *Store) recordOp(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	if s.inst == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	s.inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
}
