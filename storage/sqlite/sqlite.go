// Package sqlite provides a SQLite-backed implementation of the storage
// interfaces using the pure-Go modernc.org/sqlite driver. A single file
// database with WAL journaling serves single-instance deployments that
// need tokens to survive restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/taskhub/oauth/instrumentation"
	"github.com/taskhub/oauth/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS authorization_codes (
	code                  TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	client_id             TEXT NOT NULL,
	device_name           TEXT NOT NULL,
	redirect_uri          TEXT NOT NULL,
	scopes                TEXT NOT NULL,
	code_challenge        TEXT NOT NULL,
	code_challenge_method TEXT NOT NULL,
	created_at            INTEGER NOT NULL,
	expires_at            INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS token_pairs (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	client_id          TEXT NOT NULL,
	device_name        TEXT NOT NULL,
	scopes             TEXT NOT NULL,
	access_token_hash  TEXT NOT NULL UNIQUE,
	refresh_token_hash TEXT NOT NULL UNIQUE,
	created_at         INTEGER NOT NULL,
	access_expires_at  INTEGER NOT NULL,
	refresh_expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_token_pairs_user_id ON token_pairs(user_id);
CREATE INDEX IF NOT EXISTS idx_token_pairs_refresh_expires_at ON token_pairs(refresh_expires_at);
CREATE INDEX IF NOT EXISTS idx_authorization_codes_expires_at ON authorization_codes(expires_at);
`

// Store is a SQLite-backed implementation of storage.CodeStore and
// storage.TokenStore.
type Store struct {
	db *sql.DB

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	codesCount atomic.Int64
	pairsCount atomic.Int64

	stopCleanup chan struct{}
	logger      *slog.Logger
	now         func() time.Time
}

var (
	_ storage.CodeStore  = (*Store)(nil)
	_ storage.TokenStore = (*Store)(nil)
)

// Open opens (or creates) the database at path, applies the schema, and
// starts the expiry cleanup loop. The cleanup interval defaults to 1
// minute when zero or negative.
func Open(path string, cleanupInterval time.Duration) (*Store, error) {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:          db,
		stopCleanup: make(chan struct{}),
		logger:      slog.Default(),
		now:         time.Now,
	}

	go s.cleanupLoop(cleanupInterval)

	return s, nil
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetClock overrides the store's time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("storage")
	s.meter = inst.Meter("storage")

	s.refreshCounts(context.Background())
	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.codesCount.Load() },
		func() int64 { return s.pairsCount.Load() },
	)
	if err != nil {
		s.logger.Warn("failed to register storage size callbacks", "error", err)
	}
}

// Close stops the cleanup loop and closes the database
func (s *Store) Close() error {
	close(s.stopCleanup)
	return s.db.Close()
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes
			(code, user_id, client_id, device_name, redirect_uri, scopes,
			 code_challenge, code_challenge_method, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.UserID, code.ClientID, code.DeviceName,
		code.RedirectURI, strings.Join(code.Scopes, " "),
		code.CodeChallenge, code.CodeChallengeMethod,
		code.CreatedAt.UnixMilli(), code.ExpiresAt.UnixMilli())
	if err != nil {
		err = fmt.Errorf("save authorization code: %w", err)
		s.recordOp(ctx, span, "save_authorization_code", err, start)
		return err
	}

	s.codesCount.Add(1)
	s.recordOp(ctx, span, "save_authorization_code", nil, start)
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and removes a code. The
// DELETE ... RETURNING statement is a single write, so of N concurrent
// callers exactly one sees the row and the rest get ErrNotFound.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "consume_authorization_code")
	start := time.Now()

	row := s.db.QueryRowContext(ctx, `
		DELETE FROM authorization_codes WHERE code = ?
		RETURNING code, user_id, client_id, device_name, redirect_uri, scopes,
		          code_challenge, code_challenge_method, created_at, expires_at`,
		code)

	record, err := scanAuthorizationCode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.recordOp(ctx, span, "consume_authorization_code", storage.ErrNotFound, start)
			return nil, storage.ErrNotFound
		}
		err = fmt.Errorf("consume authorization code: %w", err)
		s.recordOp(ctx, span, "consume_authorization_code", err, start)
		return nil, err
	}

	s.codesCount.Add(-1)
	s.recordOp(ctx, span, "consume_authorization_code", nil, start)
	return record, nil
}

// DeleteExpiredCodes removes codes whose expiry is at or before now
func (s *Store) DeleteExpiredCodes(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	s.codesCount.Add(-n)
	return int(n), nil
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_pairs
			(id, user_id, client_id, device_name, scopes,
			 access_token_hash, refresh_token_hash,
			 created_at, access_expires_at, refresh_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pair.ID, pair.UserID, pair.ClientID, pair.DeviceName,
		strings.Join(pair.Scopes, " "),
		pair.AccessTokenHash, pair.RefreshTokenHash,
		pair.CreatedAt.UnixMilli(), pair.AccessExpiresAt.UnixMilli(),
		pair.RefreshExpiresAt.UnixMilli())
	if err != nil {
		err = fmt.Errorf("save token pair: %w", err)
		s.recordOp(ctx, span, "save_token_pair", err, start)
		return err
	}

	s.pairsCount.Add(1)
	s.recordOp(ctx, span, "save_token_pair", nil, start)
	return nil
}

// GetTokenPairByAccessHash retrieves a pair by its access token hash
func (s *Store) GetTokenPairByAccessHash(ctx context.Context, accessHash string) (*storage.TokenPair, error) {
	row := s.db.QueryRowContext(ctx,
		selectTokenPair+` WHERE access_token_hash = ?`, accessHash)
	pair, err := scanTokenPair(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token pair: %w", err)
	}
	return pair, nil
}

// RotateTokenPair atomically replaces the hashes and expiries of the pair
// matching oldRefreshHash. The conditional UPDATE requires the refresh
// expiry to be after cutoff, so concurrent rotations of the same token
// race to one winner and an expired match is dropped and reported as
// ErrNotFound.
func (s *Store) RotateTokenPair(ctx context.Context, oldRefreshHash, newAccessHash, newRefreshHash string, accessExpiresAt, refreshExpiresAt, cutoff time.Time) (*storage.TokenPair, error) {
	ctx, span := s.startSpan(ctx, "rotate_token_pair")
	start := time.Now()

	cutoffMs := cutoff.UnixMilli()

	row := s.db.QueryRowContext(ctx, `
		UPDATE token_pairs
		SET access_token_hash = ?, refresh_token_hash = ?,
		    access_expires_at = ?, refresh_expires_at = ?
		WHERE refresh_token_hash = ? AND refresh_expires_at > ?
		RETURNING id, user_id, client_id, device_name, scopes,
		          access_token_hash, refresh_token_hash,
		          created_at, access_expires_at, refresh_expires_at`,
		newAccessHash, newRefreshHash,
		accessExpiresAt.UnixMilli(), refreshExpiresAt.UnixMilli(),
		oldRefreshHash, cutoffMs)

	pair, err := scanTokenPair(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Drop expired rows lazily so a dead refresh token cannot
			// linger until the cleanup tick.
			if res, derr := s.db.ExecContext(ctx,
				`DELETE FROM token_pairs WHERE refresh_token_hash = ? AND refresh_expires_at <= ?`,
				oldRefreshHash, cutoffMs); derr == nil {
				if n, _ := res.RowsAffected(); n > 0 {
					s.pairsCount.Add(-n)
				}
			}
			s.recordOp(ctx, span, "rotate_token_pair", storage.ErrNotFound, start)
			return nil, storage.ErrNotFound
		}
		err = fmt.Errorf("rotate token pair: %w", err)
		s.recordOp(ctx, span, "rotate_token_pair", err, start)
		return nil, err
	}

	s.recordOp(ctx, span, "rotate_token_pair", nil, start)
	return pair, nil
}

// RevokeTokenByHash deletes any pair whose access or refresh hash matches
func (s *Store) RevokeTokenByHash(ctx context.Context, hash string) error {
	ctx, span := s.startSpan(ctx, "revoke_token_by_hash")
	start := time.Now()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM token_pairs WHERE access_token_hash = ? OR refresh_token_hash = ?`,
		hash, hash)
	if err != nil {
		err = fmt.Errorf("revoke token: %w", err)
		s.recordOp(ctx, span, "revoke_token_by_hash", err, start)
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		err = fmt.Errorf("revoke token: %w", err)
		s.recordOp(ctx, span, "revoke_token_by_hash", err, start)
		return err
	}
	if n == 0 {
		s.recordOp(ctx, span, "revoke_token_by_hash", storage.ErrNotFound, start)
		return storage.ErrNotFound
	}

	s.pairsCount.Add(-n)
	s.recordOp(ctx, span, "revoke_token_by_hash", nil, start)
	return nil
}

// ListUserTokens returns all pairs belonging to userID, most recently
// issued first
func (s *Store) ListUserTokens(ctx context.Context, userID string) ([]*storage.TokenPair, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTokenPair+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user tokens: %w", err)
	}
	defer rows.Close()

	var result []*storage.TokenPair
	for rows.Next() {
		pair, err := scanTokenPair(rows)
		if err != nil {
			return nil, fmt.Errorf("list user tokens: %w", err)
		}
		result = append(result, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list user tokens: %w", err)
	}
	return result, nil
}

// DeleteTokenPair removes the pair with the given ID if it belongs to
// userID
func (s *Store) DeleteTokenPair(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM token_pairs WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete token pair: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete token pair: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	s.pairsCount.Add(-n)
	return nil
}

// DeleteExpiredTokens removes pairs whose refresh expiry is at or before
// now
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM token_pairs WHERE refresh_expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	s.pairsCount.Add(-n)
	return int(n), nil
}

// ============================================================
// Row scanning
// ============================================================

const selectTokenPair = `
	SELECT id, user_id, client_id, device_name, scopes,
	       access_token_hash, refresh_token_hash,
	       created_at, access_expires_at, refresh_expires_at
	FROM token_pairs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthorizationCode(row rowScanner) (*storage.AuthorizationCode, error) {
	var (
		record                   storage.AuthorizationCode
		scopes                   string
		createdAtMs, expiresAtMs int64
	)
	err := row.Scan(&record.Code, &record.UserID, &record.ClientID,
		&record.DeviceName, &record.RedirectURI, &scopes,
		&record.CodeChallenge, &record.CodeChallengeMethod,
		&createdAtMs, &expiresAtMs)
	if err != nil {
		return nil, err
	}
	record.Scopes = splitScopes(scopes)
	record.CreatedAt = time.UnixMilli(createdAtMs)
	record.ExpiresAt = time.UnixMilli(expiresAtMs)
	return &record, nil
}

func scanTokenPair(row rowScanner) (*storage.TokenPair, error) {
	var (
		pair                   storage.TokenPair
		scopes                 string
		createdAtMs            int64
		accessExpMs, refreshMs int64
	)
	err := row.Scan(&pair.ID, &pair.UserID, &pair.ClientID,
		&pair.DeviceName, &scopes,
		&pair.AccessTokenHash, &pair.RefreshTokenHash,
		&createdAtMs, &accessExpMs, &refreshMs)
	if err != nil {
		return nil, err
	}
	pair.Scopes = splitScopes(scopes)
	pair.CreatedAt = time.UnixMilli(createdAtMs)
	pair.AccessExpiresAt = time.UnixMilli(accessExpMs)
	pair.RefreshExpiresAt = time.UnixMilli(refreshMs)
	return &pair, nil
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, " ")
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := s.now()
	codes, err := s.DeleteExpiredCodes(ctx, now)
	if err != nil {
		s.logger.Warn("cleanup of expired codes failed", "error", err)
	}
	pairs, err := s.DeleteExpiredTokens(ctx, now)
	if err != nil {
		s.logger.Warn("cleanup of expired token pairs failed", "error", err)
	}

	if codes > 0 || pairs > 0 {
		s.logger.Debug("storage cleanup completed",
			"expired_codes", codes,
			"expired_token_pairs", pairs)
	}
}

func (s *Store) refreshCounts(ctx context.Context) {
	var codes, pairs int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM authorization_codes`).Scan(&codes); err == nil {
		s.codesCount.Store(codes)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM token_pairs`).Scan(&pairs); err == nil {
		s.pairsCount.Store(pairs)
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
