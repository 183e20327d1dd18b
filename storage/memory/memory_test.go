package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskhub/oauth/internal/testutil"
	"github.com/taskhub/oauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewWithInterval(time.Hour)
	t.Cleanup(s.Stop)
	return s
}

func TestSaveAndConsumeAuthorizationCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.ConsumeAuthorizationCode(ctx, code.Code)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, code.UserID, got.UserID)
	testutil.AssertEqual(t, code.ClientID, got.ClientID)
	testutil.AssertEqual(t, code.CodeChallenge, got.CodeChallenge)

	// Second consume must fail: codes are single use.
	_, err = s.ConsumeAuthorizationCode(ctx, code.Code)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on replay, got %v", err)
	}
}

func TestConsumeAuthorizationCodeUnknown(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ConsumeAuthorizationCode(context.Background(), "no-such-code")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveAuthorizationCodeValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	testutil.AssertError(t, s.SaveAuthorizationCode(ctx, nil))
	testutil.AssertError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{}))
}

func TestConsumeAuthorizationCodeConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, code))

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, code.Code); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	testutil.AssertEqual(t, 1, winners)
}

func TestDeleteExpiredCodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	expired := testutil.GenerateTestAuthorizationCode()
	expired.Code = "expired-code"
	expired.ExpiresAt = now.Add(-time.Minute)
	live := testutil.GenerateTestAuthorizationCode()
	live.Code = "live-code"

	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, expired))
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, live))

	removed, err := s.DeleteExpiredCodes(ctx, now)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 1, removed)

	_, err = s.ConsumeAuthorizationCode(ctx, "live-code")
	testutil.AssertNoError(t, err)
}

func TestSaveAndGetTokenPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pair := testutil.GenerateTestTokenPair()
	testutil.AssertNoError(t, s.SaveTokenPair(ctx, pair))

	got, err := s.GetTokenPairByAccessHash(ctx, pair.AccessTokenHash)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, pair.ID, got.ID)
	testutil.AssertEqual(t, pair.UserID, got.UserID)

	_, err = s.GetTokenPairByAccessHash(ctx, "unknown-hash")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateTokenPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pair := testutil.GenerateTestTokenPair()
	testutil.AssertNoError(t, s.SaveTokenPair(ctx, pair))

	newAccessExp := time.Now().Add(time.Hour)
	newRefreshExp := time.Now().Add(30 * 24 * time.Hour)

	rotated, err := s.RotateTokenPair(ctx, pair.RefreshTokenHash, "new-access-hash", "new-refresh-hash", newAccessExp, newRefreshExp, time.Now())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, pair.ID, rotated.ID)
	testutil.AssertEqual(t, "new-access-hash", rotated.AccessTokenHash)
	testutil.AssertEqual(t, "new-refresh-hash", rotated.RefreshTokenHash)

	// Old hashes no longer resolve.
	_, err = s.GetTokenPairByAccessHash(ctx, pair.AccessTokenHash)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for old access hash, got %v", err)
	}
	_, err = s.RotateTokenPair(ctx, pair.RefreshTokenHash, "x", "y", newAccessExp, newRefreshExp, time.Now())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for old refresh hash, got %v", err)
	}

	// New hashes do.
	got, err := s.GetTokenPairByAccessHash(ctx, "new-access-hash")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, pair.ID, got.ID)
}

func TestRotateTokenPairExpiredRefresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pair := testutil.GenerateTestTokenPair()
	pair.RefreshExpiresAt = time.Now().Add(-time.Minute)
	testutil.AssertNoError(t, s.SaveTokenPair(ctx, pair))

	_, err := s.RotateTokenPair(ctx, pair.RefreshTokenHash, "a", "r", time.Now().Add(time.Hour), time.Now().Add(time.Hour), time.Now())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired refresh, got %v", err)
	}

	// Expired pair is gone entirely, not just unrotatable.
	_, err = s.GetTokenPairByAccessHash(ctx, pair.AccessTokenHash)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected expired pair to be deleted, got %v", err)
	}
}

func TestRotateTokenPairCutoffBeforeExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A pair past its expiry still rotates when the caller's cutoff
	// trails the expiry, which is how clock skew grace reaches the store.
	pair := testutil.GenerateTestTokenPair()
	pair.RefreshExpiresAt = time.Now().Add(-time.Minute)
	testutil.AssertNoError(t, s.SaveTokenPair(ctx, pair))

	rotated, err := s.RotateTokenPair(ctx, pair.RefreshTokenHash, "a2", "r2",
		time.Now().Add(time.Hour), time.Now().Add(24*time.Hour), time.Now().Add(-2*time.Minute))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, pair.ID, rotated.ID)
	testutil.AssertEqual(t, "r2", rotated.RefreshTokenHash)
}

func TestRotateTokenPairConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pair := testutil.GenerateTestTokenPair()
	testutil.AssertNoError(t, s.SaveTokenPair(ctx, pair))

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			access := testutil.GenerateRandomString(16)
			refresh := testutil.GenerateRandomString(16)
			_, err := s.RotateTokenPair(ctx, pair.RefreshTokenHash, access, refresh, time.Now().Add(time.Hour), time.Now().Add(24*time.Hour), time.Now())
			if err == nil {
				wins <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	testutil.AssertEqual(t, 1, winners)
}

func TestRevokeTokenByHash(t *testing.T) {
	tests := []struct {
		name   string
		hashOf string
	}{
		{name: "by access hash", hashOf: "access"},
		{name: "by refresh hash", hashOf: "refresh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()

			pair := testutil.GenerateTestTokenPair()
			testutil.AssertNoError(t, s.SaveTokenPair(ctx, pair))

			hash := pair.AccessTokenHash
			if tt.hashOf == "refresh" {
				hash = pair.RefreshTokenHash
			}

			testutil.AssertNoError(t, s.RevokeTokenByHash(ctx, hash))

			_, err := s.GetTokenPairByAccessHash(ctx, pair.AccessTokenHash)
			if !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("expected pair to be deleted, got %v", err)
			}
		})
	}
}

func TestRevokeTokenByHashUnknown(t *testing.T) {
	s := newTestStore(t)

	err := s.RevokeTokenByHash(context.Background(), "unknown")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListUserTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := testutil.GenerateTestTokenPair()
	older.ID = "pair-older"
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := testutil.GenerateTestTokenPair()
	newer.ID = "pair-newer"
	newer.CreatedAt = time.Now()
	other := testutil.GenerateTestTokenPair()
	other.ID = "pair-other"
	other.UserID = "someone-else"

	for _, p := range []*storage.TokenPair{older, newer, other} {
		testutil.AssertNoError(t, s.SaveTokenPair(ctx, p))
	}

	tokens, err := s.ListUserTokens(ctx, older.UserID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 2, len(tokens))
	testutil.AssertEqual(t, "pair-newer", tokens[0].ID)
	testutil.AssertEqual(t, "pair-older", tokens[1].ID)
}

func TestDeleteTokenPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pair := testutil.GenerateTestTokenPair()
	testutil.AssertNoError(t, s.SaveTokenPair(ctx, pair))

	// Wrong owner cannot delete.
	err := s.DeleteTokenPair(ctx, pair.ID, "someone-else")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong owner, got %v", err)
	}

	testutil.AssertNoError(t, s.DeleteTokenPair(ctx, pair.ID, pair.UserID))

	_, err = s.GetTokenPairByAccessHash(ctx, pair.AccessTokenHash)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected pair to be deleted, got %v", err)
	}
}

func TestDeleteExpiredTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	expired := testutil.GenerateTestTokenPair()
	expired.ID = "pair-expired"
	expired.AccessTokenHash = "exp-access"
	expired.RefreshTokenHash = "exp-refresh"
	expired.RefreshExpiresAt = now.Add(-time.Minute)
	live := testutil.GenerateTestTokenPair()
	live.ID = "pair-live"

	testutil.AssertNoError(t, s.SaveTokenPair(ctx, expired))
	testutil.AssertNoError(t, s.SaveTokenPair(ctx, live))

	removed, err := s.DeleteExpiredTokens(ctx, now)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 1, removed)

	_, err = s.GetTokenPairByAccessHash(ctx, live.AccessTokenHash)
	testutil.AssertNoError(t, err)
}

func TestStoreReturnsCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pair := testutil.GenerateTestTokenPair()
	testutil.AssertNoError(t, s.SaveTokenPair(ctx, pair))

	got, err := s.GetTokenPairByAccessHash(ctx, pair.AccessTokenHash)
	testutil.AssertNoError(t, err)

	got.UserID = "mutated"
	got.Scopes[0] = "mutated"

	again, err := s.GetTokenPairByAccessHash(ctx, pair.AccessTokenHash)
	testutil.AssertNoError(t, err)
	testutil.AssertNotEqual(t, "mutated", again.UserID)
	testutil.AssertNotEqual(t, "mutated", again.Scopes[0])
}
