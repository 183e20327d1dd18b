package server

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/taskhub/oauth/internal/testutil"
)

const testClientIP = "203.0.113.7"

// authorize walks the consent approval path and returns the issued code
// along with the verifier that unlocks it.
func authorize(t *testing.T, srv *Server) (code, verifier string) {
	t.Helper()

	challenge, verifier := testutil.GeneratePKCEPair()
	req := validAuthRequest()
	req.CodeChallenge = challenge

	redirect, err := srv.FinishAuthorization(context.Background(), "user-123", testClientIP, req, ConsentDecision{
		Approved:   true,
		DeviceName: "Alice's Laptop",
	})
	testutil.AssertNoError(t, err)

	parsed, err := url.Parse(redirect)
	testutil.AssertNoError(t, err)
	code = parsed.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %q carries no code", redirect)
	}
	return code, verifier
}

func assertOAuthError(t *testing.T, err error, wantCode string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got none", wantCode)
	}
	oauthErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected protocol error, got %T: %v", err, err)
	}
	testutil.AssertEqual(t, wantCode, oauthErr.Code)
}

func TestFinishAuthorizationApprove(t *testing.T) {
	srv := newTestServer(t)

	req := validAuthRequest()
	redirect, err := srv.FinishAuthorization(context.Background(), "user-123", testClientIP, req, ConsentDecision{
		Approved:   true,
		DeviceName: "Work MacBook",
	})
	testutil.AssertNoError(t, err)

	parsed, err := url.Parse(redirect)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, "localhost:8976", parsed.Host)
	testutil.AssertEqual(t, "/callback", parsed.Path)
	testutil.AssertEqual(t, "xyz", parsed.Query().Get("state"))
	testutil.AssertNotEqual(t, "", parsed.Query().Get("code"))
	testutil.AssertEqual(t, "", parsed.Query().Get("error"))
}

func TestFinishAuthorizationDeny(t *testing.T) {
	srv := newTestServer(t)

	req := validAuthRequest()
	redirect, err := srv.FinishAuthorization(context.Background(), "user-123", testClientIP, req, ConsentDecision{
		Approved: false,
	})
	testutil.AssertNoError(t, err)

	parsed, err := url.Parse(redirect)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ErrorCodeAccessDenied, parsed.Query().Get("error"))
	testutil.AssertEqual(t, "xyz", parsed.Query().Get("state"))
	testutil.AssertEqual(t, "", parsed.Query().Get("code"))
}

func TestFinishAuthorizationDenyWithoutState(t *testing.T) {
	srv := newTestServer(t)

	req := validAuthRequest()
	req.State = ""
	redirect, err := srv.FinishAuthorization(context.Background(), "user-123", testClientIP, req, ConsentDecision{
		Approved: false,
	})
	testutil.AssertNoError(t, err)

	parsed, err := url.Parse(redirect)
	testutil.AssertNoError(t, err)
	if _, present := parsed.Query()["state"]; present {
		t.Fatal("state must be omitted when the request carried none")
	}
}

func TestFinishAuthorizationRevalidates(t *testing.T) {
	srv := newTestServer(t)

	// A tampered hidden field must fail validation even though the GET
	// already passed.
	req := validAuthRequest()
	req.RedirectURI = "http://evil.example/callback"

	_, err := srv.FinishAuthorization(context.Background(), "user-123", testClientIP, req, ConsentDecision{
		Approved:   true,
		DeviceName: "Laptop",
	})
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestFinishAuthorizationDeviceNameRequired(t *testing.T) {
	srv := newTestServer(t)

	req := validAuthRequest()
	_, err := srv.FinishAuthorization(context.Background(), "user-123", testClientIP, req, ConsentDecision{
		Approved:   true,
		DeviceName: "  ",
	})
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	token, scope, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "http://localhost:8976/callback", verifier, testClientIP)
	testutil.AssertNoError(t, err)

	testutil.AssertNotEqual(t, "", token.AccessToken)
	testutil.AssertNotEqual(t, "", token.RefreshToken)
	testutil.AssertNotEqual(t, token.AccessToken, token.RefreshToken)
	testutil.AssertEqual(t, "Bearer", token.TokenType)
	testutil.AssertEqual(t, "tasks:read tasks:write", scope)
	testutil.AssertTrue(t, token.Expiry.After(time.Now()), "access token must not be pre-expired")
}

func TestExchangeAuthorizationCodeWithoutRedirectURI(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	// redirect_uri is optional on exchange.
	_, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	testutil.AssertNoError(t, err)
}

func TestExchangeAuthorizationCodeFailures(t *testing.T) {
	tests := []struct {
		name      string
		exchange  func(t *testing.T, srv *Server, code, verifier string) error
		wantCode  string
	}{
		{
			name: "missing code",
			exchange: func(t *testing.T, srv *Server, code, verifier string) error {
				_, _, err := srv.ExchangeAuthorizationCode(context.Background(), "", "cli", "", verifier, testClientIP)
				return err
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "missing verifier",
			exchange: func(t *testing.T, srv *Server, code, verifier string) error {
				_, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", "", testClientIP)
				return err
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "unknown code",
			exchange: func(t *testing.T, srv *Server, code, verifier string) error {
				_, _, err := srv.ExchangeAuthorizationCode(context.Background(), "no-such-code", "cli", "", verifier, testClientIP)
				return err
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "wrong client",
			exchange: func(t *testing.T, srv *Server, code, verifier string) error {
				_, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "web", "", verifier, testClientIP)
				return err
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "wrong redirect_uri",
			exchange: func(t *testing.T, srv *Server, code, verifier string) error {
				_, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "http://localhost:9999/other", verifier, testClientIP)
				return err
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "wrong verifier",
			exchange: func(t *testing.T, srv *Server, code, verifier string) error {
				_, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", strings.Repeat("b", 50), testClientIP)
				return err
			},
			wantCode: ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			code, verifier := authorize(t, srv)
			assertOAuthError(t, tt.exchange(t, srv, code, verifier), tt.wantCode)
		})
	}
}

func TestExchangeAuthorizationCodeSingleUse(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	_, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	testutil.AssertNoError(t, err)

	_, _, err = srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCodeBurnsOnPKCEFailure(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	// A failed PKCE attempt consumes the code; retrying with the right
	// verifier must not succeed.
	_, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", strings.Repeat("b", 50), testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	_, _, err = srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCodeExpired(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	srv.SetClock(func() time.Time { return time.Now().Add(11 * time.Minute) })

	_, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCodeWithinSkewGrace(t *testing.T) {
	srv := newTestServer(t)
	srv.Config.ClockSkewGracePeriod = 60
	code, verifier := authorize(t, srv)

	// 30s past the 10-minute code TTL, inside the 60s grace window.
	srv.SetClock(func() time.Time { return time.Now().Add(10*time.Minute + 30*time.Second) })

	token, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	testutil.AssertNoError(t, err)
	testutil.AssertNotEqual(t, "", token.AccessToken)
}

func TestExchangeAuthorizationCodeBeyondSkewGrace(t *testing.T) {
	srv := newTestServer(t)
	srv.Config.ClockSkewGracePeriod = 60
	code, verifier := authorize(t, srv)

	srv.SetClock(func() time.Time { return time.Now().Add(10*time.Minute + 2*time.Minute) })

	_, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCodeConcurrent(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan *oauth2.Token, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
			if err == nil {
				wins <- token
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

func TestRefreshAccessToken(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	issued, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	testutil.AssertNoError(t, err)

	refreshed, scope, err := srv.RefreshAccessToken(context.Background(), issued.RefreshToken, "cli", testClientIP)
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, "tasks:read tasks:write", scope)
	testutil.AssertNotEqual(t, issued.AccessToken, refreshed.AccessToken)
	testutil.AssertNotEqual(t, issued.RefreshToken, refreshed.RefreshToken)

	// Rotation invalidates the old refresh token.
	_, _, err = srv.RefreshAccessToken(context.Background(), issued.RefreshToken, "cli", testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	// The new one still works.
	_, _, err = srv.RefreshAccessToken(context.Background(), refreshed.RefreshToken, "cli", testClientIP)
	testutil.AssertNoError(t, err)
}

func TestRefreshAccessTokenWithoutClientID(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	issued, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	testutil.AssertNoError(t, err)

	// client_id is optional on refresh.
	_, _, err = srv.RefreshAccessToken(context.Background(), issued.RefreshToken, "", testClientIP)
	testutil.AssertNoError(t, err)
}

func TestRefreshAccessTokenFailures(t *testing.T) {
	srv := newTestServer(t)

	_, _, err := srv.RefreshAccessToken(context.Background(), "", "cli", testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidRequest)

	_, _, err = srv.RefreshAccessToken(context.Background(), "never-issued", "cli", testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestRefreshAccessTokenClientMismatch(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	issued, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	testutil.AssertNoError(t, err)

	_, _, err = srv.RefreshAccessToken(context.Background(), issued.RefreshToken, "web", testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	// The pair is gone entirely; the right client cannot use it either.
	_, _, err = srv.RefreshAccessToken(context.Background(), issued.RefreshToken, "cli", testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestRefreshAccessTokenExpired(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	issued, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	testutil.AssertNoError(t, err)

	// Advance past the refresh TTL on both server and store clocks.
	future := time.Now().Add(31 * 24 * time.Hour)
	srv.SetClock(func() time.Time { return future })
	setStoreClock(t, srv, func() time.Time { return future })

	_, _, err = srv.RefreshAccessToken(context.Background(), issued.RefreshToken, "cli", testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestRefreshAccessTokenWithinSkewGrace(t *testing.T) {
	srv := newTestServer(t)
	srv.Config.RefreshTokenTTL = 60
	srv.Config.ClockSkewGracePeriod = 120
	code, verifier := authorize(t, srv)

	issued, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	testutil.AssertNoError(t, err)

	// 30s past the refresh expiry, inside the 120s grace window.
	srv.SetClock(func() time.Time { return time.Now().Add(90 * time.Second) })

	refreshed, _, err := srv.RefreshAccessToken(context.Background(), issued.RefreshToken, "cli", testClientIP)
	testutil.AssertNoError(t, err)
	testutil.AssertNotEqual(t, issued.RefreshToken, refreshed.RefreshToken)

	// Beyond expiry plus grace the next token is dead.
	srv.SetClock(func() time.Time { return time.Now().Add(10 * time.Minute) })
	_, _, err = srv.RefreshAccessToken(context.Background(), refreshed.RefreshToken, "cli", testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestRefreshAccessTokenConcurrent(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	issued, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	testutil.AssertNoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := srv.RefreshAccessToken(context.Background(), issued.RefreshToken, "cli", testClientIP); err == nil {
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

func TestRevokeToken(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	issued, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	testutil.AssertNoError(t, err)

	// Revoking by refresh token kills the whole pair.
	testutil.AssertNoError(t, srv.RevokeToken(context.Background(), issued.RefreshToken, testClientIP))

	_, _, err = srv.RefreshAccessToken(context.Background(), issued.RefreshToken, "cli", testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestRevokeTokenByAccessToken(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	issued, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, srv.RevokeToken(context.Background(), issued.AccessToken, testClientIP))

	// The paired refresh token died with it.
	_, _, err = srv.RefreshAccessToken(context.Background(), issued.RefreshToken, "cli", testClientIP)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestRevokeTokenUnknown(t *testing.T) {
	srv := newTestServer(t)

	// Unknown tokens and empty input are not errors per RFC 7009.
	testutil.AssertNoError(t, srv.RevokeToken(context.Background(), "never-issued", testClientIP))
	testutil.AssertNoError(t, srv.RevokeToken(context.Background(), "", testClientIP))
}

func TestRevokeTokenIdempotent(t *testing.T) {
	srv := newTestServer(t)
	code, verifier := authorize(t, srv)

	issued, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, srv.RevokeToken(context.Background(), issued.RefreshToken, testClientIP))
	testutil.AssertNoError(t, srv.RevokeToken(context.Background(), issued.RefreshToken, testClientIP))
}

func TestListAndRemoveAuthorizedDevices(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 2; i++ {
		code, verifier := authorize(t, srv)
		_, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "cli", "", verifier, testClientIP)
		testutil.AssertNoError(t, err)
	}

	devices, err := srv.ListAuthorizedDevices(context.Background(), "user-123")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 2, len(devices))

	testutil.AssertNoError(t, srv.RemoveAuthorizedDevice(context.Background(), "user-123", devices[0].ID))

	remaining, err := srv.ListAuthorizedDevices(context.Background(), "user-123")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 1, len(remaining))

	// Unknown and foreign IDs are invalid_request.
	assertOAuthError(t, srv.RemoveAuthorizedDevice(context.Background(), "user-123", "no-such-id"), ErrorCodeInvalidRequest)
	assertOAuthError(t, srv.RemoveAuthorizedDevice(context.Background(), "someone-else", remaining[0].ID), ErrorCodeInvalidRequest)
}

// setStoreClock pushes a clock override into the memory store backing the
// test server.
func setStoreClock(t *testing.T, srv *Server, now func() time.Time) {
	t.Helper()
	type clocked interface{ SetClock(func() time.Time) }
	store, ok := srv.codeStore.(clocked)
	if !ok {
		t.Fatal("test store does not support clock injection")
	}
	store.SetClock(now)
}
