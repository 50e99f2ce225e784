package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"testing"

	"github.com/giantswarm/codegrant/internal/testutil"
	"github.com/giantswarm/codegrant/storage"
	"github.com/giantswarm/codegrant/storage/memory"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(store, store, store, store, nil, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := store.SaveClient(context.Background(), testutil.NewTestClient(t)); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	return srv
}

func stageTestRequest(t *testing.T, srv *Server) *storage.AuthorizationRequest {
	t.Helper()
	req, err := srv.StageAuthorization(context.Background(),
		testutil.TestClientID, testutil.TestRedirectURI, "foo bar", "xyz-state", "code")
	if err != nil {
		t.Fatalf("StageAuthorization() error = %v", err)
	}
	return req
}

// parseRedirect parses a redirect URL produced by the server and returns
// its query values.
func parseRedirect(t *testing.T, rawURL string) url.Values {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("failed to parse redirect URL %q: %v", rawURL, err)
	}
	return u.Query()
}

func TestStageAuthorizationUnknownClient(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.StageAuthorization(context.Background(),
		"no-such-client", testutil.TestRedirectURI, "foo", "s", "code")
	if !errors.Is(err, ErrUnknownClient) {
		t.Errorf("error = %v, want ErrUnknownClient", err)
	}
}

func TestStageAuthorizationRedirectURIMismatch(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.StageAuthorization(context.Background(),
		testutil.TestClientID, "http://evil.example/callback", "foo", "s", "code")
	if !errors.Is(err, ErrRedirectURIMismatch) {
		t.Errorf("error = %v, want ErrRedirectURIMismatch", err)
	}

	// A mismatched redirect URI must never produce a RedirectError.
	var redirectErr *RedirectError
	if errors.As(err, &redirectErr) {
		t.Error("redirect URI mismatch produced a RedirectError; must be rendered locally")
	}
}

func TestStageAuthorizationExcessiveScope(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.StageAuthorization(context.Background(),
		testutil.TestClientID, testutil.TestRedirectURI, "foo bar secrets", "xyz", "code")

	var redirectErr *RedirectError
	if !errors.As(err, &redirectErr) {
		t.Fatalf("error = %v, want *RedirectError", err)
	}
	if redirectErr.Code != ErrorCodeInvalidScope {
		t.Errorf("Code = %q, want %q", redirectErr.Code, ErrorCodeInvalidScope)
	}

	q := parseRedirect(t, redirectErr.URL())
	if q.Get("error") != ErrorCodeInvalidScope {
		t.Errorf("error param = %q, want %q", q.Get("error"), ErrorCodeInvalidScope)
	}
	if q.Get("state") != "xyz" {
		t.Errorf("state param = %q, want %q", q.Get("state"), "xyz")
	}
}

func TestStageAuthorizationSuccess(t *testing.T) {
	srv := newTestServer(t)

	req := stageTestRequest(t, srv)
	if req.ID == "" {
		t.Error("staged request has empty ID")
	}
	if req.ClientID != testutil.TestClientID {
		t.Errorf("ClientID = %q, want %q", req.ClientID, testutil.TestClientID)
	}
	if len(req.Scope) != 2 || req.Scope[0] != "foo" || req.Scope[1] != "bar" {
		t.Errorf("Scope = %v, want [foo bar]", req.Scope)
	}
	if req.State != "xyz-state" {
		t.Errorf("State = %q, want %q", req.State, "xyz-state")
	}
}

func TestApproveDenied(t *testing.T) {
	srv := newTestServer(t)
	req := stageTestRequest(t, srv)

	redirectURL, err := srv.Approve(context.Background(), req.ID, Decision{Approved: false})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	q := parseRedirect(t, redirectURL)
	if q.Get("error") != ErrorCodeAccessDenied {
		t.Errorf("error param = %q, want %q", q.Get("error"), ErrorCodeAccessDenied)
	}
	if q.Get("state") != req.State {
		t.Errorf("state param = %q, want %q", q.Get("state"), req.State)
	}
	if q.Get("code") != "" {
		t.Error("denied approval carried a code")
	}
}

func TestApproveUnsupportedResponseType(t *testing.T) {
	srv := newTestServer(t)

	req, err := srv.StageAuthorization(context.Background(),
		testutil.TestClientID, testutil.TestRedirectURI, "foo", "st", "token")
	if err != nil {
		t.Fatalf("StageAuthorization() error = %v", err)
	}

	redirectURL, err := srv.Approve(context.Background(), req.ID, Decision{
		Approved: true,
		UserID:   "alice",
		Scope:    []string{"foo"},
	})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	q := parseRedirect(t, redirectURL)
	if q.Get("error") != ErrorCodeUnsupportedResponseType {
		t.Errorf("error param = %q, want %q", q.Get("error"), ErrorCodeUnsupportedResponseType)
	}
}

func TestApproveUnknownRequestID(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.Approve(context.Background(), "never-staged", Decision{Approved: true})
	if !errors.Is(err, storage.ErrRequestNotFound) {
		t.Errorf("error = %v, want ErrRequestNotFound", err)
	}
}

func TestApproveConsumesRequest(t *testing.T) {
	srv := newTestServer(t)
	req := stageTestRequest(t, srv)

	if _, err := srv.Approve(context.Background(), req.ID, Decision{Approved: false}); err != nil {
		t.Fatalf("first Approve() error = %v", err)
	}

	// The staged request was consumed by the denial; a replayed form
	// submission must fail even if it now approves.
	_, err := srv.Approve(context.Background(), req.ID, Decision{
		Approved: true, UserID: "alice", Scope: []string{"foo"},
	})
	if !errors.Is(err, storage.ErrRequestNotFound) {
		t.Errorf("replayed Approve() error = %v, want ErrRequestNotFound", err)
	}
}

func TestApproveTamperedScope(t *testing.T) {
	srv := newTestServer(t)
	req := stageTestRequest(t, srv)

	redirectURL, err := srv.Approve(context.Background(), req.ID, Decision{
		Approved: true,
		UserID:   "alice",
		Scope:    []string{"foo", "secrets"},
	})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	q := parseRedirect(t, redirectURL)
	if q.Get("error") != ErrorCodeInvalidScope {
		t.Errorf("error param = %q, want %q", q.Get("error"), ErrorCodeInvalidScope)
	}
	if q.Get("code") != "" {
		t.Error("tampered consent produced a code")
	}
}

func TestApproveIssuesCode(t *testing.T) {
	srv := newTestServer(t)
	req := stageTestRequest(t, srv)

	redirectURL, err := srv.Approve(context.Background(), req.ID, Decision{
		Approved: true,
		UserID:   "alice",
		Scope:    []string{"foo"},
	})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	q := parseRedirect(t, redirectURL)
	code := q.Get("code")
	if code == "" {
		t.Fatal("redirect carries no code")
	}
	if q.Get("state") != req.State {
		t.Errorf("state param = %q, want %q", q.Get("state"), req.State)
	}

	token, err := srv.ExchangeAuthorizationCode(context.Background(), code, testutil.TestClientID)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	if token.Scope != "foo" {
		t.Errorf("token Scope = %q, want %q", token.Scope, "foo")
	}
	if token.ClientID != testutil.TestClientID {
		t.Errorf("token ClientID = %q, want %q", token.ClientID, testutil.TestClientID)
	}
}

func TestExchangeCodeReplay(t *testing.T) {
	srv := newTestServer(t)
	req := stageTestRequest(t, srv)

	redirectURL, err := srv.Approve(context.Background(), req.ID, Decision{
		Approved: true, UserID: "alice", Scope: []string{"foo", "bar"},
	})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	code := parseRedirect(t, redirectURL).Get("code")

	if _, err := srv.ExchangeAuthorizationCode(context.Background(), code, testutil.TestClientID); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	if _, err := srv.ExchangeAuthorizationCode(context.Background(), code, testutil.TestClientID); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("replayed exchange error = %v, want ErrCodeNotFound", err)
	}
}

func TestExchangeCodeClientMismatchBurnsCode(t *testing.T) {
	srv := newTestServer(t)
	req := stageTestRequest(t, srv)

	redirectURL, err := srv.Approve(context.Background(), req.ID, Decision{
		Approved: true, UserID: "alice", Scope: []string{"foo"},
	})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	code := parseRedirect(t, redirectURL).Get("code")

	if _, err := srv.ExchangeAuthorizationCode(context.Background(), code, "other-client"); !errors.Is(err, ErrCodeClientMismatch) {
		t.Fatalf("mismatched exchange error = %v, want ErrCodeClientMismatch", err)
	}

	// The failed attempt burned the code; the rightful client cannot
	// redeem it either.
	if _, err := srv.ExchangeAuthorizationCode(context.Background(), code, testutil.TestClientID); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("exchange after burn error = %v, want ErrCodeNotFound", err)
	}
}

func TestExchangeRecordsTokenInLog(t *testing.T) {
	srv := newTestServer(t)
	req := stageTestRequest(t, srv)

	redirectURL, err := srv.Approve(context.Background(), req.ID, Decision{
		Approved: true, UserID: "alice", Scope: []string{"foo", "bar"},
	})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	code := parseRedirect(t, redirectURL).Get("code")

	token, err := srv.ExchangeAuthorizationCode(context.Background(), code, testutil.TestClientID)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	logged, err := srv.tokens.ListAccessTokens(context.Background())
	if err != nil {
		t.Fatalf("ListAccessTokens() error = %v", err)
	}
	if len(logged) != 1 {
		t.Fatalf("token log has %d entries, want 1", len(logged))
	}
	if logged[0].Token != token.Token {
		t.Errorf("logged token = %q, want %q", logged[0].Token, token.Token)
	}
	if logged[0].Scope != "foo bar" {
		t.Errorf("logged scope = %q, want %q", logged[0].Scope, "foo bar")
	}
}

func TestAuthenticateClient(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	client, err := srv.AuthenticateClient(ctx, testutil.TestClientID, testutil.TestClientSecret)
	if err != nil {
		t.Fatalf("AuthenticateClient() error = %v", err)
	}
	if client.ClientID != testutil.TestClientID {
		t.Errorf("ClientID = %q, want %q", client.ClientID, testutil.TestClientID)
	}

	if _, err := srv.AuthenticateClient(ctx, testutil.TestClientID, "wrong"); !errors.Is(err, storage.ErrInvalidClientCredentials) {
		t.Errorf("wrong secret error = %v, want ErrInvalidClientCredentials", err)
	}
	if _, err := srv.AuthenticateClient(ctx, "ghost", testutil.TestClientSecret); !errors.Is(err, storage.ErrInvalidClientCredentials) {
		t.Errorf("unknown client error = %v, want ErrInvalidClientCredentials", err)
	}
}

func TestStateWithSpecialCharactersSurvivesRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	state := "a b&c=d?e"
	req, err := srv.StageAuthorization(context.Background(),
		testutil.TestClientID, testutil.TestRedirectURI, "foo", state, "code")
	if err != nil {
		t.Fatalf("StageAuthorization() error = %v", err)
	}

	redirectURL, err := srv.Approve(context.Background(), req.ID, Decision{
		Approved: true, UserID: "alice", Scope: []string{"foo"},
	})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	if got := parseRedirect(t, redirectURL).Get("state"); got != state {
		t.Errorf("state after round trip = %q, want %q", got, state)
	}
}
