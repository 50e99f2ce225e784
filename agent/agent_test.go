package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/giantswarm/codegrant"
	"github.com/giantswarm/codegrant/internal/testutil"
	"github.com/giantswarm/codegrant/server"
	"github.com/giantswarm/codegrant/storage/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgent(t *testing.T, config Config) *Agent {
	t.Helper()
	if config.ClientID == "" {
		config.ClientID = testutil.TestClientID
	}
	if config.ClientSecret == "" {
		config.ClientSecret = testutil.TestClientSecret
	}
	if config.RedirectURI == "" {
		config.RedirectURI = testutil.TestRedirectURI
	}
	if config.AuthorizationEndpoint == "" {
		config.AuthorizationEndpoint = "http://localhost:9001/authorize"
	}
	if config.TokenEndpoint == "" {
		config.TokenEndpoint = "http://localhost:9001/token"
	}
	a, err := New(config, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

// newAuthServer wires a full authorization server over httptest and
// returns it together with the protocol core for direct staging.
func newAuthServer(t *testing.T) (*httptest.Server, *server.Server) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := server.New(store, store, store, store, nil, discardLogger())
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	if err := store.SaveClient(context.Background(), testutil.NewTestClient(t)); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	mux := http.NewServeMux()
	codegrant.NewHandler(srv, discardLogger()).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, srv
}

func TestBeginAuthorizationBuildsURL(t *testing.T) {
	a := newTestAgent(t, Config{Scope: "foo bar"})

	authorizeURL := a.BeginAuthorization()
	u, err := url.Parse(authorizeURL)
	if err != nil {
		t.Fatalf("failed to parse authorize URL: %v", err)
	}

	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q, want code", q.Get("response_type"))
	}
	if q.Get("client_id") != testutil.TestClientID {
		t.Errorf("client_id = %q, want %q", q.Get("client_id"), testutil.TestClientID)
	}
	if q.Get("redirect_uri") != testutil.TestRedirectURI {
		t.Errorf("redirect_uri = %q, want %q", q.Get("redirect_uri"), testutil.TestRedirectURI)
	}
	if q.Get("scope") != "foo bar" {
		t.Errorf("scope = %q, want %q", q.Get("scope"), "foo bar")
	}
	if q.Get("state") == "" {
		t.Error("state is empty")
	}
}

func TestBeginAuthorizationRotatesState(t *testing.T) {
	a := newTestAgent(t, Config{})

	u1, _ := url.Parse(a.BeginAuthorization())
	u2, _ := url.Parse(a.BeginAuthorization())

	if u1.Query().Get("state") == u2.Query().Get("state") {
		t.Error("two attempts produced the same state")
	}
}

func TestBeginAuthorizationDiscardsToken(t *testing.T) {
	a := newTestAgent(t, Config{})
	a.token = &Token{AccessToken: "stale"}

	a.BeginAuthorization()

	if a.Token() != nil {
		t.Error("stale token survived a new authorization attempt")
	}
}

func TestCallbackStateMismatchNeverHitsTokenEndpoint(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
	}))
	defer tokenSrv.Close()

	a := newTestAgent(t, Config{TokenEndpoint: tokenSrv.URL})
	a.BeginAuthorization()

	query := url.Values{
		"code":  {"attacker-supplied-code"},
		"state": {"forged-state"},
	}
	_, err := a.HandleCallback(context.Background(), query)
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("error = %v, want ErrStateMismatch", err)
	}
	if got := tokenCalls.Load(); got != 0 {
		t.Errorf("token endpoint was called %d times, want 0", got)
	}
}

func TestCallbackWithoutPendingAttempt(t *testing.T) {
	a := newTestAgent(t, Config{})

	_, err := a.HandleCallback(context.Background(), url.Values{"code": {"x"}, "state": {"y"}})
	if !errors.Is(err, ErrNoPendingAuthorization) {
		t.Errorf("error = %v, want ErrNoPendingAuthorization", err)
	}
}

func TestExchangeCodeForm(t *testing.T) {
	var form url.Values
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse exchange form: %v", err)
		}
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","scope":"foo"}`))
	}))
	defer tokenSrv.Close()

	a := newTestAgent(t, Config{TokenEndpoint: tokenSrv.URL})
	u, _ := url.Parse(a.BeginAuthorization())
	state := u.Query().Get("state")

	if _, err := a.HandleCallback(context.Background(), url.Values{
		"code":  {"issued-code"},
		"state": {state},
	}); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	if got := form.Get("grant_type"); got != "authorization_code" {
		t.Errorf("grant_type = %q, want authorization_code", got)
	}
	if got := form.Get("code"); got != "issued-code" {
		t.Errorf("code = %q, want issued-code", got)
	}
	if got := form.Get("redirect_uri"); got != testutil.TestRedirectURI {
		t.Errorf("redirect_uri = %q, want %q", got, testutil.TestRedirectURI)
	}
}

func TestCallbackErrorParameter(t *testing.T) {
	a := newTestAgent(t, Config{})
	u, _ := url.Parse(a.BeginAuthorization())
	state := u.Query().Get("state")

	_, err := a.HandleCallback(context.Background(), url.Values{
		"error": {"access_denied"},
		"state": {state},
	})
	if err == nil {
		t.Fatal("expected error for access_denied callback")
	}
	if a.Token() != nil {
		t.Error("token set after denied callback")
	}
}

func TestCallbackErrorReportedOverStaleState(t *testing.T) {
	a := newTestAgent(t, Config{})
	a.BeginAuthorization()

	// A denial whose state no longer matches still reports the server's
	// error code; either way the attempt is over without an exchange.
	_, err := a.HandleCallback(context.Background(), url.Values{
		"error": {"access_denied"},
		"state": {"stale"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrStateMismatch) {
		t.Errorf("error = %v, want the server's error, not a state mismatch", err)
	}
	if !strings.Contains(err.Error(), "access_denied") {
		t.Errorf("error = %v, want it to carry access_denied", err)
	}
}

func TestFetchResourceWithoutToken(t *testing.T) {
	var resourceCalls atomic.Int32
	resourceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resourceCalls.Add(1)
	}))
	defer resourceSrv.Close()

	a := newTestAgent(t, Config{ResourceURL: resourceSrv.URL})

	_, err := a.FetchResource(context.Background())
	if !errors.Is(err, ErrNoAccessToken) {
		t.Fatalf("error = %v, want ErrNoAccessToken", err)
	}
	if got := resourceCalls.Load(); got != 0 {
		t.Errorf("resource was called %d times, want 0", got)
	}
}

func TestFullGrantRoundTrip(t *testing.T) {
	ts, srv := newAuthServer(t)

	resourceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if len(auth) < 8 || auth[:7] != "Bearer " {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"resource":"ok"}`))
	}))
	defer resourceSrv.Close()

	a := newTestAgent(t, Config{
		AuthorizationEndpoint: ts.URL + "/authorize",
		TokenEndpoint:         ts.URL + "/token",
		ResourceURL:           resourceSrv.URL,
		Scope:                 "foo bar",
	})

	// Front channel: the agent hands the user agent an authorize URL; the
	// server stages the request and the owner approves it.
	authorizeURL, err := url.Parse(a.BeginAuthorization())
	if err != nil {
		t.Fatalf("failed to parse authorize URL: %v", err)
	}
	q := authorizeURL.Query()

	req, err := srv.StageAuthorization(context.Background(),
		q.Get("client_id"), q.Get("redirect_uri"), q.Get("scope"), q.Get("state"), q.Get("response_type"))
	if err != nil {
		t.Fatalf("StageAuthorization() error = %v", err)
	}
	redirectURL, err := srv.Approve(context.Background(), req.ID, server.Decision{
		Approved: true,
		UserID:   "alice",
		Scope:    []string{"foo", "bar"},
	})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	// Back channel: the agent redeems the code against the live /token
	// endpoint.
	callback, err := url.Parse(redirectURL)
	if err != nil {
		t.Fatalf("failed to parse callback URL: %v", err)
	}
	token, err := a.HandleCallback(context.Background(), callback.Query())
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if token.AccessToken == "" {
		t.Fatal("empty access token")
	}
	if token.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", token.TokenType)
	}
	if token.Scope != "foo bar" {
		t.Errorf("Scope = %q, want %q", token.Scope, "foo bar")
	}

	// The token works at the protected resource.
	data, err := a.FetchResource(context.Background())
	if err != nil {
		t.Fatalf("FetchResource() error = %v", err)
	}
	if string(data) != `{"resource":"ok"}` {
		t.Errorf("resource data = %q", string(data))
	}
}

func TestCallbackReplayRejected(t *testing.T) {
	ts, srv := newAuthServer(t)

	a := newTestAgent(t, Config{
		AuthorizationEndpoint: ts.URL + "/authorize",
		TokenEndpoint:         ts.URL + "/token",
		Scope:                 "foo",
	})

	authorizeURL, _ := url.Parse(a.BeginAuthorization())
	q := authorizeURL.Query()
	req, err := srv.StageAuthorization(context.Background(),
		q.Get("client_id"), q.Get("redirect_uri"), q.Get("scope"), q.Get("state"), q.Get("response_type"))
	if err != nil {
		t.Fatalf("StageAuthorization() error = %v", err)
	}
	redirectURL, err := srv.Approve(context.Background(), req.ID, server.Decision{
		Approved: true, UserID: "alice", Scope: []string{"foo"},
	})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	callback, _ := url.Parse(redirectURL)

	if _, err := a.HandleCallback(context.Background(), callback.Query()); err != nil {
		t.Fatalf("first callback error = %v", err)
	}

	// Replaying the same callback answers no pending attempt.
	if _, err := a.HandleCallback(context.Background(), callback.Query()); !errors.Is(err, ErrNoPendingAuthorization) {
		t.Errorf("replayed callback error = %v, want ErrNoPendingAuthorization", err)
	}
}
