package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/codegrant/internal/testutil"
	"github.com/giantswarm/codegrant/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests are skipped if no Valkey is reachable. Each test gets a unique
// prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("codegranttest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestClientRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testutil.NewTestClient(t)
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, client.ClientID)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != testutil.TestRedirectURI {
		t.Errorf("RedirectURIs = %v, want [%s]", got.RedirectURIs, testutil.TestRedirectURI)
	}

	if _, err := s.GetClient(ctx, "nope"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(unknown) error = %v, want ErrClientNotFound", err)
	}
}

func TestValidateClientSecret(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte(testutil.TestClientSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	client := testutil.NewTestClient(t)
	client.ClientSecretHash = string(hash)
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	if err := s.ValidateClientSecret(ctx, client.ClientID, testutil.TestClientSecret); err != nil {
		t.Errorf("ValidateClientSecret(correct) error = %v", err)
	}
	if err := s.ValidateClientSecret(ctx, client.ClientID, "wrong"); !errors.Is(err, storage.ErrInvalidClientCredentials) {
		t.Errorf("ValidateClientSecret(wrong) error = %v, want ErrInvalidClientCredentials", err)
	}
	if err := s.ValidateClientSecret(ctx, "unknown", testutil.TestClientSecret); !errors.Is(err, storage.ErrInvalidClientCredentials) {
		t.Errorf("ValidateClientSecret(unknown client) error = %v, want ErrInvalidClientCredentials", err)
	}
}

func TestTakeAuthorizationRequestSingleUse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	req := testutil.NewTestAuthorizationRequest()
	if err := s.SaveAuthorizationRequest(ctx, req); err != nil {
		t.Fatalf("SaveAuthorizationRequest() error = %v", err)
	}

	got, err := s.TakeAuthorizationRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("TakeAuthorizationRequest() error = %v", err)
	}
	if got.ClientID != req.ClientID || got.State != req.State {
		t.Errorf("request = %+v, want %+v", got, req)
	}

	if _, err := s.TakeAuthorizationRequest(ctx, req.ID); !errors.Is(err, storage.ErrRequestNotFound) {
		t.Errorf("second take error = %v, want ErrRequestNotFound", err)
	}
}

func TestTakeAuthorizationCodeConcurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := testutil.NewTestAuthorizationCode()
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const attempts = 10
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TakeAuthorizationCode(ctx, code.Code); err == nil {
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
	if winners != 1 {
		t.Errorf("%d concurrent takes succeeded, want exactly 1", winners)
	}
}

func TestCodeExpiryMapsToKeyTTL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := testutil.NewTestAuthorizationCode()
	code.ExpiresAt = time.Now().Add(1 * time.Second)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	if _, err := s.TakeAuthorizationCode(ctx, code.Code); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("take after expiry error = %v, want ErrCodeNotFound", err)
	}
}

func TestTokenLogOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tok := &storage.AccessToken{
			Token:    fmt.Sprintf("tok-%d", i),
			ClientID: testutil.TestClientID,
			Scope:    "foo bar",
			IssuedAt: time.Now(),
		}
		if err := s.AppendAccessToken(ctx, tok); err != nil {
			t.Fatalf("AppendAccessToken() error = %v", err)
		}
	}

	tokens, err := s.ListAccessTokens(ctx)
	if err != nil {
		t.Fatalf("ListAccessTokens() error = %v", err)
	}
	if len(tokens) != 3 {
		t.Fatalf("got %d tokens, want 3", len(tokens))
	}
	for i, tok := range tokens {
		if want := fmt.Sprintf("tok-%d", i); tok.Token != want {
			t.Errorf("token[%d] = %q, want %q", i, tok.Token, want)
		}
	}
}

func TestListClients(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		client := testutil.NewTestClient(t)
		client.ClientID = fmt.Sprintf("client-%d", i)
		if err := s.SaveClient(ctx, client); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 3 {
		t.Errorf("got %d clients, want 3", len(clients))
	}
}
