// Package testutil provides testing utilities and helpers for the
// codegrant library.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/codegrant/storage"
)

// Credentials of the test client wired into test fixtures.
const (
	TestClientID     = "oauth-client-1"
	TestClientSecret = "oauth-client-secret-1"
	TestRedirectURI  = "http://localhost:9000/callback"
)

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// HashSecret bcrypt-hashes a client secret at the cheapest cost, for test
// fixtures only.
func HashSecret(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	return string(hash)
}

// NewTestClient creates the standard test client: confidential, one
// registered redirect URI, scope "foo bar".
func NewTestClient(t *testing.T) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:         TestClientID,
		ClientSecretHash: HashSecret(t, TestClientSecret),
		RedirectURIs:     []string{TestRedirectURI},
		Scopes:           []string{"foo", "bar"},
		CreatedAt:        time.Now(),
	}
}

// NewTestAuthorizationRequest creates a staged request for the test client
func NewTestAuthorizationRequest() *storage.AuthorizationRequest {
	return &storage.AuthorizationRequest{
		ID:           GenerateRandomString(32),
		ClientID:     TestClientID,
		RedirectURI:  TestRedirectURI,
		Scope:        []string{"foo", "bar"},
		State:        GenerateRandomString(32),
		ResponseType: "code",
		CreatedAt:    time.Now(),
	}
}

// NewTestAuthorizationCode creates an issued code for the test client
func NewTestAuthorizationCode() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        GenerateRandomString(32),
		ClientID:    TestClientID,
		RedirectURI: TestRedirectURI,
		Scope:       []string{"foo", "bar"},
		UserID:      "alice",
		CreatedAt:   time.Now(),
	}
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
