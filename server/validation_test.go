package server

import (
	"testing"

	"github.com/giantswarm/codegrant/storage"
)

func TestIsRegisteredRedirectURI(t *testing.T) {
	client := &storage.Client{
		ClientID: "c1",
		RedirectURIs: []string{
			"http://localhost:9000/callback",
			"https://example.com/cb",
		},
	}

	tests := []struct {
		name string
		uri  string
		want bool
	}{
		{"exact match first", "http://localhost:9000/callback", true},
		{"exact match second", "https://example.com/cb", true},
		{"trailing slash differs", "http://localhost:9000/callback/", false},
		{"different path", "http://localhost:9000/other", false},
		{"different port", "http://localhost:9001/callback", false},
		{"scheme differs", "https://localhost:9000/callback", false},
		{"prefix only", "http://localhost:9000/call", false},
		{"extra query", "http://localhost:9000/callback?x=1", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRegisteredRedirectURI(client, tt.uri); got != tt.want {
				t.Errorf("isRegisteredRedirectURI(%q) = %v, want %v", tt.uri, got, tt.want)
			}
		})
	}
}

func TestScopeIsSubset(t *testing.T) {
	tests := []struct {
		name      string
		requested []string
		allowed   []string
		want      bool
	}{
		{"equal sets", []string{"foo", "bar"}, []string{"foo", "bar"}, true},
		{"strict subset", []string{"foo"}, []string{"foo", "bar"}, true},
		{"empty requested", nil, []string{"foo"}, true},
		{"superset requested", []string{"foo", "bar", "baz"}, []string{"foo", "bar"}, false},
		{"disjoint", []string{"qux"}, []string{"foo", "bar"}, false},
		{"case sensitive", []string{"FOO"}, []string{"foo"}, false},
		{"duplicates in request", []string{"foo", "foo"}, []string{"foo"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scopeIsSubset(tt.requested, tt.allowed); got != tt.want {
				t.Errorf("scopeIsSubset(%v, %v) = %v, want %v", tt.requested, tt.allowed, got, tt.want)
			}
		})
	}
}

func TestSplitScope(t *testing.T) {
	tests := []struct {
		name  string
		scope string
		want  []string
	}{
		{"two tokens", "foo bar", []string{"foo", "bar"}},
		{"collapses whitespace", "  foo   bar ", []string{"foo", "bar"}},
		{"empty", "", nil},
		{"only spaces", "   ", nil},
		{"single", "foo", []string{"foo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitScope(tt.scope)
			if len(got) != len(tt.want) {
				t.Fatalf("splitScope(%q) = %v, want %v", tt.scope, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("splitScope(%q)[%d] = %q, want %q", tt.scope, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestJoinScope(t *testing.T) {
	if got := joinScope([]string{"foo", "bar"}); got != "foo bar" {
		t.Errorf("joinScope = %q, want %q", got, "foo bar")
	}
	if got := joinScope(nil); got != "" {
		t.Errorf("joinScope(nil) = %q, want empty", got)
	}
}

func TestBuildRedirectURL(t *testing.T) {
	tests := []struct {
		name        string
		redirectURI string
		key, value  string
		want        string
	}{
		{"plain", "http://localhost:9000/callback", "code", "abc", "http://localhost:9000/callback?code=abc"},
		{"merges existing query", "http://localhost:9000/callback?keep=1", "code", "abc", "http://localhost:9000/callback?code=abc&keep=1"},
		{"escapes value", "http://localhost:9000/callback", "state", "a b&c", "http://localhost:9000/callback?state=a+b%26c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildRedirectURL(tt.redirectURI, map[string][]string{tt.key: {tt.value}})
			if got != tt.want {
				t.Errorf("buildRedirectURL = %q, want %q", got, tt.want)
			}
		})
	}
}
