package server

import (
	"strings"

	"github.com/giantswarm/codegrant/storage"
)

// isRegisteredRedirectURI reports whether uri exactly matches one of the
// client's registered redirect URIs. Exact string match only: no prefix
// matching, no path normalization. Anything looser opens the door to code
// leakage via attacker-controlled endpoints.
func isRegisteredRedirectURI(client *storage.Client, uri string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// scopeIsSubset reports whether every requested scope token is in the
// registered set. An empty requested scope is vacuously a subset.
func scopeIsSubset(requested, registered []string) bool {
	for _, req := range requested {
		found := false
		for _, reg := range registered {
			if req == reg {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// splitScope splits a space-delimited scope parameter into tokens.
// Order is preserved; duplicates are not removed.
func splitScope(scope string) []string {
	return strings.Fields(scope)
}

// joinScope canonicalizes a scope token list into the space-joined form
// used in token responses and the audit log.
func joinScope(scope []string) string {
	return strings.Join(scope, " ")
}
