// Package identity resolves the caller of a request to a user id.
package identity

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver maps an inbound request to the id of the user making it.
type Resolver interface {
	ResolveUserID(r *http.Request) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) (string, error)

func (f ResolverFunc) ResolveUserID(r *http.Request) (string, error) { return f(r) }

// StaticTokens authenticates bearer tokens against a fixed token → user id table.
type StaticTokens struct {
	tokens map[string]string
}

func NewStaticTokens(tokens map[string]string) *StaticTokens {
	m := make(map[string]string, len(tokens))
	for tok, user := range tokens {
		tok = strings.TrimSpace(tok)
		user = strings.TrimSpace(user)
		if tok == "" || user == "" {
			continue
		}
		m[tok] = user
	}
	return &StaticTokens{tokens: m}
}

func (s *StaticTokens) ResolveUserID(r *http.Request) (string, error) {
	tok := BearerToken(r)
	if tok == "" {
		return "", ErrUnauthenticated
	}
	for known, user := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(tok)) == 1 {
			return user, nil
		}
	}
	return "", ErrUnauthenticated
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
