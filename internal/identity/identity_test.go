package identity

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTokens(t *testing.T) {
	r := NewStaticTokens(map[string]string{"secret": "u1", "": "nobody"})

	req := httptest.NewRequest("POST", "/api/chat", nil)
	req.Header.Set("Authorization", "Bearer secret")
	id, err := r.ResolveUserID(req)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	req.Header.Set("Authorization", "bearer wrong")
	_, err = r.ResolveUserID(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	req.Header.Del("Authorization")
	_, err = r.ResolveUserID(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(req))
	req.Header.Set("Authorization", "Bearer   tok ")
	assert.Equal(t, "tok", BearerToken(req))
}
