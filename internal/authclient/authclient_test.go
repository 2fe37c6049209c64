package authclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTokenInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "user-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"user":"rsutormin","expires":1999999999}`))
	}))
	defer server.Close()

	client := New(server.URL)
	info, err := client.GetTokenInfo(context.Background(), "user-token")
	require.NoError(t, err)
	assert.Equal(t, "rsutormin", info.User)
	assert.EqualValues(t, 1999999999, info.Expires)
}

func TestGetUserFailsWhenAuthRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer server.Close()

	client := New(server.URL)
	_, err := client.GetUser(context.Background(), "bad-token")
	assert.Error(t, err)
}

func TestVerifyToken(t *testing.T) {
	hash := HashToken("secret-callback-token")
	assert.True(t, VerifyToken("secret-callback-token", hash))
	assert.False(t, VerifyToken("wrong-token", hash))
}
