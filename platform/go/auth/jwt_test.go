package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractJWTToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, found := ExtractJWTToken(r)
	require.False(t, found)

	r.Header.Set("Authorization", "bearer abc.def")
	token, found := ExtractJWTToken(r)
	require.True(t, found)
	require.Equal(t, "abc.def", token)

	r.Header.Set("Authorization", "Bearer   ")
	_, found = ExtractJWTToken(r)
	require.False(t, found)

	r.Header.Set("Authorization", "Basic xyz")
	_, found = ExtractJWTToken(r)
	require.False(t, found)
}
