package auth

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDevTokenCommandPrintsUnsignedToken(t *testing.T) {
	cmd := Command()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"devtoken",
		"--project-id", "local-licensing",
		"--user-id", "ops-1",
		"--email", "ops@licensing.example",
		"--admin",
		"--roles", "admin,auditor",
	})
	require.NoError(t, cmd.Execute())

	parts := strings.Split(strings.TrimSpace(out.String()), ".")
	require.Len(t, parts, 2)
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	var claims map[string]any
	require.NoError(t, json.Unmarshal(raw, &claims))
	require.Equal(t, "ops-1", claims["sub"])
	require.Equal(t, true, claims["isAdmin"])
	require.Equal(t, []any{"admin", "auditor"}, claims["roles"])
	require.NotContains(t, claims, "tenantId")
}

func TestDevTokenCommandRequiresUser(t *testing.T) {
	cmd := Command()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"devtoken", "--project-id", "p", "--email", "a@example.com"})
	require.Error(t, cmd.Execute())
}
