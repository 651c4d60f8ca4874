package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_sync_go/auth"
)

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "token", "whoami", "profile", "presence", "conversations", "direct", "group", "leave", "send", "upload", "watch", "react"} {
		assert.True(t, names[want], want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("verbose"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("env"))
	assert.NotNil(t, directCmd.Flags().Lookup("reuse"))
}

func TestTokenCommand_IssuesVerifiableToken(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("BACKEND=postgres\nJWT_SECRET=s3cret\nDATABASE_USER=chat\nDATABASE_NAME=chat\n"), 0o600))
	t.Cleanup(func() {
		for _, k := range []string{"BACKEND", "JWT_SECRET", "DATABASE_USER", "DATABASE_NAME"} {
			os.Unsetenv(k)
		}
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--env", envPath, "--id", "u1", "--email", "alice@example.com", "--ttl", "1h"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())

	token := strings.TrimSpace(out.String())
	user, err := auth.NewTokenSession(token, "s3cret").CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, auth.User{ID: "u1", Email: "alice@example.com"}, user)
	assert.Equal(t, time.Hour, tokenTTL)
}
