package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyr33x/goqtt/internal/auth"
	"github.com/pyr33x/goqtt/internal/mqtt"
)

func TestAnonymousAcceptsCredentiallessConnection(t *testing.T) {
	a := auth.Anonymous(mqtt.DefaultQuota())

	id, err := a.Authenticate(context.Background(), mqtt.ConnectionRequest{ClientIdentifier: "c1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	principal, ok, err := a.GetPrincipal(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "anonymous", principal.Username)
}

func TestAnonymousRejectsUnknownUsername(t *testing.T) {
	a := auth.Anonymous(mqtt.DefaultQuota())

	id, err := a.Authenticate(context.Background(), mqtt.ConnectionRequest{
		Credentials: &mqtt.Credentials{Username: "someone"},
	})
	require.NoError(t, err)
	assert.Equal(t, "", id)
}

func TestStaticAuthenticatorChecksUsernameOnly(t *testing.T) {
	a := auth.NewStatic(map[string]mqtt.Principal{
		"alice": {Username: "alice", Quota: mqtt.DefaultQuota()},
	})

	id, err := a.Authenticate(context.Background(), mqtt.ConnectionRequest{
		Credentials: &mqtt.Credentials{Username: "alice", Password: "anything"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, ok, err := a.GetPrincipal(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}
