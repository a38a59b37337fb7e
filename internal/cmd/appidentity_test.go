package cmd

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/internal/appid"
)

func TestAppIdentityLoading(t *testing.T) {
	identity, err := appid.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, identity)

	assert.NotEmpty(t, identity.Vendor)
	assert.Equal(t, "atelier", identity.BinaryName)
	assert.NotEmpty(t, identity.ConfigName)
	assert.True(t, strings.HasSuffix(identity.EnvPrefix, "_"), "env prefix %q must end with an underscore", identity.EnvPrefix)
}

func TestServeOverrides(t *testing.T) {
	assert.Nil(t, serveOverrides(serveCmd))

	require.NoError(t, serveCmd.Flags().Set("port", "9191"))
	t.Cleanup(func() {
		serveCmd.Flags().Lookup("port").Changed = false
		serverPort = 8080
	})

	overrides := serveOverrides(serveCmd)
	require.NotNil(t, overrides)
	assert.Equal(t, map[string]any{"port": 9191}, overrides["server"])
}
