// Package appid resolves the application identity, falling back to the copy
// embedded in the binary when no .fulmen/app.yaml is found on disk.
package appid

import (
	"context"
	"strings"

	"github.com/fulmenhq/gofulmen/appidentity"

	appidentityassets "github.com/atelierhq/atelier/internal/assets/appidentity"
)

// Fallbacks used when the identity is missing a field.
const (
	DefaultBinaryName = "atelier"
	DefaultEnvPrefix  = "ATELIER_"
)

func init() {
	// An explicit FULMEN_APP_IDENTITY_PATH still wins over the embedded copy.
	_ = appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML)
}

// Get returns the process-wide identity.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	return appidentity.Get(ctx)
}

// EnvPrefix returns the identity's environment prefix, always ending in "_".
func EnvPrefix(identity *appidentity.Identity) string {
	prefix := DefaultEnvPrefix
	if identity != nil && strings.TrimSpace(identity.EnvPrefix) != "" {
		prefix = strings.TrimSpace(identity.EnvPrefix)
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}

// BinaryName returns the identity's binary name or the default.
func BinaryName(identity *appidentity.Identity) string {
	if identity != nil && strings.TrimSpace(identity.BinaryName) != "" {
		return identity.BinaryName
	}
	return DefaultBinaryName
}

// ConfigName returns the name used for config and data directories.
func ConfigName(identity *appidentity.Identity) string {
	if identity != nil && strings.TrimSpace(identity.ConfigName) != "" {
		return identity.ConfigName
	}
	return BinaryName(identity)
}
