// Package appidentityassets embeds the application identity so a binary
// copied away from the repository still knows its name and env prefix.
package appidentityassets

import _ "embed"

// YAML mirrors .fulmen/app.yaml and must be updated alongside it.
//
//go:embed app.yaml
var YAML []byte
