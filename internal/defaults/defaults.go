// Package defaults provides the embedded example configuration written
// by the webpilot init subcommand.
package defaults

import _ "embed"

// ConfigYAML is a complete, commented config.yaml with every default
// spelled out.
//
//go:embed config.example.yaml
var ConfigYAML []byte
