// Package templates embeds the default config.yaml and routing.yaml written
// by setup.
package templates

import "embed"

//go:embed config.yaml routing.yaml
var FS embed.FS
