// Package templates embeds the default configuration written by mend init.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
