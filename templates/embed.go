// Package templates embeds the files written by taskweave init.
package templates

import "embed"

//go:embed config.yaml workspace.yaml
var FS embed.FS
