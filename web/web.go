// Package web embeds the browser client's static build output.
package web

import "embed"

//go:embed all:dist
var FS embed.FS
