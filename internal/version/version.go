// Package version exposes the build version embedded at compile time.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var raw string

// Get returns the version string with surrounding whitespace trimmed.
func Get() string {
	return strings.TrimSpace(raw)
}
