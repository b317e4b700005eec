// Package version — название и версия приложения.
package version

const (
	Name    = "sovereign-engine"
	Version = "0.3.0"
)
