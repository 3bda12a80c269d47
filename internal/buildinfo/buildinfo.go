// Package buildinfo holds build-time metadata injected via ldflags.
package buildinfo

// Set at build time with -ldflags "-X ...buildinfo.Version=v1.2.3".
var (
	Version   = "dev"
	BuildDate = "unknown"
)
