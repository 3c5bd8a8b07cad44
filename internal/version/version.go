// Package version exposes build information for the -version flag.
package version

// Version is overridden at build time with
// -ldflags "-X github.com/burakelmali/anisync/internal/version.Version=v1.2.3".
var Version = "dev"
