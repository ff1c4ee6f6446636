// Package version carries the build identity stamped at link time.
package version

// Version is overridden via -ldflags "-X kait/internal/version.Version=...".
var Version = "0.4.0-dev"

// String returns the human-readable build identity.
func String() string {
	return "kait " + Version
}
