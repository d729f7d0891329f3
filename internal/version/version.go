package version

// Build information, set at build time via -ldflags.
var (
	// Version is the semantic version of the gateway.
	Version = "v0.1.0"

	// Commit is the git commit hash.
	Commit = "unknown"

	// BuiltAt is the build timestamp.
	BuiltAt = "unknown"
)

// FullInfo returns complete build information for startup logging.
func FullInfo() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}
