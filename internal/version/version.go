package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns the version line printed by the CLI and stamped into
// export manifests.
func String() string {
	return "composite.report " + Version + " (" + GitSHA + ", built " + BuildTime + ")"
}
