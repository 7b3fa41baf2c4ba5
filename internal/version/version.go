package version

import "fmt"

// Build metadata, set with -ldflags "-X" at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line. It is recorded with every
// run so stored results can be traced to the engine that produced them.
func String() string {
	return fmt.Sprintf("simcash %s (commit %s, built %s)", Version, Commit, BuildDate)
}
