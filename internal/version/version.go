package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build stamp injected at link time.
func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}
