package main

import "github.com/lyrobin/gembatch/internal/cmd"

// Populated by the linker at release build time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	cmd.Execute()
}
