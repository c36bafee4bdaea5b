package commands

import (
	"fmt"

	"stepflow/internal/output"
	"stepflow/internal/ui"
)

// Version information, set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

func RunVersion() {
	output.Print(versionInfo{Version, Commit, Date}, func() {
		fmt.Fprintf(ui.Out, "stepflow version %s (commit %s, built %s)\n", Version, Commit, Date)
	})
}
