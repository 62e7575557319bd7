// Command cua_agent drives the perceive-plan-act-verify desktop
// automation loop: it reads goal prompts from stdin and runs each
// through the Orchestrator until it completes, halts, or the operator
// sends a blank line.
package main

import (
	"os"
	"runtime/debug"

	"github.com/cua-agent/cua-agent/internal/commands"
)

// version is set via ldflags (-X main.version=v1.0.0) or detected
// automatically from Go module info embedded by go install.
var version = "dev"

func main() {
	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	if err := commands.Execute(version); err != nil {
		os.Exit(1)
	}
}
