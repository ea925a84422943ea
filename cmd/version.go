package main

import (
	"fmt"
	"strings"
)

// versionString formats the build metadata for the version subcommand.
// Detailed output includes the commit and build date only when the build
// actually injected them.
func versionString(detailed bool) string {
	if !detailed {
		return fmt.Sprintf("parley version %s", version)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "parley version %s", version)
	if commit != "unknown" {
		fmt.Fprintf(&b, "\ncommit: %s", commit)
	}
	if date != "unknown" {
		fmt.Fprintf(&b, "\nbuilt:  %s", date)
	}
	return b.String()
}
