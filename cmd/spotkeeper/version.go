// -------------------------------------------------------------------------------
// Version Subcommand - Print Build Information
//
// Author: Alex Freidah
//
// Prints the binary version, Go version, and target platform. The version is
// set at build time via -ldflags.
// -------------------------------------------------------------------------------

package main

import (
	"fmt"
	"runtime"

	"github.com/afreidah/spotkeeper/internal/telemetry"
)

func runVersion() {
	fmt.Printf("spotkeeper %s %s %s/%s\n",
		telemetry.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
