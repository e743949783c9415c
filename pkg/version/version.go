package version

import (
	"fmt"
	"runtime"
)

const UnreleasedVersion = "dev"

// Version is the current git version of the code. Release builds set it with -ldflags "-X".
var Version = UnreleasedVersion

// String describes the build for the version command and startup logs.
func String() string {
	return fmt.Sprintf("claimload %s (%s %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
