package version

import (
	"fmt"
	"runtime"
)

var (
	// Name of the application
	AppName = "syncbox"

	// Version of the application
	Version = "2.0.0-dev"

	// Git commit hash of the application
	Revision = "HEAD"

	// Build date of the application
	BuildDate = ""
)

func Detailed() string {
	return fmt.Sprintf("%s %s (%s; %s; %s/%s)", AppName, Version, Revision, BuildDate, runtime.GOOS, runtime.GOARCH)
}
