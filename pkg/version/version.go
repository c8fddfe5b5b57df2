// Package version derives the build identity reported in log lines and
// the health endpoint from the VCS metadata embedded in the binary.
package version

import (
	"runtime/debug"
	"sync"
)

const app = "astra"

// Full returns "astra/<short revision>", with a "+dirty" suffix for
// builds from a modified tree. Binaries without embedded VCS metadata
// (go test, go run outside a checkout) report "astra/dev".
var Full = sync.OnceValue(func() string {
	revision := "dev"
	dirty := false
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if setting.Value != "" {
					revision = setting.Value
					if len(revision) > 8 {
						revision = revision[:8]
					}
				}
			case "vcs.modified":
				dirty = setting.Value == "true"
			}
		}
	}
	if dirty {
		revision += "+dirty"
	}
	return app + "/" + revision
})
