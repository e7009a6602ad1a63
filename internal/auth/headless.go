package auth

import (
	"os"
	"runtime"
)

// IsHeadless reports whether a browser cannot be opened on this machine, in
// which case the consent URL must be shown to the user instead
func IsHeadless() bool {
	if os.Getenv("CLOUDSTREAM_NO_BROWSER") != "" {
		return true
	}
	if os.Getenv("CI") != "" || os.Getenv("GITHUB_ACTIONS") != "" {
		return true
	}
	if runtime.GOOS != "windows" && runtime.GOOS != "darwin" && os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
		return true
	}
	if os.Getenv("SSH_CONNECTION") != "" || os.Getenv("SSH_TTY") != "" {
		return true
	}
	return false
}
