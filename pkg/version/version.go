package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
	// Engine is the sync engine's own version line, when it could be queried
	Engine string `json:"engine,omitempty"`
}

func Get() *Info {
	return &Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i *Info) String() string {
	s := fmt.Sprintf("cloudstream %s (%s) built %s %s", i.Version, i.GitCommit, i.BuildTime, i.Platform)
	if i.Engine != "" {
		s += "\nengine: " + i.Engine
	}
	return s
}

func (i *Info) Short() string {
	return i.Version
}

// UserAgent identifies cloudstream to remote APIs it calls directly
func UserAgent() string {
	return fmt.Sprintf("cloudstream/%s (%s)", Version, runtime.GOOS)
}
