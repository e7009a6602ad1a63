package gateway

import (
	"context"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/engine"
)

// ServeProcess is a running serving process as seen by the gateway
type ServeProcess interface {
	PID() int
	Healthy() bool
	Done() <-chan struct{}
	Err() error
	Tail() []string
	Terminate(grace time.Duration) error
	BytesServed(ctx context.Context) (int64, error)
}

// Launcher spawns serving processes
type Launcher interface {
	Launch(spec engine.ServeSpec) (ServeProcess, error)
}

// EngineLauncher launches serving processes through the engine binding
type EngineLauncher struct {
	Engine *engine.Engine
}

func (l EngineLauncher) Launch(spec engine.ServeSpec) (ServeProcess, error) {
	p, err := l.Engine.Serve(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}
