//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

func gracefulSignal(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Signal(syscall.SIGTERM)
}

// TerminationSignals are the signals a foreground command should stop on
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}
