//go:build windows

package supervisor

import "os"

// Windows has no SIGTERM; the process is killed outright.
func gracefulSignal(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}

// TerminationSignals are the signals a foreground command should stop on
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
