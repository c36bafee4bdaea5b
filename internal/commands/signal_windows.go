//go:build windows

package commands

import "os"

// shutdownSignals are the signals that stop `stepflow serve`. Windows only
// delivers os.Interrupt.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
