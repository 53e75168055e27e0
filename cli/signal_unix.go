//go:build !windows

package cli

import (
	"os"
	"syscall"
)

// StopSignals end a long-running command gracefully.
var StopSignals = []os.Signal{
	os.Interrupt,
	syscall.SIGTERM,
	syscall.SIGHUP,
}
