//go:build unix

package cmd

import (
	"os"

	"golang.org/x/sys/unix"
)

// agentSignals are the signals the agent command handles.
var agentSignals = []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGUSR1}

// isDumpSignal reports whether sig asks for a state dump instead of a
// shutdown.
func isDumpSignal(sig os.Signal) bool { return sig == unix.SIGUSR1 }
