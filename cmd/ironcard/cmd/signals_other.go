//go:build !unix

package cmd

import (
	"os"
	"syscall"
)

// There is no SIGUSR1 here; the state dump is only reachable on unix.
var agentSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func isDumpSignal(os.Signal) bool { return false }
