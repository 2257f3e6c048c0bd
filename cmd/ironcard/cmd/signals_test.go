package cmd

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentSignals(t *testing.T) {
	assert.Contains(t, agentSignals, os.Interrupt)
	assert.False(t, isDumpSignal(os.Interrupt))
	for _, sig := range agentSignals {
		if isDumpSignal(sig) {
			assert.NotEqual(t, os.Interrupt, sig)
		}
	}
}
