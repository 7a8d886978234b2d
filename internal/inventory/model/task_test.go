package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
}

func TestValidTaskKind(t *testing.T) {
	for _, k := range []TaskKind{TaskStart, TaskStop, TaskRestart, TaskUpdate, TaskDrain, TaskCustom} {
		assert.True(t, ValidTaskKind(k), string(k))
	}
	assert.False(t, ValidTaskKind("reboot"))
	assert.False(t, ValidTaskKind(""))
}

func TestValidUpdateMode(t *testing.T) {
	assert.True(t, ValidUpdateMode(ModeDeliver))
	assert.True(t, ValidUpdateMode(ModeImmediate))
	assert.True(t, ValidUpdateMode(ModeNightRestart))
	assert.False(t, ValidUpdateMode("rolling"))
}

func TestParseHAProxyStatus(t *testing.T) {
	assert.Equal(t, HAProxyUp, ParseHAProxyStatus("UP"))
	assert.Equal(t, HAProxyDrain, ParseHAProxyStatus("DRAIN"))
	assert.Equal(t, HAProxyUnknown, ParseHAProxyStatus("no check"))
	assert.Equal(t, HAProxyUnknown, ParseHAProxyStatus("up"))
}

func TestParseEurekaStatus(t *testing.T) {
	assert.Equal(t, EurekaOutOfService, ParseEurekaStatus("OUT_OF_SERVICE"))
	assert.Equal(t, EurekaUnknown, ParseEurekaStatus("PAUSED"))
}
