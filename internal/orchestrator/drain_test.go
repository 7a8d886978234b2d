package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

func TestDrainBundle(t *testing.T) {
	targets := []drainTarget{
		{Server: model.HAProxyServer{ID: 11, BackendID: 100, Name: "web-1", IP: "10.0.0.5", Port: 8080, Status: model.HAProxyUp}, Backend: "web_pool"},
		{Server: model.HAProxyServer{ID: 12, BackendID: 101, Name: "api-1", IP: "10.0.0.7", Port: 9000, Status: model.HAProxyUp}, Backend: "api_pool"},
	}

	b := drainBundle("task-1", "haproxy_state", targets)

	assert.Equal(t, "task-1", b.TaskID)
	assert.Equal(t, model.TaskDrain, b.Kind)
	assert.Equal(t, "haproxy_state", b.Playbook)
	// state bundles need no callback; the wait loop owns completion
	assert.Empty(t, b.CallbackURL)
	assert.Empty(t, b.Targets)

	require.Len(t, b.StateTargets, 2)
	first := b.StateTargets[0]
	assert.EqualValues(t, 11, first.HAProxyServerID)
	assert.Equal(t, "web_pool", first.Backend)
	assert.Equal(t, "web-1", first.Name)
	assert.Equal(t, "10.0.0.5", first.IP)
	assert.Equal(t, 8080, first.Port)
	for _, st := range b.StateTargets {
		assert.Equal(t, string(model.HAProxyDrain), st.State)
	}
}
