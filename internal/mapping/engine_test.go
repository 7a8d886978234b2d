package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

func TestPickCandidate(t *testing.T) {
	web1 := model.Instance{ID: 1, ServerName: "web1", InstanceName: "orders-1", IP: "10.0.0.5", Port: 8080}
	web1b := model.Instance{ID: 2, ServerName: "web1", InstanceName: "orders-2", IP: "10.0.0.5", Port: 8081}
	web2 := model.Instance{ID: 3, ServerName: "web2", InstanceName: "orders-3", IP: "10.0.0.5", Port: 8080}
	noPort := model.Instance{ID: 4, ServerName: "web3", InstanceName: "orders-4", IP: "10.0.0.5", Port: 0}

	tests := []struct {
		name       string
		candidates []model.Instance
		port       int
		hostHint   string
		wantID     int64
		ambiguous  bool
	}{
		{
			name: "no candidates", port: 8080,
		},
		{
			name:       "single candidate wins outright",
			candidates: []model.Instance{web1},
			wantID:     1,
		},
		{
			name:       "exact port narrows to one",
			candidates: []model.Instance{web1, web1b},
			port:       8081,
			wantID:     2,
		},
		{
			name:       "port narrows then lowest id",
			candidates: []model.Instance{web2, web1},
			port:       8080,
			wantID:     1,
		},
		{
			name:       "host hint breaks port tie",
			candidates: []model.Instance{web1, web2},
			port:       8080,
			hostHint:   "web2:orders:8080",
			wantID:     3,
		},
		{
			name:       "no compatible port unmaps",
			candidates: []model.Instance{web1, web1b},
			port:       9999,
		},
		{
			name:       "port-unknown candidate does not narrow",
			candidates: []model.Instance{noPort, {ID: 5, ServerName: "web4", IP: "10.0.0.5", Port: 0}},
			port:       8080,
			ambiguous:  true,
		},
		{
			name:       "lone port-unknown candidate is kept",
			candidates: []model.Instance{noPort},
			port:       8080,
			wantID:     4,
		},
		{
			name:       "no discriminator at all is ambiguous",
			candidates: []model.Instance{web1, web2},
			ambiguous:  true,
		},
		{
			name:       "host hint alone narrows",
			candidates: []model.Instance{web1, web2},
			hostHint:   "web1.corp.example",
			wantID:     1,
		},
		{
			name:       "host hint plural falls back to lowest id",
			candidates: []model.Instance{web1b, web1},
			hostHint:   "web1",
			wantID:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			best, ambiguous := pickCandidate(tt.candidates, tt.port, tt.hostHint)
			assert.Equal(t, tt.ambiguous, ambiguous)
			if tt.wantID == 0 {
				assert.Nil(t, best)
				return
			}
			require.NotNil(t, best)
			assert.Equal(t, tt.wantID, best.ID)
		})
	}
}

func TestStickyKey(t *testing.T) {
	assert.Equal(t, "fleetd:mapping:sticky:haproxy_server:42",
		stickyKey(model.EntityHAProxyServer, 42))
	assert.Equal(t, "fleetd:mapping:sticky:eureka_instance:7",
		stickyKey(model.EntityEurekaInstance, 7))
}
