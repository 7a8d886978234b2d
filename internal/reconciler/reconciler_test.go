package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v
}

func TestReconcileInstances(t *testing.T) {
	now := ts(t, "2026-08-30T12:00:00Z")
	gone := now.Add(-time.Hour)

	prior := []model.Instance{
		{ID: 1, ServerID: 10, InstanceName: "web-1", AppType: "tomcat", Version: "1.0.0", IP: "10.0.0.5", Port: 8080},
		{ID: 2, ServerID: 10, InstanceName: "web-2", AppType: "tomcat", Version: "1.0.0", IP: "10.0.0.5", Port: 8081},
		{ID: 3, ServerID: 10, InstanceName: "job-1", AppType: "springboot", Version: "2.1.0", IP: "10.0.0.5", Port: 9090, DeletedAt: &gone},
	}

	t.Run("NewInstanceCreates", func(t *testing.T) {
		obs := []ObservedInstance{
			{InstanceName: "web-1", AppType: "tomcat", Version: "1.0.0", IP: "10.0.0.5", Port: 8080},
			{InstanceName: "web-2", AppType: "tomcat", Version: "1.0.0", IP: "10.0.0.5", Port: 8081},
			{InstanceName: "web-3", AppType: "tomcat", Version: "1.0.0", IP: "10.0.0.5", Port: 8082},
		}
		delta := ReconcileInstances(10, prior[:2], obs, now)
		require.Len(t, delta.Creates, 1)
		assert.Equal(t, "web-3", delta.Creates[0].InstanceName)
		assert.Empty(t, delta.Tombstones)
		assert.Empty(t, delta.Versions)
		assert.False(t, delta.Empty())
	})

	t.Run("UnchangedObservationIsEmpty", func(t *testing.T) {
		obs := []ObservedInstance{
			{InstanceName: "web-1", AppType: "tomcat", Version: "1.0.0", IP: "10.0.0.5", Port: 8080},
			{InstanceName: "web-2", AppType: "tomcat", Version: "1.0.0", IP: "10.0.0.5", Port: 8081},
		}
		delta := ReconcileInstances(10, prior[:2], obs, now)
		assert.True(t, delta.Empty())
		assert.Empty(t, delta.Dispatch)
		// last_seen still refreshes through updates
		assert.Len(t, delta.Updates, 2)
	})

	t.Run("AbsenceTombstonesLiveRowsOnly", func(t *testing.T) {
		delta := ReconcileInstances(10, prior, nil, now)
		require.Len(t, delta.Tombstones, 2)
		assert.ElementsMatch(t, []int64{1, 2}, delta.Tombstones)
	})

	t.Run("ReviveKeepsIDWithoutHistoryWhenUnchanged", func(t *testing.T) {
		obs := []ObservedInstance{
			{InstanceName: "job-1", AppType: "springboot", Version: "2.1.0", IP: "10.0.0.5", Port: 9090},
		}
		delta := ReconcileInstances(10, prior, obs, now)
		require.Len(t, delta.Updates, 1)
		assert.True(t, delta.Updates[0].Revive)
		assert.EqualValues(t, 3, delta.Updates[0].Prior.ID)
		assert.Empty(t, delta.Creates)
		assert.Empty(t, delta.Versions)
	})

	t.Run("VersionChangeAcrossReviveRecordsHistory", func(t *testing.T) {
		obs := []ObservedInstance{
			{InstanceName: "job-1", AppType: "springboot", Version: "2.2.0", IP: "10.0.0.5", Port: 9090},
		}
		delta := ReconcileInstances(10, prior, obs, now)
		require.Len(t, delta.Updates, 1)
		assert.True(t, delta.Updates[0].Revive)
		require.Len(t, delta.Versions, 1)
		assert.EqualValues(t, 3, delta.Versions[0].InstanceID)
		assert.Equal(t, "2.1.0", delta.Versions[0].OldVersion)
		assert.Equal(t, "2.2.0", delta.Versions[0].NewVersion)
	})

	t.Run("VersionChangeRecordsHistory", func(t *testing.T) {
		obs := []ObservedInstance{
			{InstanceName: "web-1", AppType: "tomcat", Version: "1.1.0", IP: "10.0.0.5", Port: 8080},
		}
		delta := ReconcileInstances(10, prior[:1], obs, now)
		require.Len(t, delta.Versions, 1)
		v := delta.Versions[0]
		assert.EqualValues(t, 1, v.InstanceID)
		assert.Equal(t, "1.0.0", v.OldVersion)
		assert.Equal(t, "1.1.0", v.NewVersion)
		assert.Equal(t, "agent", v.Actor)
		assert.Equal(t, "observed", v.Reason)
		assert.Equal(t, now, v.ChangedAt)
	})

	t.Run("EmptyObservedVersionRecordsNothing", func(t *testing.T) {
		obs := []ObservedInstance{
			{InstanceName: "web-1", AppType: "tomcat", Version: "", IP: "10.0.0.5", Port: 8080},
		}
		delta := ReconcileInstances(10, prior[:1], obs, now)
		assert.Empty(t, delta.Versions)
	})

	t.Run("AddressChangeDispatchesRemap", func(t *testing.T) {
		obs := []ObservedInstance{
			{InstanceName: "web-1", AppType: "tomcat", Version: "1.0.0", IP: "10.0.0.6", Port: 8080},
		}
		delta := ReconcileInstances(10, prior[:1], obs, now)
		require.Len(t, delta.Dispatch, 1)
		require.NotNil(t, delta.Dispatch[0].Instance)
		assert.EqualValues(t, 1, delta.Dispatch[0].Instance.ID)
	})

	t.Run("DuplicateKeyLastWins", func(t *testing.T) {
		obs := []ObservedInstance{
			{InstanceName: "web-1", AppType: "tomcat", Version: "1.0.0", IP: "10.0.0.5", Port: 8080},
			{InstanceName: "web-1", AppType: "tomcat", Version: "1.2.0", IP: "10.0.0.5", Port: 8080},
		}
		delta := ReconcileInstances(10, prior[:1], obs, now)
		require.Len(t, delta.Warnings, 1)
		assert.Contains(t, delta.Warnings[0], "duplicate instance web-1/tomcat")
		require.Len(t, delta.Versions, 1)
		assert.Equal(t, "1.2.0", delta.Versions[0].NewVersion)
	})

	t.Run("SameNameDifferentAppTypeAreDistinct", func(t *testing.T) {
		obs := []ObservedInstance{
			{InstanceName: "web-1", AppType: "springboot", Version: "1.0.0", IP: "10.0.0.5", Port: 8090},
		}
		delta := ReconcileInstances(10, prior[:1], obs, now)
		assert.Len(t, delta.Creates, 1)
		assert.Equal(t, []int64{1}, delta.Tombstones)
	})
}

func TestReconcileHAProxy(t *testing.T) {
	now := ts(t, "2026-08-30T12:00:00Z")
	gone := now.Add(-time.Hour)
	backendNames := map[int64]string{100: "web_pool", 101: "api_pool"}

	prior := []model.HAProxyServer{
		{ID: 1, BackendID: 100, Name: "web-1", IP: "10.0.0.5", Port: 8080, Status: model.HAProxyUp, Weight: 100},
		{ID: 2, BackendID: 100, Name: "web-2", IP: "10.0.0.6", Port: 8080, Status: model.HAProxyDown, Weight: 100},
		{ID: 3, BackendID: 101, Name: "api-1", IP: "10.0.0.7", Port: 9000, Status: model.HAProxyUp, Weight: 50, RemovedAt: &gone},
	}

	t.Run("CreateDispatchesMapping", func(t *testing.T) {
		obs := []ObservedHAProxyServer{
			{Backend: "web_pool", Name: "web-9", IP: "10.0.0.9", Port: 8080, Status: "UP"},
		}
		delta := ReconcileHAProxy(5, nil, backendNames, obs, now)
		require.Len(t, delta.Creates, 1)
		require.Len(t, delta.Dispatch, 1)
		assert.Equal(t, model.EntityHAProxyServer, delta.Dispatch[0].Kind)
		assert.Equal(t, "web_pool\x00web-9", delta.Dispatch[0].EntityKey)
	})

	t.Run("BackendMoveIsTombstonePlusCreate", func(t *testing.T) {
		obs := []ObservedHAProxyServer{
			{Backend: "api_pool", Name: "web-1", IP: "10.0.0.5", Port: 8080, Status: "UP"},
		}
		delta := ReconcileHAProxy(5, prior[:1], backendNames, obs, now)
		assert.Len(t, delta.Creates, 1)
		assert.Equal(t, []int64{1}, delta.Tombstones)
		assert.Empty(t, delta.Updates)
	})

	t.Run("StatusChangeRecordsHistory", func(t *testing.T) {
		obs := []ObservedHAProxyServer{
			{Backend: "web_pool", Name: "web-2", IP: "10.0.0.6", Port: 8080, Status: "UP"},
		}
		delta := ReconcileHAProxy(5, prior[1:2], backendNames, obs, now)
		require.Len(t, delta.Statuses, 1)
		assert.Equal(t, model.HAProxyDown, delta.Statuses[0].OldStatus)
		assert.Equal(t, model.HAProxyUp, delta.Statuses[0].NewStatus)
		assert.EqualValues(t, 2, delta.Statuses[0].HAProxyServerID)
	})

	t.Run("UnknownStatusFoldsToUnknown", func(t *testing.T) {
		obs := []ObservedHAProxyServer{
			{Backend: "web_pool", Name: "web-1", IP: "10.0.0.5", Port: 8080, Status: "no check"},
		}
		delta := ReconcileHAProxy(5, prior[:1], backendNames, obs, now)
		require.Len(t, delta.Statuses, 1)
		assert.Equal(t, model.HAProxyUnknown, delta.Statuses[0].NewStatus)
	})

	t.Run("ReviveDispatchesWithoutHistoryWhenUnchanged", func(t *testing.T) {
		obs := []ObservedHAProxyServer{
			{Backend: "api_pool", Name: "api-1", IP: "10.0.0.7", Port: 9000, Status: "UP"},
		}
		delta := ReconcileHAProxy(5, prior[2:], backendNames, obs, now)
		require.Len(t, delta.Updates, 1)
		assert.True(t, delta.Updates[0].Revive)
		assert.Empty(t, delta.Statuses)
		require.Len(t, delta.Dispatch, 1)
		assert.Equal(t, "api_pool\x00api-1", delta.Dispatch[0].EntityKey)
	})

	t.Run("StatusChangeAcrossReviveRecordsHistory", func(t *testing.T) {
		obs := []ObservedHAProxyServer{
			{Backend: "api_pool", Name: "api-1", IP: "10.0.0.7", Port: 9000, Status: "DOWN"},
		}
		delta := ReconcileHAProxy(5, prior[2:], backendNames, obs, now)
		require.Len(t, delta.Updates, 1)
		assert.True(t, delta.Updates[0].Revive)
		require.Len(t, delta.Statuses, 1)
		assert.EqualValues(t, 3, delta.Statuses[0].HAProxyServerID)
		assert.Equal(t, model.HAProxyUp, delta.Statuses[0].OldStatus)
		assert.Equal(t, model.HAProxyDown, delta.Statuses[0].NewStatus)
	})

	t.Run("DuplicateMemberWarns", func(t *testing.T) {
		obs := []ObservedHAProxyServer{
			{Backend: "web_pool", Name: "web-1", IP: "10.0.0.5", Port: 8080, Status: "UP"},
			{Backend: "web_pool", Name: "web-1", IP: "10.0.0.5", Port: 8080, Status: "DOWN"},
		}
		delta := ReconcileHAProxy(5, prior[:1], backendNames, obs, now)
		require.Len(t, delta.Warnings, 1)
		assert.Contains(t, delta.Warnings[0], "duplicate haproxy server web_pool/web-1")
		require.Len(t, delta.Statuses, 1)
		assert.Equal(t, model.HAProxyDown, delta.Statuses[0].NewStatus)
	})
}

func TestReconcileEureka(t *testing.T) {
	now := ts(t, "2026-08-30T12:00:00Z")
	gone := now.Add(-time.Hour)

	prior := []model.EurekaInstance{
		{ID: 1, ApplicationID: 200, InstanceID: "web1:orders:8080", IP: "10.0.0.5", Port: 8080, Status: model.EurekaUp},
		{ID: 2, ApplicationID: 200, InstanceID: "web2:orders:8080", IP: "10.0.0.6", Port: 8080, Status: model.EurekaUp, RemovedAt: &gone},
	}

	t.Run("StatusTransition", func(t *testing.T) {
		obs := []ObservedEurekaInstance{
			{App: "ORDERS", InstanceID: "web1:orders:8080", IP: "10.0.0.5", Port: 8080, Status: "OUT_OF_SERVICE"},
		}
		delta := ReconcileEureka(7, prior[:1], obs, now)
		require.Len(t, delta.Statuses, 1)
		assert.Equal(t, model.EurekaUp, delta.Statuses[0].OldStatus)
		assert.Equal(t, model.EurekaOutOfService, delta.Statuses[0].NewStatus)
		assert.Empty(t, delta.Dispatch)
	})

	t.Run("DeregistrationTombstones", func(t *testing.T) {
		delta := ReconcileEureka(7, prior, nil, now)
		assert.Equal(t, []int64{1}, delta.Tombstones)
	})

	t.Run("ReRegistrationRevives", func(t *testing.T) {
		obs := []ObservedEurekaInstance{
			{App: "ORDERS", InstanceID: "web2:orders:8080", IP: "10.0.0.6", Port: 8080, Status: "UP"},
		}
		delta := ReconcileEureka(7, prior, obs, now)
		require.Len(t, delta.Updates, 1)
		assert.True(t, delta.Updates[0].Revive)
		assert.Empty(t, delta.Statuses)
		require.Len(t, delta.Dispatch, 1)
		assert.Equal(t, model.EntityEurekaInstance, delta.Dispatch[0].Kind)
		assert.Equal(t, "web2:orders:8080", delta.Dispatch[0].EntityKey)
	})

	t.Run("StatusChangeAcrossReviveRecordsHistory", func(t *testing.T) {
		obs := []ObservedEurekaInstance{
			{App: "ORDERS", InstanceID: "web2:orders:8080", IP: "10.0.0.6", Port: 8080, Status: "OUT_OF_SERVICE"},
		}
		delta := ReconcileEureka(7, prior, obs, now)
		require.Len(t, delta.Updates, 1)
		assert.True(t, delta.Updates[0].Revive)
		require.Len(t, delta.Statuses, 1)
		assert.EqualValues(t, 2, delta.Statuses[0].EurekaInstanceID)
		assert.Equal(t, model.EurekaUp, delta.Statuses[0].OldStatus)
		assert.Equal(t, model.EurekaOutOfService, delta.Statuses[0].NewStatus)
	})

	t.Run("DuplicateInstanceIDWarns", func(t *testing.T) {
		obs := []ObservedEurekaInstance{
			{App: "ORDERS", InstanceID: "web1:orders:8080", Status: "UP"},
			{App: "ORDERS", InstanceID: "web1:orders:8080", Status: "DOWN"},
		}
		delta := ReconcileEureka(7, prior[:1], obs, now)
		require.Len(t, delta.Warnings, 1)
		assert.Contains(t, delta.Warnings[0], "duplicate eureka instance web1:orders:8080")
	})
}
