package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

func gid(v int64) *int64 { return &v }

func TestPartitionByStrategy(t *testing.T) {
	strategy := map[int64]model.GroupingStrategy{
		1: model.GroupByGroup,
		2: model.GroupByServer,
		3: model.GroupOneAtATime,
	}

	t.Run("ByGroupBatchesWholeGroup", func(t *testing.T) {
		parts := partitionByStrategy([]model.Instance{
			{ID: 10, ServerID: 100, GroupID: gid(1)},
			{ID: 11, ServerID: 101, GroupID: gid(1)},
			{ID: 12, ServerID: 100, GroupID: gid(1)},
		}, strategy)
		require.Len(t, parts, 1)
		require.NotNil(t, parts[0].GroupID)
		assert.EqualValues(t, 1, *parts[0].GroupID)
		assert.Nil(t, parts[0].ServerID)
		assert.Equal(t, []int64{10, 11, 12}, parts[0].InstanceIDs)
	})

	t.Run("ByServerSplitsPerHost", func(t *testing.T) {
		parts := partitionByStrategy([]model.Instance{
			{ID: 10, ServerID: 100, GroupID: gid(2)},
			{ID: 11, ServerID: 101, GroupID: gid(2)},
			{ID: 12, ServerID: 100, GroupID: gid(2)},
		}, strategy)
		require.Len(t, parts, 2)
		require.NotNil(t, parts[0].ServerID)
		assert.EqualValues(t, 100, *parts[0].ServerID)
		assert.Equal(t, []int64{10, 12}, parts[0].InstanceIDs)
		assert.EqualValues(t, 101, *parts[1].ServerID)
		assert.Equal(t, []int64{11}, parts[1].InstanceIDs)
	})

	t.Run("OneAtATimeMakesSingletons", func(t *testing.T) {
		parts := partitionByStrategy([]model.Instance{
			{ID: 10, ServerID: 100, GroupID: gid(3)},
			{ID: 11, ServerID: 100, GroupID: gid(3)},
		}, strategy)
		require.Len(t, parts, 2)
		for i, p := range parts {
			assert.Len(t, p.InstanceIDs, 1)
			assert.EqualValues(t, 10+i, p.InstanceIDs[0])
			require.NotNil(t, p.GroupID)
			assert.EqualValues(t, 3, *p.GroupID)
		}
	})

	t.Run("UngroupedBatchesPerServer", func(t *testing.T) {
		parts := partitionByStrategy([]model.Instance{
			{ID: 10, ServerID: 100},
			{ID: 11, ServerID: 101},
			{ID: 12, ServerID: 100},
		}, nil)
		require.Len(t, parts, 2)
		assert.Equal(t, []int64{10, 12}, parts[0].InstanceIDs)
		assert.Equal(t, []int64{11}, parts[1].InstanceIDs)
		assert.Nil(t, parts[0].GroupID)
	})

	t.Run("UnknownGroupDefaultsToByGroup", func(t *testing.T) {
		parts := partitionByStrategy([]model.Instance{
			{ID: 10, ServerID: 100, GroupID: gid(99)},
			{ID: 11, ServerID: 101, GroupID: gid(99)},
		}, strategy)
		require.Len(t, parts, 1)
		require.NotNil(t, parts[0].GroupID)
		assert.EqualValues(t, 99, *parts[0].GroupID)
	})

	t.Run("MixedStrategiesKeepOrder", func(t *testing.T) {
		parts := partitionByStrategy([]model.Instance{
			{ID: 10, ServerID: 100, GroupID: gid(1)},
			{ID: 11, ServerID: 100, GroupID: gid(2)},
			{ID: 12, ServerID: 101},
			{ID: 13, ServerID: 102, GroupID: gid(3)},
		}, strategy)
		require.Len(t, parts, 4)
		// group batches first, then server batches, then singletons
		assert.NotNil(t, parts[0].GroupID)
		assert.Equal(t, []int64{10}, parts[0].InstanceIDs)
		require.NotNil(t, parts[1].ServerID)
		assert.EqualValues(t, 100, *parts[1].ServerID)
		assert.EqualValues(t, 101, *parts[2].ServerID)
		assert.Equal(t, []int64{13}, parts[3].InstanceIDs)
		require.NotNil(t, parts[3].ServerID)
		assert.EqualValues(t, 102, *parts[3].ServerID)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		assert.Empty(t, partitionByStrategy(nil, strategy))
	})
}
