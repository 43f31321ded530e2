package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/guestvk/memutils"
	"github.com/vkngwrapper/guestvk/memutils/metadata"
)

func allocate(t *testing.T, m *metadata.FreeListBlockMetadata, size, alignment int, strategy metadata.AllocationStrategy) metadata.BlockAllocationHandle {
	success, req, err := m.CreateAllocationRequest(size, alignment, strategy)
	require.NoError(t, err)
	require.True(t, success)

	handle, err := m.Alloc(req, nil)
	require.NoError(t, err)
	require.NoError(t, m.Validate())
	return handle
}

func TestFreeListBasicAlloc(t *testing.T) {
	m := metadata.NewFreeListBlockMetadata()
	m.Init(1000)
	require.NoError(t, m.Validate())

	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			ArenaCount: 1,
			ArenaBytes: 1000,
		},
		UnusedRangeCount:     1,
		SuballocationSizeMin: math.MaxInt,
		SuballocationSizeMax: 0,
		UnusedRangeSizeMin:   1000,
		UnusedRangeSizeMax:   1000,
	}, stats)

	alloc1 := allocate(t, m, 100, 1, metadata.AllocationStrategyMinMemory)

	stats.Clear()
	m.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			ArenaCount:         1,
			ArenaBytes:         1000,
			SuballocationCount: 1,
			SuballocationBytes: 100,
		},
		UnusedRangeCount:     1,
		SuballocationSizeMin: 100,
		SuballocationSizeMax: 100,
		UnusedRangeSizeMin:   900,
		UnusedRangeSizeMax:   900,
	}, stats)

	require.NoError(t, m.Free(alloc1))
	require.NoError(t, m.Validate())
	require.True(t, m.IsEmpty())
	require.Equal(t, 1, m.FreeRegionsCount())
	require.Equal(t, 1000, m.SumFreeSize())
}

func TestFreeListAlignmentLeavesPadding(t *testing.T) {
	m := metadata.NewFreeListBlockMetadata()
	m.Init(4096)

	allocate(t, m, 10, 1, metadata.AllocationStrategyMinOffset)
	aligned := allocate(t, m, 64, 256, metadata.AllocationStrategyMinOffset)

	offset, err := m.AllocationOffset(aligned)
	require.NoError(t, err)
	require.Equal(t, 256, offset)

	// padding [10, 256) and tail [320, 4096)
	require.Equal(t, 2, m.FreeRegionsCount())
	require.Equal(t, 4096-74, m.SumFreeSize())
}

func TestFreeListFreeMergesNeighbors(t *testing.T) {
	m := metadata.NewFreeListBlockMetadata()
	m.Init(300)

	a := allocate(t, m, 100, 1, metadata.AllocationStrategyMinOffset)
	b := allocate(t, m, 100, 1, metadata.AllocationStrategyMinOffset)
	c := allocate(t, m, 100, 1, metadata.AllocationStrategyMinOffset)
	require.Equal(t, 0, m.FreeRegionsCount())

	success, _, err := m.CreateAllocationRequest(1, 1, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.False(t, success)

	require.NoError(t, m.Free(a))
	require.NoError(t, m.Free(c))
	require.Equal(t, 2, m.FreeRegionsCount())
	require.NoError(t, m.Validate())

	require.NoError(t, m.Free(b))
	require.Equal(t, 1, m.FreeRegionsCount())
	require.NoError(t, m.Validate())

	require.Error(t, m.Free(b))
}

func TestFreeListAllocationAt(t *testing.T) {
	m := metadata.NewFreeListBlockMetadata()
	m.Init(1024)

	allocate(t, m, 128, 1, metadata.AllocationStrategyMinOffset)
	second := allocate(t, m, 128, 1, metadata.AllocationStrategyMinOffset)

	handle, ok := m.AllocationAt(128)
	require.True(t, ok)
	require.Equal(t, second, handle)

	_, ok = m.AllocationAt(64)
	require.False(t, ok)

	require.Error(t, m.FreeAtOffset(64))
	require.NoError(t, m.FreeAtOffset(128))
	_, ok = m.AllocationAt(128)
	require.False(t, ok)
	require.NoError(t, m.Validate())
}

func TestFreeListBestFitPicksSmallestRegion(t *testing.T) {
	m := metadata.NewFreeListBlockMetadata()
	m.Init(1000)

	a := allocate(t, m, 300, 1, metadata.AllocationStrategyMinOffset)
	allocate(t, m, 10, 1, metadata.AllocationStrategyMinOffset)
	b := allocate(t, m, 200, 1, metadata.AllocationStrategyMinOffset)
	allocate(t, m, 10, 1, metadata.AllocationStrategyMinOffset)

	require.NoError(t, m.Free(a))
	require.NoError(t, m.Free(b))

	// free regions: [0,300), [310,510), [520,1000)
	best := allocate(t, m, 150, 1, metadata.AllocationStrategyMinMemory)
	offset, err := m.AllocationOffset(best)
	require.NoError(t, err)
	require.Equal(t, 310, offset)
}

func TestFreeListClear(t *testing.T) {
	m := metadata.NewFreeListBlockMetadata()
	m.Init(1000)

	allocate(t, m, 100, 1, metadata.AllocationStrategyMinTime)
	allocate(t, m, 200, 1, metadata.AllocationStrategyMinTime)

	m.Clear()
	require.NoError(t, m.Validate())
	require.True(t, m.IsEmpty())
	require.Equal(t, 1000, m.SumFreeSize())
}

func TestFreeListRandomNeverOverlaps(t *testing.T) {
	const blockSize = 1 << 20
	rng := rand.New(rand.NewSource(1))

	strategies := []metadata.AllocationStrategy{
		metadata.AllocationStrategyMinTime,
		metadata.AllocationStrategyMinMemory,
		metadata.AllocationStrategyMinOffset,
	}

	for _, strategy := range strategies {
		t.Run(strategy.String(), func(t *testing.T) {
			m := metadata.NewFreeListBlockMetadata()
			m.Init(blockSize)

			var live []metadata.BlockAllocationHandle
			for i := 0; i < 2000; i++ {
				if len(live) > 0 && rng.Intn(3) == 0 {
					index := rng.Intn(len(live))
					require.NoError(t, m.Free(live[index]))
					live = append(live[:index], live[index+1:]...)
				} else {
					size := 1 + rng.Intn(16*1024)
					alignment := 1 << rng.Intn(9)
					success, req, err := m.CreateAllocationRequest(size, alignment, strategy)
					require.NoError(t, err)
					if !success {
						continue
					}
					require.Zero(t, req.Offset%alignment)

					handle, err := m.Alloc(req, i)
					require.NoError(t, err)
					live = append(live, handle)
				}
				require.NoError(t, m.Validate())
			}

			end := 0
			err := m.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
				require.GreaterOrEqual(t, offset, end)
				end = offset + size
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, blockSize, end)
			require.Equal(t, len(live), m.AllocationCount())

			for _, handle := range live {
				require.NoError(t, m.Free(handle))
			}
			require.True(t, m.IsEmpty())
			require.Equal(t, 1, m.FreeRegionsCount())
		})
	}
}
