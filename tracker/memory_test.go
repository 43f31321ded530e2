package tracker_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/tracker"
	"github.com/vkngwrapper/guestvk/transport"
	"go.uber.org/mock/gomock"
)

func TestHostVisibleMemorySharesAnArena(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	first := f.allocateMemory(t, f.device, hostVisibleType, MiB)
	second := f.allocateMemory(t, f.device, hostVisibleType, MiB)
	require.NotEqual(t, first, second)

	// No AllocateMemory reaches the encoder: both are carved out of one host allocation
	require.Len(t, f.arenas, 1)
	require.Equal(t, hostVisibleType, f.arenas[0].MemoryTypeIndex)
	require.Len(t, f.arenaMemory, 1)

	firstData, res, err := f.tracker.MapMemory(first, 0, common.WholeSize)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Len(t, firstData, MiB)

	secondData, _, err := f.tracker.MapMemory(second, 128, 256)
	require.NoError(t, err)
	require.Len(t, secondData, 256)

	for i := range firstData {
		firstData[i] = 0xAB
	}
	for _, b := range secondData {
		require.Zero(t, b)
	}

	require.NoError(t, f.tracker.FreeMemory(f.enc, first))
	require.NoError(t, f.tracker.FreeMemory(f.enc, first))
	require.NoError(t, f.tracker.Validate())
}

func TestMapMemory(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	memory := f.allocateMemory(t, f.device, hostVisibleType, 4096)

	data, _, err := f.tracker.MapMemory(memory, 1024, common.WholeSize)
	require.NoError(t, err)
	require.Len(t, data, 3072)

	_, res, err := f.tracker.MapMemory(memory, 0, 16)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorMemoryMapFailed, res)

	f.tracker.UnmapMemory(memory)

	_, res, err = f.tracker.MapMemory(memory, 4000, 200)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorMemoryMapFailed, res)

	data, _, err = f.tracker.MapMemory(memory, 4000, 96)
	require.NoError(t, err)
	require.Len(t, data, 96)
	require.Equal(t, 96, cap(data))
}

func TestConcurrentMapsOnlyOneSucceeds(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	memory := f.allocateMemory(t, f.device, hostVisibleType, 4096)

	var mapped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, res, err := f.tracker.MapMemory(memory, 0, common.WholeSize)
			if err == nil {
				mapped.Add(1)
			} else if res != core1_0.VKErrorMemoryMapFailed {
				t.Errorf("unexpected result %v", res)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), mapped.Load())

	_, res, err := f.tracker.MapMemory(f.device, 0, 16)
	require.ErrorIs(t, err, registry.ErrWrongKind)
	require.Equal(t, core1_0.VKErrorUnknown, res)
}

func TestDeviceLocalMemoryLivesOnHost(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	var hostMemory registry.Handle
	f.enc.EXPECT().AllocateMemory(f.device, gomock.Any(), transport.MemoryAllocateInfo{
		AllocationSize:  64 * MiB,
		MemoryTypeIndex: deviceLocalType,
	}).DoAndReturn(func(_, memory registry.Handle, _ transport.MemoryAllocateInfo) (common.VkResult, error) {
		hostMemory = memory
		return core1_0.VKSuccess, nil
	})

	memory := f.allocateMemory(t, f.device, deviceLocalType, 64*MiB)
	require.Equal(t, hostMemory, memory)
	require.Empty(t, f.arenas)

	_, res, err := f.tracker.MapMemory(memory, 0, common.WholeSize)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorMemoryMapFailed, res)

	f.enc.EXPECT().FreeMemory(f.device, memory).Return(nil)
	require.NoError(t, f.tracker.FreeMemory(f.enc, memory))
	require.NoError(t, f.tracker.FreeMemory(f.enc, memory))
}

func TestDeviceLocalAllocationFailure(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	f.enc.EXPECT().AllocateMemory(f.device, gomock.Any(), gomock.Any()).Return(core1_0.VKErrorOutOfDeviceMemory, errInjected)

	memory, res, err := f.tracker.AllocateMemory(f.enc, f.device, core1_0.MemoryAllocateInfo{
		AllocationSize:  MiB,
		MemoryTypeIndex: deviceLocalType,
	}, tracker.DedicatedAllocation{})
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.True(t, memory.IsNull())
	require.Zero(t, f.stats(t, false).Objects.DeviceMemory)
}

func TestAllocateMemoryRejectsBadRequests(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	_, _, err := f.tracker.AllocateMemory(f.enc, f.device, core1_0.MemoryAllocateInfo{
		AllocationSize:  0,
		MemoryTypeIndex: hostVisibleType,
	}, tracker.DedicatedAllocation{})
	require.Error(t, err)

	_, _, err = f.tracker.AllocateMemory(f.enc, f.device, core1_0.MemoryAllocateInfo{
		AllocationSize:  MiB,
		MemoryTypeIndex: 2,
	}, tracker.DedicatedAllocation{})
	require.Error(t, err)

	_, _, err = f.tracker.AllocateMemory(f.enc, f.queue, core1_0.MemoryAllocateInfo{
		AllocationSize:  MiB,
		MemoryTypeIndex: hostVisibleType,
	}, tracker.DedicatedAllocation{})
	require.ErrorIs(t, err, registry.ErrWrongKind)
}

func TestDeviceAddressAllocationNeedsVulkan12(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	allocateInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  MiB,
		MemoryTypeIndex: hostVisibleType,
		NextOptions: common.NextOptions{Next: core1_1.MemoryAllocateFlagsInfo{
			Flags: core1_2.MemoryAllocateDeviceAddress,
		}},
	}

	_, res, err := f.tracker.AllocateMemory(f.enc, f.device, allocateInfo, tracker.DedicatedAllocation{})
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorFeatureNotPresent, res)
	require.Empty(t, f.arenas)

	device := f.createDevice(t, common.Vulkan1_2)

	_, _, err = f.tracker.AllocateMemory(f.enc, device, allocateInfo, tracker.DedicatedAllocation{})
	require.NoError(t, err)

	// Device-address memory gets an arena of its own, rounded to a page
	require.Len(t, f.arenas, 1)
	require.True(t, f.arenas[0].DeviceAddress)
	require.Equal(t, MiB, f.arenas[0].AllocationSize)

	f.allocateMemory(t, device, hostVisibleType, MiB)
	require.Len(t, f.arenas, 2)
	require.False(t, f.arenas[1].DeviceAddress)
}

func TestDedicatedAllocationNeedsExtension(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	buffer := f.createBuffer(t, 4096)

	allocateInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  4096,
		MemoryTypeIndex: hostVisibleType,
	}

	_, res, err := f.tracker.AllocateMemory(f.enc, f.device, allocateInfo, tracker.DedicatedAllocation{Buffer: buffer})
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorExtensionNotPresent, res)

	device := f.createDevice(t, common.Vulkan1_0, khr_dedicated_allocation.ExtensionName)
	deviceBuffer, _, err := f.tracker.CreateBuffer(f.enc, device, core1_0.BufferCreateInfo{Size: 4096})
	require.NoError(t, err)

	// The dedicated buffer must belong to the allocating device
	_, _, err = f.tracker.AllocateMemory(f.enc, device, allocateInfo, tracker.DedicatedAllocation{Buffer: buffer})
	require.Error(t, err)

	_, _, err = f.tracker.AllocateMemory(f.enc, device, allocateInfo, tracker.DedicatedAllocation{Buffer: deviceBuffer})
	require.NoError(t, err)
	require.Len(t, f.arenas, 1)
	require.Equal(t, deviceBuffer, f.arenas[0].DedicatedBuffer)
	require.Equal(t, 4096, f.arenas[0].AllocationSize)
}

func TestBindBufferMemoryTranslatesOffset(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	f.allocateMemory(t, f.device, hostVisibleType, MiB)
	memory := f.allocateMemory(t, f.device, hostVisibleType, MiB)
	require.Len(t, f.arenaMemory, 1)
	arena := f.arenaMemory[0]

	buffer := f.createBuffer(t, 1024)

	var hostOffset int
	f.enc.EXPECT().BindMemory(f.device, buffer, arena, gomock.Any()).DoAndReturn(
		func(_, _, _ registry.Handle, offset int) (common.VkResult, error) {
			hostOffset = offset
			return core1_0.VKSuccess, nil
		})

	res, err := f.tracker.BindBufferMemory(f.enc, buffer, memory, 256)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Zero(t, (hostOffset-256)%64)

	// The host offset addresses the same byte of the arena as the guest mapping
	data, _, err := f.tracker.MapMemory(memory, 256, 1)
	require.NoError(t, err)
	data[0] = 0x5A
	require.Equal(t, byte(0x5A), f.hostMappings[0][hostOffset])
	require.NotEqual(t, 256, hostOffset)

	// A buffer is bound once
	_, err = f.tracker.BindBufferMemory(f.enc, buffer, memory, 0)
	require.Error(t, err)
}

func TestBindOutsideMemoryIsRejected(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	memory := f.allocateMemory(t, f.device, hostVisibleType, 4096)
	buffer := f.createBuffer(t, 1024)

	_, err := f.tracker.BindBufferMemory(f.enc, buffer, memory, 4096)
	require.Error(t, err)
	_, err = f.tracker.BindBufferMemory(f.enc, buffer, memory, 3584)
	require.Error(t, err)

	image, _, err := f.tracker.CreateImage(f.enc, f.device, core1_0.ImageCreateInfo{})
	require.NoError(t, err)

	f.enc.EXPECT().BindMemory(f.device, image, gomock.Any(), gomock.Any()).Return(core1_0.VKSuccess, nil)
	_, err = f.tracker.BindImageMemory(f.enc, image, memory, 0)
	require.NoError(t, err)
}

func TestDeviceLocalBindKeepsOffset(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	f.enc.EXPECT().AllocateMemory(f.device, gomock.Any(), gomock.Any()).Return(core1_0.VKSuccess, nil)
	memory := f.allocateMemory(t, f.device, deviceLocalType, MiB)
	buffer := f.createBuffer(t, 1024)

	f.enc.EXPECT().BindMemory(f.device, buffer, memory, 2048).Return(core1_0.VKSuccess, nil)
	_, err := f.tracker.BindBufferMemory(f.enc, buffer, memory, 2048)
	require.NoError(t, err)
}
