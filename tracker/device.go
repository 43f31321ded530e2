package tracker

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/syncbridge"
	"github.com/vkngwrapper/guestvk/transport"
	"golang.org/x/exp/slices"
)

// DeviceCreateInfo describes a logical device. It is forwarded to the host unchanged.
type DeviceCreateInfo struct {
	// APIVersion is the version the device was created against. Together with
	// EnabledExtensionNames it decides which allocation features are available.
	APIVersion            common.APIVersion
	EnabledExtensionNames []string
	// MemoryProperties are the memory types and heaps of the physical device
	MemoryProperties core1_0.PhysicalDeviceMemoryProperties
	QueueCreateInfos []core1_0.DeviceQueueCreateInfo
}

// DeviceQueueInfo is sent to the host when a queue handle is created with its device
type DeviceQueueInfo struct {
	QueueFamilyIndex int
	QueueIndex       int
}

type queueKey struct {
	family int
	index  int
}

type deviceInfo struct {
	apiVersion  common.APIVersion
	extensions  *extensionData
	memoryTypes []core1_0.MemoryType
	queues      map[queueKey]registry.Handle

	// stagingMemoryType is the host-visible, host-coherent memory type used for shared staging
	// streams, or -1
	stagingMemoryType int
}

func (d *deviceInfo) hostVisible(memoryTypeIndex int) bool {
	return d.memoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

type queueInfo struct {
	device    registry.Handle
	family    int
	index     int
	sequencer *syncbridge.Sequencer
}

func (q *queueInfo) owner() registry.Handle { return q.device }

type owned interface {
	owner() registry.Handle
}

// releaseOwned unregisters every entry of r that belongs to device, calling release for each
func releaseOwned[M owned](r *registry.Registry[M], device registry.Handle, release func(registry.Handle, M)) int {
	count := 0
	for _, handle := range r.Handles() {
		meta, ok := r.Get(handle)
		if !ok || meta.owner() != device {
			continue
		}
		r.Unregister(handle)
		if release != nil {
			release(handle, meta)
		}
		count++
	}
	return count
}

func stagingMemoryType(memoryTypes []core1_0.MemoryType) int {
	required := core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	for index, memoryType := range memoryTypes {
		if memoryType.PropertyFlags&required == required {
			return index
		}
	}
	return -1
}

// CreateDevice creates a logical device and the handles of all its queues
func (t *ResourceTracker) CreateDevice(enc transport.Encoder, info DeviceCreateInfo) (registry.Handle, common.VkResult, error) {
	device := t.minter.Mint(registry.KindDevice)

	res, err := enc.CreateObject(registry.NullHandle, device, info)
	if err != nil {
		return registry.NullHandle, hostFailure(res, err, core1_0.VKErrorInitializationFailed), err
	}

	memoryTypes := slices.Clone(info.MemoryProperties.MemoryTypes)
	deviceData := &deviceInfo{
		apiVersion:        info.APIVersion,
		extensions:        newExtensionData(info.APIVersion, info.EnabledExtensionNames),
		memoryTypes:       memoryTypes,
		queues:            make(map[queueKey]registry.Handle),
		stagingMemoryType: stagingMemoryType(memoryTypes),
	}
	t.devices.Insert(device, deviceData)

	for _, queueCreateInfo := range info.QueueCreateInfos {
		for index := range queueCreateInfo.QueuePriorities {
			key := queueKey{family: queueCreateInfo.QueueFamilyIndex, index: index}
			queue := t.minter.Mint(registry.KindQueue)

			res, err = enc.CreateObject(device, queue, DeviceQueueInfo{
				QueueFamilyIndex: key.family,
				QueueIndex:       key.index,
			})
			if err != nil {
				t.releaseDevice(device)
				t.devices.Unregister(device)
				_ = enc.DestroyObject(registry.NullHandle, device)
				return registry.NullHandle, hostFailure(res, err, core1_0.VKErrorInitializationFailed), err
			}

			deviceData.queues[key] = queue
			t.queues.Insert(queue, &queueInfo{
				device:    device,
				family:    key.family,
				index:     key.index,
				sequencer: syncbridge.NewSequencer(t.logger, queue),
			})
		}
	}

	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "Created device",
		slog.String("device", device.String()),
		slog.Int("queues", len(deviceData.queues)),
		slog.Int("memoryTypes", len(memoryTypes)),
	)

	return device, core1_0.VKSuccess, nil
}

// GetDeviceQueue returns the handle of a queue created with device
func (t *ResourceTracker) GetDeviceQueue(device registry.Handle, queueFamilyIndex, queueIndex int) (registry.Handle, error) {
	deviceData, _, err := t.device(device)
	if err != nil {
		return registry.NullHandle, err
	}

	queue, ok := deviceData.queues[queueKey{family: queueFamilyIndex, index: queueIndex}]
	if !ok {
		return registry.NullHandle, errors.Newf("%s has no queue %d in family %d", device, queueIndex, queueFamilyIndex)
	}
	return queue, nil
}

// DestroyDevice destroys a device. Objects the application did not destroy first are released
// locally and logged as leaks.
func (t *ResourceTracker) DestroyDevice(enc transport.Encoder, device registry.Handle) error {
	if device.IsNull() {
		return nil
	}
	_, _, err := t.device(device)
	if err != nil {
		return err
	}

	leaked := t.releaseDevice(device)
	if leaked > 0 {
		t.logger.LogAttrs(context.Background(), slog.LevelWarn, "destroyed device with live objects",
			slog.String("device", device.String()),
			slog.Int("count", leaked),
		)
	}
	t.devices.Unregister(device)

	return enc.DestroyObject(registry.NullHandle, device)
}

// releaseDevice drops every local object that belongs to device and returns how many there
// were, not counting queues
func (t *ResourceTracker) releaseDevice(device registry.Handle) int {
	leaked := 0

	t.commandLock.Lock()
	leaked += releaseOwned(t.commandBuffers, device, func(_ registry.Handle, commandBuffer *commandBufferInfo) {
		commandBuffer.stream.Close()
	})
	leaked += releaseOwned(t.commandPools, device, nil)
	t.commandLock.Unlock()

	leaked += releaseOwned(t.fences, device, func(fence registry.Handle, info *fenceInfo) {
		closeSyncState(t.logger, fence, info.state.Close)
	})
	leaked += releaseOwned(t.semaphores, device, func(semaphore registry.Handle, info *semaphoreInfo) {
		closeSyncState(t.logger, semaphore, info.state.Close)
	})

	leaked += releaseOwned(t.imageViews, device, nil)
	leaked += releaseOwned(t.bufferViews, device, nil)
	leaked += releaseOwned(t.buffers, device, nil)
	leaked += releaseOwned(t.images, device, nil)
	leaked += releaseOwned(t.samplers, device, func(sampler registry.Handle, _ samplerInfo) {
		t.descriptors.DestroySampler(sampler)
	})
	leaked += releaseOwned(t.memories, device, func(memory registry.Handle, info memoryInfo) {
		t.releaseMemory(memory, info)
	})

	releaseOwned(t.queues, device, nil)

	leaked += t.descriptors.DestroyDevice(device)
	leaked += t.arenas.DestroyDevice(device)

	return leaked
}
