package tracker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
	"github.com/vkngwrapper/guestvk/coherent"
	"github.com/vkngwrapper/guestvk/memutils"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/transport"
)

// DedicatedAllocation names the buffer or image a dedicated allocation is made for. It takes the
// place of the handles in khr_dedicated_allocation.MemoryDedicatedAllocateInfo, which refer to
// driver objects rather than tracked ones.
type DedicatedAllocation struct {
	Buffer registry.Handle
	Image  registry.Handle
}

type memoryInfo struct {
	device          registry.Handle
	memoryTypeIndex int
	size            int
	// sub is the coherent suballocation backing host-visible memory. It is nil for memory that
	// lives only on the host.
	sub    *coherent.Suballocation
	mapped bool
}

func (m memoryInfo) owner() registry.Handle { return m.device }

// hostBinding translates an offset into memory to the host allocation and offset that back it
func (m memoryInfo) hostBinding(memory registry.Handle, offset int) (registry.Handle, int) {
	if m.sub == nil {
		return memory, offset
	}
	return m.sub.Arena.Memory(), m.sub.Offset + offset
}

// parseAllocateOptions folds the option chain of a core1_0.MemoryAllocateInfo into info. It
// returns true if the chain asks for a dedicated allocation.
func (t *ResourceTracker) parseAllocateOptions(deviceData *deviceInfo, next common.Options, info *transport.MemoryAllocateInfo) (bool, common.VkResult, error) {
	dedicated := false

	for next != nil {
		switch options := next.(type) {
		case core1_1.MemoryAllocateFlagsInfo:
			if options.Flags&core1_2.MemoryAllocateDeviceAddress != 0 {
				if !deviceData.extensions.BufferDeviceAddress {
					return false, core1_0.VKErrorFeatureNotPresent, errors.New("device address allocation requested, but neither core 1.2 nor khr_buffer_device_address are active")
				}
				info.DeviceAddress = true
			}
			next = options.Next
		case khr_external_memory.ExportMemoryAllocateInfo:
			if !deviceData.extensions.ExternalMemory {
				return false, core1_0.VKErrorExtensionNotPresent, errors.New("exportable memory requested, but neither core 1.1 nor khr_external_memory are active")
			}
			info.ExportHandleTypes = uint32(options.HandleTypes)
			next = options.Next
		case khr_dedicated_allocation.MemoryDedicatedAllocateInfo:
			if !deviceData.extensions.DedicatedAllocations {
				return false, core1_0.VKErrorExtensionNotPresent, errors.New("dedicated allocation requested, but neither core 1.1 nor khr_dedicated_allocation are active")
			}
			dedicated = true
			next = options.Next
		case ext_memory_priority.MemoryPriorityAllocateInfo:
			if deviceData.extensions.MemoryPriority {
				info.Priority = options.Priority
			}
			next = options.Next
		default:
			t.logger.LogAttrs(context.Background(), slog.LevelDebug, "ignoring unrecognized allocation options",
				slog.String("type", fmt.Sprintf("%T", next)),
			)
			next = nil
		}
	}

	return dedicated, core1_0.VKSuccess, nil
}

func (t *ResourceTracker) checkDedicatedResource(device registry.Handle, dedicated DedicatedAllocation) (common.VkResult, error) {
	if !dedicated.Buffer.IsNull() && !dedicated.Image.IsNull() {
		return core1_0.VKErrorUnknown, errors.New("a dedicated allocation may name a buffer or an image, not both")
	}

	var owner registry.Handle
	if !dedicated.Buffer.IsNull() {
		buffer, res, err := lookup(t.buffers, dedicated.Buffer, registry.KindBuffer)
		if err != nil {
			return res, err
		}
		owner = buffer.device
	} else if !dedicated.Image.IsNull() {
		image, res, err := lookup(t.images, dedicated.Image, registry.KindImage)
		if err != nil {
			return res, err
		}
		owner = image.device
	} else {
		return core1_0.VKSuccess, nil
	}

	if owner != device {
		return core1_0.VKErrorUnknown, errors.Newf("dedicated resource belongs to %s, not %s", owner, device)
	}
	return core1_0.VKSuccess, nil
}

// AllocateMemory allocates device memory. Host-visible memory is carved out of a coherent arena
// shared with the host; dedicated, exportable and device-address allocations get an arena of
// their own. Other memory is allocated on the host only.
func (t *ResourceTracker) AllocateMemory(enc transport.Encoder, device registry.Handle, allocateInfo core1_0.MemoryAllocateInfo, dedicated DedicatedAllocation) (registry.Handle, common.VkResult, error) {
	deviceData, res, err := t.device(device)
	if err != nil {
		return registry.NullHandle, res, err
	}

	if allocateInfo.AllocationSize <= 0 {
		return registry.NullHandle, core1_0.VKErrorUnknown, errors.Newf("invalid allocation size %d", allocateInfo.AllocationSize)
	}
	if allocateInfo.MemoryTypeIndex < 0 || allocateInfo.MemoryTypeIndex >= len(deviceData.memoryTypes) {
		return registry.NullHandle, core1_0.VKErrorUnknown, errors.Newf("%s has no memory type %d", device, allocateInfo.MemoryTypeIndex)
	}

	info := transport.MemoryAllocateInfo{
		AllocationSize:  allocateInfo.AllocationSize,
		MemoryTypeIndex: allocateInfo.MemoryTypeIndex,
		DedicatedBuffer: dedicated.Buffer,
		DedicatedImage:  dedicated.Image,
	}

	forceDedicated, res, err := t.parseAllocateOptions(deviceData, allocateInfo.Next, &info)
	if err != nil {
		return registry.NullHandle, res, err
	}

	if !dedicated.Buffer.IsNull() || !dedicated.Image.IsNull() {
		if !deviceData.extensions.DedicatedAllocations {
			return registry.NullHandle, core1_0.VKErrorExtensionNotPresent, errors.New("dedicated allocation requested, but neither core 1.1 nor khr_dedicated_allocation are active")
		}
		res, err = t.checkDedicatedResource(device, dedicated)
		if err != nil {
			return registry.NullHandle, res, err
		}
	}

	memory := t.minter.Mint(registry.KindDeviceMemory)
	memoryData := memoryInfo{
		device:          device,
		memoryTypeIndex: info.MemoryTypeIndex,
		size:            info.AllocationSize,
	}

	if !deviceData.hostVisible(info.MemoryTypeIndex) {
		res, err = enc.AllocateMemory(device, memory, info)
		if err != nil {
			return registry.NullHandle, hostFailure(res, err, core1_0.VKErrorOutOfDeviceMemory), err
		}

		t.memories.Insert(memory, memoryData)
		return memory, core1_0.VKSuccess, nil
	}

	sub, res, err := t.arenas.Allocate(coherent.AllocateRequest{
		Device:         device,
		Info:           info,
		ForceDedicated: forceDedicated,
		UserData:       memory,
	})
	if err != nil {
		return registry.NullHandle, res, err
	}

	memoryData.sub = sub
	t.memories.Insert(memory, memoryData)
	return memory, core1_0.VKSuccess, nil
}

func (t *ResourceTracker) releaseMemory(memory registry.Handle, info memoryInfo) {
	if info.sub == nil {
		return
	}
	err := t.arenas.Free(info.sub)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "%s lost its coherent suballocation", memory))
	}
}

// FreeMemory frees device memory. Freeing a null or already freed handle does nothing.
func (t *ResourceTracker) FreeMemory(enc transport.Encoder, memory registry.Handle) error {
	info, ok := t.memories.Unregister(memory)
	if !ok {
		return nil
	}

	if info.sub != nil {
		t.releaseMemory(memory, info)
		return nil
	}
	return enc.FreeMemory(info.device, memory)
}

// MapMemory returns the bytes [offset, offset+size) of host-visible memory. The returned slice
// aliases the coherent arena, so writes are visible to the host without a flush. size may be
// common.WholeSize.
func (t *ResourceTracker) MapMemory(memory registry.Handle, offset, size int) ([]byte, common.VkResult, error) {
	if memory.Kind() != registry.KindDeviceMemory {
		return nil, core1_0.VKErrorUnknown, errors.Wrapf(registry.ErrWrongKind, "expected %s, received %s", registry.KindDeviceMemory, memory)
	}

	// The checks and the mapped flag change together so two racing maps cannot both succeed
	var data []byte
	var err error
	found := t.memories.Update(memory, func(meta *memoryInfo) {
		if meta.sub == nil {
			err = errors.Newf("%s is not host visible", memory)
			return
		}
		if meta.mapped {
			err = errors.Newf("%s is already mapped", memory)
			return
		}

		if size == common.WholeSize {
			size = meta.size - offset
		}
		if err = memutils.CheckRange(offset, size, meta.size); err != nil {
			return
		}

		meta.mapped = true
		data = meta.sub.Data[offset : offset+size : offset+size]
	})
	if !found {
		return nil, core1_0.VKErrorUnknown, errors.Wrapf(registry.ErrUnknownHandle, "%s", memory)
	}
	if err != nil {
		return nil, core1_0.VKErrorMemoryMapFailed, err
	}
	return data, core1_0.VKSuccess, nil
}

// UnmapMemory ends a mapping made by MapMemory
func (t *ResourceTracker) UnmapMemory(memory registry.Handle) {
	t.memories.Update(memory, func(meta *memoryInfo) {
		meta.mapped = false
	})
}
