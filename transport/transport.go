// Package transport declares the host-facing collaborators the tracker consumes. Implementations
// encode calls for a host renderer and are not part of this module.
package transport

import (
	"time"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/descriptor"
	"github.com/vkngwrapper/guestvk/registry"
)

//go:generate mockgen -source transport.go -destination ./mocks/transport.go -package mocks

// MemoryAllocateInfo describes a host VkDeviceMemory allocation
type MemoryAllocateInfo struct {
	AllocationSize  int
	MemoryTypeIndex int

	// DedicatedBuffer or DedicatedImage is set for dedicated allocations
	DedicatedBuffer registry.Handle
	DedicatedImage  registry.Handle
	// DeviceAddress requests VK_MEMORY_ALLOCATE_DEVICE_ADDRESS_BIT
	DeviceAddress bool
	// ExportHandleTypes lists the external handle types the memory may be exported as
	ExportHandleTypes uint32
	// Priority is forwarded as VkMemoryPriorityAllocateInfoEXT when the device enables it
	Priority float32
}

// SubmitInfo mirrors VkSubmitInfo
type SubmitInfo struct {
	WaitSemaphores   []registry.Handle
	WaitDstStageMask []core1_0.PipelineStageFlags
	CommandBuffers   []registry.Handle
	SignalSemaphores []registry.Handle
}

// Encoder forwards calls to the host renderer. Calls made on one Encoder reach the host in the
// order they were made. Two Encoders may only share a queue or command buffer through the
// HostSync handoff.
type Encoder interface {
	// Flush sends every call buffered so far
	Flush() error
	// HostSync emits sync point sequenceNumber for object. When needHostSync is true, the call
	// blocks until the host has processed sync point sequenceNumber-1 for object.
	HostSync(object registry.Handle, needHostSync bool, sequenceNumber uint32) error

	CreateObject(device registry.Handle, object registry.Handle, createInfo any) (common.VkResult, error)
	DestroyObject(device registry.Handle, object registry.Handle) error

	AllocateMemory(device registry.Handle, memory registry.Handle, info MemoryAllocateInfo) (common.VkResult, error)
	FreeMemory(device registry.Handle, memory registry.Handle) error
	BindMemory(device registry.Handle, resource registry.Handle, memory registry.Handle, offset int) (common.VkResult, error)

	// CollectDescriptorPoolIDs returns the host-side identities sets from pool may claim
	CollectDescriptorPoolIDs(device registry.Handle, pool registry.Handle) ([]uint64, error)
	AllocateDescriptorSets(device registry.Handle, pool registry.Handle, layouts []registry.Handle, sets []registry.Handle) (common.VkResult, error)
	FreeDescriptorSets(device registry.Handle, pool registry.Handle, sets []registry.Handle) error
	ResetDescriptorPool(device registry.Handle, pool registry.Handle) error
	CommitDescriptorSetUpdates(queue registry.Handle, batch *descriptor.CommitBatch) error

	// QueueFlushCommands hands a command buffer's staged recording to the host. data may be reused
	// once the call returns.
	QueueFlushCommands(queue registry.Handle, commandBuffer registry.Handle, data []byte) error
	QueueSubmit(queue registry.Handle, submits []SubmitInfo, fence registry.Handle) (common.VkResult, error)
	QueueWaitIdle(queue registry.Handle) (common.VkResult, error)
	// QueueSignalReleaseImage returns a sync-fd that signals once the waits complete, or -1
	QueueSignalReleaseImage(queue registry.Handle, waitSemaphores []registry.Handle, image registry.Handle) (int, common.VkResult, error)

	ResetFences(device registry.Handle, fences []registry.Handle) (common.VkResult, error)
	WaitForFences(device registry.Handle, fences []registry.Handle, waitAll bool, timeout time.Duration) (common.VkResult, error)
	GetFenceStatus(device registry.Handle, fence registry.Handle) (common.VkResult, error)
	// ExportSyncFD mints a new sync-fd tied to a host fence or semaphore. The caller owns it.
	ExportSyncFD(device registry.Handle, object registry.Handle) (int, common.VkResult, error)
}

// HostMemory is a host allocation mapped into this process
type HostMemory interface {
	Mapping() []byte
	Free() error
}

// HostMemoryAllocator creates host allocations that back coherent memory arenas. It must be safe
// to call from several goroutines at once.
type HostMemoryAllocator interface {
	AllocateHostMemory(device registry.Handle, memory registry.Handle, info MemoryAllocateInfo) (HostMemory, common.VkResult, error)
}
