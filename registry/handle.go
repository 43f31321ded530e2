package registry

import (
	"fmt"
	"sync/atomic"
)

// Kind is the type of Vulkan object a Handle refers to
type Kind uint8

const (
	KindUnknown Kind = iota
	KindDevice
	KindQueue
	KindDeviceMemory
	KindBuffer
	KindImage
	KindImageView
	KindBufferView
	KindSampler
	KindSemaphore
	KindFence
	KindDescriptorPool
	KindDescriptorSet
	KindDescriptorSetLayout
	KindDescriptorUpdateTemplate
	KindCommandPool
	KindCommandBuffer
)

var kindMapping = map[Kind]string{
	KindUnknown:                  "Unknown",
	KindDevice:                   "Device",
	KindQueue:                    "Queue",
	KindDeviceMemory:             "DeviceMemory",
	KindBuffer:                   "Buffer",
	KindImage:                    "Image",
	KindImageView:                "ImageView",
	KindBufferView:               "BufferView",
	KindSampler:                  "Sampler",
	KindSemaphore:                "Semaphore",
	KindFence:                    "Fence",
	KindDescriptorPool:           "DescriptorPool",
	KindDescriptorSet:            "DescriptorSet",
	KindDescriptorSetLayout:      "DescriptorSetLayout",
	KindDescriptorUpdateTemplate: "DescriptorUpdateTemplate",
	KindCommandPool:              "CommandPool",
	KindCommandBuffer:            "CommandBuffer",
}

func (k Kind) String() string {
	str, ok := kindMapping[k]
	if !ok {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return str
}

const (
	kindShift  = 56
	serialMask = (uint64(1) << kindShift) - 1
)

// Handle is an opaque reference to a tracked object. The object's Kind is stored in the top byte,
// so a handle of the wrong kind can be rejected without a lookup.
type Handle uint64

// NullHandle never refers to an object
const NullHandle Handle = 0

func (h Handle) Kind() Kind {
	return Kind(uint64(h) >> kindShift)
}

func (h Handle) Serial() uint64 {
	return uint64(h) & serialMask
}

func (h Handle) IsNull() bool {
	return h == NullHandle
}

func (h Handle) String() string {
	if h == NullHandle {
		return "VK_NULL_HANDLE"
	}
	return fmt.Sprintf("%s(%#x)", h.Kind(), h.Serial())
}

// Minter hands out handles. Serials increase monotonically and are never reused, so a stale
// handle can never alias a newer object.
type Minter struct {
	next atomic.Uint64
}

func (m *Minter) Mint(kind Kind) Handle {
	serial := m.next.Add(1)
	if serial > serialMask {
		panic("registry: handle serial space exhausted")
	}
	return Handle(uint64(kind)<<kindShift | serial)
}
