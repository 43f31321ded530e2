package tracker

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
	"golang.org/x/exp/slices"
)

type extensionData struct {
	DedicatedAllocations bool
	ExternalMemory       bool
	BufferDeviceAddress  bool
	MemoryPriority       bool
}

func newExtensionData(apiVersion common.APIVersion, enabledExtensions []string) *extensionData {
	data := &extensionData{}
	active := func(name string) bool {
		return slices.Contains(enabledExtensions, name)
	}

	if apiVersion.IsAtLeast(common.Vulkan1_1) {
		// Core 1.1 active - khr_dedicated_allocation and khr_external_memory are promoted
		data.DedicatedAllocations = true
		data.ExternalMemory = true
	}

	if apiVersion.IsAtLeast(common.Vulkan1_2) {
		// Core 1.2 active - khr_buffer_device_address is promoted
		data.BufferDeviceAddress = true
	}

	if !data.DedicatedAllocations && active(khr_dedicated_allocation.ExtensionName) {
		data.DedicatedAllocations = true
	}

	if !data.ExternalMemory && active(khr_external_memory.ExtensionName) {
		data.ExternalMemory = true
	}

	if !data.BufferDeviceAddress && active(khr_buffer_device_address.ExtensionName) {
		data.BufferDeviceAddress = true
	}

	if active(ext_memory_priority.ExtensionName) {
		data.MemoryPriority = true
	}

	return data
}
