package tracker

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/memutils"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/transport"
)

type binding struct {
	memory registry.Handle
	offset int
}

type bufferInfo struct {
	device registry.Handle
	size   int
	bound  binding
}

func (b bufferInfo) owner() registry.Handle { return b.device }

type imageInfo struct {
	device registry.Handle
	bound  binding
}

func (i imageInfo) owner() registry.Handle { return i.device }

type viewInfo struct {
	device registry.Handle
	parent registry.Handle
}

func (v viewInfo) owner() registry.Handle { return v.device }

type samplerInfo struct {
	device registry.Handle
}

func (s samplerInfo) owner() registry.Handle { return s.device }

// ImageViewCreateInfo describes an image view. It is forwarded to the host unchanged.
type ImageViewCreateInfo struct {
	Image            registry.Handle
	ViewType         core1_0.ImageViewType
	Format           core1_0.Format
	SubresourceRange core1_0.ImageSubresourceRange
}

// BufferViewCreateInfo describes a texel buffer view. It is forwarded to the host unchanged.
type BufferViewCreateInfo struct {
	Buffer registry.Handle
	Format core1_0.Format
	Offset int
	Range  int
}

// createOnHost mints a handle of kind and creates the matching host object
func (t *ResourceTracker) createOnHost(enc transport.Encoder, device registry.Handle, kind registry.Kind, createInfo any) (registry.Handle, common.VkResult, error) {
	if _, res, err := t.device(device); err != nil {
		return registry.NullHandle, res, err
	}

	handle := t.minter.Mint(kind)
	res, err := enc.CreateObject(device, handle, createInfo)
	if err != nil {
		return registry.NullHandle, hostFailure(res, err, core1_0.VKErrorOutOfHostMemory), err
	}
	return handle, core1_0.VKSuccess, nil
}

// destroyOwnedObject unregisters handle from r and destroys the host object. Destroying a null or
// already destroyed handle does nothing.
func destroyOwnedObject[M owned](enc transport.Encoder, r *registry.Registry[M], handle registry.Handle) (M, bool, error) {
	meta, ok := r.Unregister(handle)
	if !ok {
		return meta, false, nil
	}
	return meta, true, enc.DestroyObject(meta.owner(), handle)
}

func (t *ResourceTracker) CreateBuffer(enc transport.Encoder, device registry.Handle, createInfo core1_0.BufferCreateInfo) (registry.Handle, common.VkResult, error) {
	buffer, res, err := t.createOnHost(enc, device, registry.KindBuffer, createInfo)
	if err != nil {
		return registry.NullHandle, res, err
	}

	t.buffers.Insert(buffer, bufferInfo{
		device: device,
		size:   createInfo.Size,
	})
	return buffer, core1_0.VKSuccess, nil
}

func (t *ResourceTracker) DestroyBuffer(enc transport.Encoder, buffer registry.Handle) error {
	_, _, err := destroyOwnedObject(enc, t.buffers, buffer)
	return err
}

func (t *ResourceTracker) CreateImage(enc transport.Encoder, device registry.Handle, createInfo core1_0.ImageCreateInfo) (registry.Handle, common.VkResult, error) {
	image, res, err := t.createOnHost(enc, device, registry.KindImage, createInfo)
	if err != nil {
		return registry.NullHandle, res, err
	}

	t.images.Insert(image, imageInfo{device: device})
	return image, core1_0.VKSuccess, nil
}

func (t *ResourceTracker) DestroyImage(enc transport.Encoder, image registry.Handle) error {
	_, _, err := destroyOwnedObject(enc, t.images, image)
	return err
}

// resolveBinding checks that size bytes of memory at offset can back resource and returns the
// host memory and offset to bind
func (t *ResourceTracker) resolveBinding(resource registry.Handle, device registry.Handle, bound binding, size int, memory registry.Handle, offset int) (registry.Handle, int, common.VkResult, error) {
	if !bound.memory.IsNull() {
		return registry.NullHandle, 0, core1_0.VKErrorUnknown, errors.Newf("%s is already bound to %s", resource, bound.memory)
	}

	memoryData, res, err := lookup(t.memories, memory, registry.KindDeviceMemory)
	if err != nil {
		return registry.NullHandle, 0, res, err
	}
	if memoryData.device != device {
		return registry.NullHandle, 0, core1_0.VKErrorUnknown, errors.Newf("%s belongs to %s, not %s", memory, memoryData.device, device)
	}
	if offset >= memoryData.size {
		return registry.NullHandle, 0, core1_0.VKErrorUnknown, errors.Newf("offset %d is outside the %d bytes of %s", offset, memoryData.size, memory)
	}
	if err := memutils.CheckRange(offset, size, memoryData.size); err != nil {
		return registry.NullHandle, 0, core1_0.VKErrorUnknown, errors.Wrapf(err, "bind %s to %s", resource, memory)
	}

	hostMemory, hostOffset := memoryData.hostBinding(memory, offset)
	return hostMemory, hostOffset, core1_0.VKSuccess, nil
}

// BindBufferMemory binds buffer to memory at offset. Memory carved out of a coherent arena is
// bound on the host at the suballocation's offset within the arena.
func (t *ResourceTracker) BindBufferMemory(enc transport.Encoder, buffer, memory registry.Handle, offset int) (common.VkResult, error) {
	bufferData, res, err := lookup(t.buffers, buffer, registry.KindBuffer)
	if err != nil {
		return res, err
	}

	hostMemory, hostOffset, res, err := t.resolveBinding(buffer, bufferData.device, bufferData.bound, bufferData.size, memory, offset)
	if err != nil {
		return res, err
	}

	res, err = enc.BindMemory(bufferData.device, buffer, hostMemory, hostOffset)
	if err != nil {
		return hostFailure(res, err, core1_0.VKErrorOutOfHostMemory), err
	}

	t.buffers.Update(buffer, func(meta *bufferInfo) {
		meta.bound = binding{memory: memory, offset: offset}
	})
	return res, nil
}

// BindImageMemory binds image to memory at offset
func (t *ResourceTracker) BindImageMemory(enc transport.Encoder, image, memory registry.Handle, offset int) (common.VkResult, error) {
	imageData, res, err := lookup(t.images, image, registry.KindImage)
	if err != nil {
		return res, err
	}

	hostMemory, hostOffset, res, err := t.resolveBinding(image, imageData.device, imageData.bound, 0, memory, offset)
	if err != nil {
		return res, err
	}

	res, err = enc.BindMemory(imageData.device, image, hostMemory, hostOffset)
	if err != nil {
		return hostFailure(res, err, core1_0.VKErrorOutOfHostMemory), err
	}

	t.images.Update(image, func(meta *imageInfo) {
		meta.bound = binding{memory: memory, offset: offset}
	})
	return res, nil
}

func (t *ResourceTracker) CreateImageView(enc transport.Encoder, device registry.Handle, createInfo ImageViewCreateInfo) (registry.Handle, common.VkResult, error) {
	image, res, err := lookup(t.images, createInfo.Image, registry.KindImage)
	if err != nil {
		return registry.NullHandle, res, err
	}
	if image.device != device {
		return registry.NullHandle, core1_0.VKErrorUnknown, errors.Newf("%s belongs to %s, not %s", createInfo.Image, image.device, device)
	}

	view, res, err := t.createOnHost(enc, device, registry.KindImageView, createInfo)
	if err != nil {
		return registry.NullHandle, res, err
	}

	t.imageViews.Insert(view, viewInfo{device: device, parent: createInfo.Image})
	return view, core1_0.VKSuccess, nil
}

func (t *ResourceTracker) DestroyImageView(enc transport.Encoder, view registry.Handle) error {
	_, _, err := destroyOwnedObject(enc, t.imageViews, view)
	return err
}

func (t *ResourceTracker) CreateBufferView(enc transport.Encoder, device registry.Handle, createInfo BufferViewCreateInfo) (registry.Handle, common.VkResult, error) {
	buffer, res, err := lookup(t.buffers, createInfo.Buffer, registry.KindBuffer)
	if err != nil {
		return registry.NullHandle, res, err
	}
	if buffer.device != device {
		return registry.NullHandle, core1_0.VKErrorUnknown, errors.Newf("%s belongs to %s, not %s", createInfo.Buffer, buffer.device, device)
	}

	view, res, err := t.createOnHost(enc, device, registry.KindBufferView, createInfo)
	if err != nil {
		return registry.NullHandle, res, err
	}

	t.bufferViews.Insert(view, viewInfo{device: device, parent: createInfo.Buffer})
	return view, core1_0.VKSuccess, nil
}

func (t *ResourceTracker) DestroyBufferView(enc transport.Encoder, view registry.Handle) error {
	_, _, err := destroyOwnedObject(enc, t.bufferViews, view)
	return err
}

// CreateSampler creates a sampler. Descriptor writes may reference it until it is destroyed.
func (t *ResourceTracker) CreateSampler(enc transport.Encoder, device registry.Handle, createInfo core1_0.SamplerCreateInfo) (registry.Handle, common.VkResult, error) {
	sampler, res, err := t.createOnHost(enc, device, registry.KindSampler, createInfo)
	if err != nil {
		return registry.NullHandle, res, err
	}

	t.samplers.Insert(sampler, samplerInfo{device: device})
	t.descriptors.RegisterSampler(sampler)
	return sampler, core1_0.VKSuccess, nil
}

// DestroySampler destroys a sampler. Descriptor writes that reference it and have not been
// committed yet reach the host with no sampler.
func (t *ResourceTracker) DestroySampler(enc transport.Encoder, sampler registry.Handle) error {
	_, ok, err := destroyOwnedObject(enc, t.samplers, sampler)
	if ok {
		t.descriptors.DestroySampler(sampler)
	}
	return err
}
