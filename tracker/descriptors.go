package tracker

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/descriptor"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/transport"
)

func (t *ResourceTracker) descriptorDevice(handle registry.Handle, kind registry.Kind) (registry.Handle, common.VkResult, error) {
	if handle.Kind() != kind {
		return registry.NullHandle, core1_0.VKErrorUnknown, errors.Wrapf(registry.ErrWrongKind, "expected %s, received %s", kind, handle)
	}
	device, ok := t.descriptors.Device(handle)
	if !ok {
		return registry.NullHandle, core1_0.VKErrorUnknown, errors.Wrapf(registry.ErrUnknownHandle, "%s", handle)
	}
	return device, core1_0.VKSuccess, nil
}

// CreateDescriptorSetLayout validates a layout locally, then creates it on the host
func (t *ResourceTracker) CreateDescriptorSetLayout(enc transport.Encoder, device registry.Handle, createInfo descriptor.SetLayoutCreateInfo) (registry.Handle, common.VkResult, error) {
	if _, res, err := t.device(device); err != nil {
		return registry.NullHandle, res, err
	}

	layout := t.minter.Mint(registry.KindDescriptorSetLayout)
	res, err := t.descriptors.CreateSetLayout(layout, device, createInfo)
	if err != nil {
		return registry.NullHandle, res, err
	}

	res, err = enc.CreateObject(device, layout, createInfo)
	if err != nil {
		t.descriptors.DestroySetLayout(layout)
		return registry.NullHandle, hostFailure(res, err, core1_0.VKErrorOutOfHostMemory), err
	}
	return layout, core1_0.VKSuccess, nil
}

// destroyReleasedLayouts destroys the host objects of layouts that no pending set holds anymore
func (t *ResourceTracker) destroyReleasedLayouts(enc transport.Encoder, released []descriptor.ReleasedLayout) error {
	var err error
	for _, layout := range released {
		err = errors.CombineErrors(err, enc.DestroyObject(layout.Device, layout.Layout))
	}
	return err
}

// DestroyDescriptorSetLayout destroys a layout. The host object outlives the handle while sets
// allocated with it wait to be realized on the host.
func (t *ResourceTracker) DestroyDescriptorSetLayout(enc transport.Encoder, layout registry.Handle) error {
	released, ok := t.descriptors.DestroySetLayout(layout)
	if !ok {
		return nil
	}
	return t.destroyReleasedLayouts(enc, released)
}

// CreateDescriptorPool creates a pool on the host and collects the pool IDs its sets can claim
// without a host round trip
func (t *ResourceTracker) CreateDescriptorPool(enc transport.Encoder, device registry.Handle, createInfo descriptor.PoolCreateInfo) (registry.Handle, common.VkResult, error) {
	pool, res, err := t.createOnHost(enc, device, registry.KindDescriptorPool, createInfo)
	if err != nil {
		return registry.NullHandle, res, err
	}

	poolIDs, err := enc.CollectDescriptorPoolIDs(device, pool)
	if err != nil {
		_ = enc.DestroyObject(device, pool)
		return registry.NullHandle, core1_0.VKErrorOutOfHostMemory, errors.Wrapf(err, "collect pool IDs of %s", pool)
	}

	t.descriptors.CreatePool(pool, device, createInfo, poolIDs)
	return pool, core1_0.VKSuccess, nil
}

// DestroyDescriptorPool destroys a pool and every set allocated from it
func (t *ResourceTracker) DestroyDescriptorPool(enc transport.Encoder, pool registry.Handle) error {
	device, ok := t.descriptors.Device(pool)
	if !ok {
		return nil
	}
	_, released, ok := t.descriptors.DestroyPool(pool)
	if !ok {
		return nil
	}
	return errors.CombineErrors(enc.DestroyObject(device, pool), t.destroyReleasedLayouts(enc, released))
}

// ResetDescriptorPool frees every set allocated from pool
func (t *ResourceTracker) ResetDescriptorPool(enc transport.Encoder, pool registry.Handle) (common.VkResult, error) {
	device, res, err := t.descriptorDevice(pool, registry.KindDescriptorPool)
	if err != nil {
		return res, err
	}

	_, released, res, err := t.descriptors.ResetPool(pool)
	if err != nil {
		return res, err
	}

	err = errors.CombineErrors(enc.ResetDescriptorPool(device, pool), t.destroyReleasedLayouts(enc, released))
	if err != nil {
		return core1_0.VKErrorOutOfHostMemory, err
	}
	return core1_0.VKSuccess, nil
}

// AllocateDescriptorSets allocates one set per layout. Allocation is local: sets reach the host
// with the first submission that uses them. Sets that could not claim a pool ID are realized on
// the host immediately.
func (t *ResourceTracker) AllocateDescriptorSets(enc transport.Encoder, pool registry.Handle, layouts []registry.Handle) ([]registry.Handle, common.VkResult, error) {
	device, res, err := t.descriptorDevice(pool, registry.KindDescriptorPool)
	if err != nil {
		return nil, res, err
	}

	sets, eager, res, err := t.descriptors.AllocateSets(pool, layouts)
	if err != nil {
		return nil, res, err
	}
	if len(eager) == 0 {
		return sets, core1_0.VKSuccess, nil
	}

	eagerLayouts := make([]registry.Handle, 0, len(eager))
	next := 0
	for i, set := range sets {
		if next < len(eager) && eager[next] == set {
			eagerLayouts = append(eagerLayouts, layouts[i])
			next++
		}
	}

	res, err = enc.AllocateDescriptorSets(device, pool, eagerLayouts, eager)
	if err != nil {
		_, released, _, freeErr := t.descriptors.FreeSets(pool, sets)
		freeErr = errors.CombineErrors(freeErr, t.destroyReleasedLayouts(enc, released))
		if freeErr != nil {
			t.logger.LogAttrs(context.Background(), slog.LevelError, "failed to roll back descriptor set allocation",
				slog.String("pool", pool.String()),
				slog.Any("error", freeErr),
			)
		}
		return nil, hostFailure(res, err, core1_0.VKErrorOutOfHostMemory), err
	}

	err = t.destroyReleasedLayouts(enc, t.descriptors.MarkCommitted(eager))
	if err != nil {
		return sets, core1_0.VKErrorOutOfHostMemory, err
	}
	return sets, core1_0.VKSuccess, nil
}

// FreeDescriptorSets returns sets to pool. Sets the host never realized are freed locally only.
func (t *ResourceTracker) FreeDescriptorSets(enc transport.Encoder, pool registry.Handle, sets []registry.Handle) (common.VkResult, error) {
	device, res, err := t.descriptorDevice(pool, registry.KindDescriptorPool)
	if err != nil {
		return res, err
	}

	hostSets, released, res, err := t.descriptors.FreeSets(pool, sets)
	var hostErr error
	if len(hostSets) > 0 {
		hostErr = enc.FreeDescriptorSets(device, pool, hostSets)
	}
	hostErr = errors.CombineErrors(hostErr, t.destroyReleasedLayouts(enc, released))
	if hostErr != nil {
		return core1_0.VKErrorOutOfHostMemory, errors.CombineErrors(err, hostErr)
	}
	return res, err
}

// DescriptorSetState reports whether set has been realized on the host
func (t *ResourceTracker) DescriptorSetState(set registry.Handle) (descriptor.SetState, error) {
	return t.descriptors.SetState(set)
}

// UpdateDescriptorSets records writes and copies locally. They reach the host with the next
// submission that uses the destination sets.
func (t *ResourceTracker) UpdateDescriptorSets(writes []descriptor.Write, copies []descriptor.Copy) (common.VkResult, error) {
	return t.descriptors.UpdateSets(writes, copies)
}

// CreateDescriptorUpdateTemplate creates a template. Templates are decoded locally, so the host
// never sees them.
func (t *ResourceTracker) CreateDescriptorUpdateTemplate(device registry.Handle, createInfo descriptor.UpdateTemplateCreateInfo) (registry.Handle, common.VkResult, error) {
	if _, res, err := t.device(device); err != nil {
		return registry.NullHandle, res, err
	}

	template := t.minter.Mint(registry.KindDescriptorUpdateTemplate)
	res, err := t.descriptors.CreateUpdateTemplate(template, device, createInfo)
	if err != nil {
		return registry.NullHandle, res, err
	}
	return template, core1_0.VKSuccess, nil
}

func (t *ResourceTracker) DestroyDescriptorUpdateTemplate(template registry.Handle) {
	t.descriptors.DestroyUpdateTemplate(template)
}

// UpdateDescriptorSetWithTemplate decodes data with template and records the resulting writes
func (t *ResourceTracker) UpdateDescriptorSetWithTemplate(set, template registry.Handle, data []byte) (common.VkResult, error) {
	return t.descriptors.UpdateSetWithTemplate(set, template, data)
}
