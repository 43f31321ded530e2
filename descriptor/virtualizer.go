package descriptor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/guestvk/internal/utils"
	"github.com/vkngwrapper/guestvk/registry"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type PoolCreateInfo struct {
	MaxSets   int
	PoolSizes []PoolSize
}

type descriptorPool struct {
	device  registry.Handle
	ledger  *PoolAllocationInfo
	poolIDs []uint64
	freeIDs []uint64
	sets    map[registry.Handle]struct{}
}

// ReifiedDescriptorSet is the local shadow of a VkDescriptorSet
type ReifiedDescriptorSet struct {
	device       registry.Handle
	pool         registry.Handle
	layoutHandle registry.Handle
	layout       *SetLayout
	claim        Claim
	table        *WriteTable
	state        SetState
	poolID       uint64
	hasPoolID    bool
}

// Virtualizer owns every descriptor set layout, pool, set and update template. Set updates are
// recorded locally and sent to the host in one batch by Commit. A single lock guards pools, sets
// and ledgers, so a set leaving its pool and its handle being unregistered are observed together.
type Virtualizer struct {
	logger *slog.Logger
	lock   sync.Locker

	layouts   *registry.Registry[*SetLayout]
	pools     *registry.Registry[*descriptorPool]
	sets      *registry.Registry[*ReifiedDescriptorSet]
	templates *registry.Registry[*UpdateTemplate]

	liveSamplers map[registry.Handle]struct{}
}

func NewVirtualizer(logger *slog.Logger, minter *registry.Minter, synchronized bool) *Virtualizer {
	return &Virtualizer{
		logger: logger,
		lock:   utils.NewLocker(synchronized),

		layouts:   registry.New[*SetLayout](minter, false),
		pools:     registry.New[*descriptorPool](minter, false),
		sets:      registry.New[*ReifiedDescriptorSet](minter, false),
		templates: registry.New[*UpdateTemplate](minter, false),

		liveSamplers: make(map[registry.Handle]struct{}),
	}
}

func (v *Virtualizer) samplerLive(sampler registry.Handle) bool {
	_, ok := v.liveSamplers[sampler]
	return ok
}

// RegisterSampler records that sampler may be referenced by descriptor writes
func (v *Virtualizer) RegisterSampler(sampler registry.Handle) {
	v.lock.Lock()
	defer v.lock.Unlock()

	v.liveSamplers[sampler] = struct{}{}
}

// DestroySampler records that sampler is gone. Pending writes that reference it will be sent to
// the host with no sampler.
func (v *Virtualizer) DestroySampler(sampler registry.Handle) {
	v.lock.Lock()
	defer v.lock.Unlock()

	delete(v.liveSamplers, sampler)
}

func (v *Virtualizer) CreateSetLayout(layout registry.Handle, device registry.Handle, info SetLayoutCreateInfo) (common.VkResult, error) {
	setLayout, err := newSetLayout(device, info)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	v.lock.Lock()
	defer v.lock.Unlock()

	v.layouts.Insert(layout, setLayout)
	return core1_0.VKSuccess, nil
}

func (v *Virtualizer) lookupLayout(layout registry.Handle) (*SetLayout, error) {
	setLayout, err := v.layouts.Lookup(layout, registry.KindDescriptorSetLayout)
	if err != nil {
		return nil, err
	}
	if setLayout.destroyed {
		return nil, errors.Wrapf(registry.ErrUnknownHandle, "%s was destroyed", layout)
	}
	return setLayout, nil
}

// DestroySetLayout destroys a layout handle. Sets allocated with the layout keep using it. While
// any of them is still waiting to be realized on the host, the layout stays registered so the
// host can realize them, and it is returned as released once the last of them is committed or
// freed. Otherwise it is released immediately.
func (v *Virtualizer) DestroySetLayout(layout registry.Handle) ([]ReleasedLayout, bool) {
	v.lock.Lock()
	defer v.lock.Unlock()

	setLayout, ok := v.layouts.Get(layout)
	if !ok || setLayout.destroyed {
		return nil, false
	}

	setLayout.destroyed = true
	var released []ReleasedLayout
	v.releaseLayoutLocked(layout, setLayout, &released)
	return released, true
}

func (v *Virtualizer) releaseLayoutLocked(handle registry.Handle, layout *SetLayout, released *[]ReleasedLayout) {
	if !layout.destroyed || layout.pendingSets > 0 {
		return
	}
	v.layouts.Unregister(handle)
	*released = append(*released, ReleasedLayout{Device: layout.device, Layout: handle})
}

// realizedLocked moves a set out of AllocationPending, dropping its hold on its layout
func (v *Virtualizer) realizedLocked(set *ReifiedDescriptorSet, released *[]ReleasedLayout) {
	pending := set.state == SetStateAllocationPending
	set.state = SetStateCommitted
	if pending {
		v.dropLayoutLocked(set, released)
	}
}

func (v *Virtualizer) dropLayoutLocked(set *ReifiedDescriptorSet, released *[]ReleasedLayout) {
	set.layout.pendingSets--
	if set.layout.pendingSets < 0 {
		panic(errors.AssertionFailedf("%s has more sets released than allocated", set.layoutHandle))
	}
	v.releaseLayoutLocked(set.layoutHandle, set.layout, released)
}

// CreatePool registers a pool. poolIDs are the host-provided identities that sets from the pool
// can claim without a host round trip.
func (v *Virtualizer) CreatePool(pool registry.Handle, device registry.Handle, info PoolCreateInfo, poolIDs []uint64) {
	v.lock.Lock()
	defer v.lock.Unlock()

	v.pools.Insert(pool, &descriptorPool{
		device:  device,
		ledger:  NewPoolAllocationInfo(info.MaxSets, info.PoolSizes),
		poolIDs: slices.Clone(poolIDs),
		freeIDs: slices.Clone(poolIDs),
		sets:    make(map[registry.Handle]struct{}),
	})
}

func (v *Virtualizer) lookupPool(pool registry.Handle) (*descriptorPool, common.VkResult, error) {
	p, err := v.pools.Lookup(pool, registry.KindDescriptorPool)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	return p, core1_0.VKSuccess, nil
}

func (v *Virtualizer) lookupSet(set registry.Handle) (*ReifiedDescriptorSet, common.VkResult, error) {
	s, err := v.sets.Lookup(set, registry.KindDescriptorSet)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	return s, core1_0.VKSuccess, nil
}

// removeSetLocked returns a set's quota and pool ID to its pool and unregisters it
func (v *Virtualizer) removeSetLocked(handle registry.Handle, set *ReifiedDescriptorSet, pool *descriptorPool, released *[]ReleasedLayout) {
	err := pool.ledger.Release(set.layout, set.claim)
	if err != nil {
		panic(errors.HandleAsAssertionFailure(err))
	}
	if set.hasPoolID {
		pool.freeIDs = append(pool.freeIDs, set.poolID)
	}
	delete(pool.sets, handle)
	v.unregisterSetLocked(handle, set, released)
}

func (v *Virtualizer) unregisterSetLocked(handle registry.Handle, set *ReifiedDescriptorSet, released *[]ReleasedLayout) {
	v.sets.Unregister(handle)
	if set.state == SetStateAllocationPending {
		v.dropLayoutLocked(set, released)
	}
}

// DestroyPool removes a pool and every set allocated from it. It returns the handles of the sets
// that were removed and the layouts they were the last to hold.
func (v *Virtualizer) DestroyPool(pool registry.Handle) ([]registry.Handle, []ReleasedLayout, bool) {
	v.lock.Lock()
	defer v.lock.Unlock()

	p, ok := v.pools.Unregister(pool)
	if !ok {
		return nil, nil, false
	}

	var released []ReleasedLayout
	removed := sortedHandles(p.sets)
	for _, handle := range removed {
		if set, ok := v.sets.Get(handle); ok {
			v.unregisterSetLocked(handle, set, &released)
		}
	}
	return removed, released, true
}

// ResetPool frees every set allocated from a pool. It returns their handles and the layouts they
// were the last to hold.
func (v *Virtualizer) ResetPool(pool registry.Handle) ([]registry.Handle, []ReleasedLayout, common.VkResult, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	p, res, err := v.lookupPool(pool)
	if err != nil {
		return nil, nil, res, err
	}

	var released []ReleasedLayout
	removed := sortedHandles(p.sets)
	for _, handle := range removed {
		if set, ok := v.sets.Get(handle); ok {
			v.unregisterSetLocked(handle, set, &released)
		}
	}
	p.sets = make(map[registry.Handle]struct{})
	p.freeIDs = slices.Clone(p.poolIDs)
	p.ledger.Reset()

	return removed, released, core1_0.VKSuccess, nil
}

// AllocateSets allocates one set per layout from pool, entirely locally. The pool's quota is
// checked for the whole request before any set is created, so a failed request leaves the ledger
// unchanged. Sets that could not claim a host pool ID are also returned in eager: the caller must
// realize them on the host immediately and then call MarkCommitted.
func (v *Virtualizer) AllocateSets(pool registry.Handle, layouts []registry.Handle) (sets []registry.Handle, eager []registry.Handle, res common.VkResult, err error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	p, res, err := v.lookupPool(pool)
	if err != nil {
		return nil, nil, res, err
	}

	setLayouts := make([]*SetLayout, 0, len(layouts))
	for _, layout := range layouts {
		setLayout, err := v.lookupLayout(layout)
		if err != nil {
			return nil, nil, core1_0.VKErrorUnknown, err
		}
		setLayouts = append(setLayouts, setLayout)
	}

	err = p.ledger.Validate(setLayouts)
	if err != nil {
		return nil, nil, core1_1.VkErrorOutOfPoolMemory, err
	}

	claims, err := p.ledger.Apply(setLayouts)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "descriptor pool ledger diverged from its simulation"))
	}

	for i, setLayout := range setLayouts {
		set := &ReifiedDescriptorSet{
			device:       p.device,
			pool:         pool,
			layoutHandle: layouts[i],
			layout:       setLayout,
			claim:        claims[i],
			table:        newWriteTable(setLayout),
			state:        SetStateAllocationPending,
		}
		setLayout.pendingSets++

		if len(p.freeIDs) > 0 {
			set.poolID = p.freeIDs[len(p.freeIDs)-1]
			set.hasPoolID = true
			p.freeIDs = p.freeIDs[:len(p.freeIDs)-1]
		}

		handle := v.sets.Register(registry.KindDescriptorSet, set)
		p.sets[handle] = struct{}{}
		sets = append(sets, handle)

		if !set.hasPoolID {
			eager = append(eager, handle)
		}
	}

	if len(eager) > 0 {
		v.logger.LogAttrs(context.Background(), slog.LevelDebug, "descriptor pool IDs exhausted, realizing sets eagerly",
			slog.String("pool", pool.String()),
			slog.Int("count", len(eager)),
		)
	}

	return sets, eager, core1_0.VKSuccess, nil
}

// MarkCommitted records that the host has realized sets outside of a CommitBatch. It returns the
// layouts the sets were the last to hold.
func (v *Virtualizer) MarkCommitted(sets []registry.Handle) []ReleasedLayout {
	v.lock.Lock()
	defer v.lock.Unlock()

	var released []ReleasedLayout
	for _, handle := range sets {
		set, ok := v.sets.Get(handle)
		if ok {
			v.realizedLocked(set, &released)
		}
	}
	return released
}

// FreeSets returns sets to their pool. Sets that are not registered, including sets that were
// already freed, are skipped. Every set is checked before any is freed, so a failed call changes
// nothing. It returns the subset of sets that exist on the host and must be freed there too, and
// the layouts the freed sets were the last to hold.
func (v *Virtualizer) FreeSets(pool registry.Handle, sets []registry.Handle) ([]registry.Handle, []ReleasedLayout, common.VkResult, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	p, res, err := v.lookupPool(pool)
	if err != nil {
		return nil, nil, res, err
	}

	live := make(map[registry.Handle]*ReifiedDescriptorSet, len(sets))
	var order []registry.Handle
	for _, handle := range sets {
		if handle == registry.NullHandle {
			continue
		}
		set, ok := v.sets.Get(handle)
		if !ok {
			continue
		}
		if set.pool != pool {
			return nil, nil, core1_0.VKErrorUnknown, errors.Newf("%s was not allocated from %s", handle, pool)
		}
		if _, dup := live[handle]; !dup {
			live[handle] = set
			order = append(order, handle)
		}
	}

	var hostSets []registry.Handle
	var released []ReleasedLayout
	for _, handle := range order {
		set := live[handle]
		if set.state == SetStateCommitted {
			hostSets = append(hostSets, handle)
		}
		v.removeSetLocked(handle, set, p, &released)
	}

	return hostSets, released, core1_0.VKSuccess, nil
}

// UpdateSets records descriptor writes and copies in the destination sets' write tables
func (v *Virtualizer) UpdateSets(writes []Write, copies []Copy) (common.VkResult, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	return v.updateLocked(writes, copies)
}

func (v *Virtualizer) updateLocked(writes []Write, copies []Copy) (common.VkResult, error) {
	for _, write := range writes {
		set, res, err := v.lookupSet(write.DstSet)
		if err != nil {
			return res, err
		}

		err = set.table.write(write, v.samplerLive)
		if err != nil {
			return core1_0.VKErrorUnknown, errors.Wrapf(err, "writing %s", write.DstSet)
		}
	}

	for _, c := range copies {
		res, err := v.copyLocked(c)
		if err != nil {
			return res, err
		}
	}

	return core1_0.VKSuccess, nil
}

func (v *Virtualizer) copyLocked(c Copy) (common.VkResult, error) {
	src, res, err := v.lookupSet(c.SrcSet)
	if err != nil {
		return res, err
	}
	dst, res, err := v.lookupSet(c.DstSet)
	if err != nil {
		return res, err
	}

	srcType, ok := src.table.descriptorType(c.SrcBinding)
	if !ok {
		return core1_0.VKErrorUnknown, errors.Wrapf(ErrOutOfRange, "copy source binding %d", c.SrcBinding)
	}

	if srcType == DescriptorTypeInlineUniformBlock {
		data, err := src.table.readInline(c.SrcBinding)
		if err != nil {
			return core1_0.VKErrorUnknown, err
		}
		if c.SrcArrayElement < 0 || c.SrcArrayElement+c.DescriptorCount > len(data) {
			return core1_0.VKErrorUnknown, errors.Wrapf(ErrOutOfRange, "inline copy source [%d, %d)", c.SrcArrayElement, c.SrcArrayElement+c.DescriptorCount)
		}
		err = dst.table.writeInline(c.DstBinding, c.DstArrayElement, data[c.SrcArrayElement:c.SrcArrayElement+c.DescriptorCount])
		if err != nil {
			return core1_0.VKErrorUnknown, err
		}
		return core1_0.VKSuccess, nil
	}

	srcSlots, err := src.table.slots(c.SrcBinding, c.SrcArrayElement, c.DescriptorCount)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	dstSlots, err := dst.table.slots(c.DstBinding, c.DstArrayElement, c.DescriptorCount)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	// src and dst may be the same set, so read everything before writing anything
	staged := make([]Entry, len(srcSlots))
	for i, s := range srcSlots {
		if s.binding.descriptorType != dstSlots[i].binding.descriptorType {
			return core1_0.VKErrorUnknown, errors.Wrapf(ErrTypeMismatch, "copy from binding %d to binding %d", s.number, dstSlots[i].number)
		}
		staged[i] = s.current()
	}

	for i, entry := range staged {
		if entry.Type == WriteTypeEmpty {
			continue
		}
		d := dstSlots[i]
		if entry.Type == WriteTypeImageInfo {
			entry.Image.Sampler = filterSampler(d.binding, entry.Image.Sampler, v.samplerLive)
		}
		d.binding.entries[d.element] = entry
	}

	return core1_0.VKSuccess, nil
}

func (v *Virtualizer) CreateUpdateTemplate(template registry.Handle, device registry.Handle, info UpdateTemplateCreateInfo) (common.VkResult, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if _, err := v.lookupLayout(info.DescriptorSetLayout); err != nil {
		return core1_0.VKErrorUnknown, err
	}

	v.templates.Insert(template, &UpdateTemplate{
		device:  device,
		layout:  info.DescriptorSetLayout,
		entries: slices.Clone(info.Entries),
	})
	return core1_0.VKSuccess, nil
}

func (v *Virtualizer) DestroyUpdateTemplate(template registry.Handle) bool {
	v.lock.Lock()
	defer v.lock.Unlock()

	_, ok := v.templates.Unregister(template)
	return ok
}

// UpdateSetWithTemplate decodes data according to template and records the resulting writes in set
func (v *Virtualizer) UpdateSetWithTemplate(set registry.Handle, template registry.Handle, data []byte) (common.VkResult, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	t, err := v.templates.Lookup(template, registry.KindDescriptorUpdateTemplate)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	writes, err := t.writes(set, data)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return v.updateLocked(writes, nil)
}

// Read returns the pending payload of one slot. Slots that have not been written since the last
// commit read as empty.
func (v *Virtualizer) Read(set registry.Handle, binding, element int) (Entry, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	s, _, err := v.lookupSet(set)
	if err != nil {
		return Entry{}, err
	}
	return s.table.read(binding, element)
}

// ReadInline returns a copy of the bytes of an inline uniform block binding
func (v *Virtualizer) ReadInline(set registry.Handle, binding int) ([]byte, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	s, _, err := v.lookupSet(set)
	if err != nil {
		return nil, err
	}
	return s.table.readInline(binding)
}

func (v *Virtualizer) SetState(set registry.Handle) (SetState, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	s, _, err := v.lookupSet(set)
	if err != nil {
		return SetStateUninitialized, err
	}
	return s.state, nil
}

// Device returns the device that owns a layout, pool, set or update template
func (v *Virtualizer) Device(handle registry.Handle) (registry.Handle, bool) {
	v.lock.Lock()
	defer v.lock.Unlock()

	switch handle.Kind() {
	case registry.KindDescriptorSetLayout:
		if layout, ok := v.layouts.Get(handle); ok && !layout.destroyed {
			return layout.device, true
		}
	case registry.KindDescriptorPool:
		if pool, ok := v.pools.Get(handle); ok {
			return pool.device, true
		}
	case registry.KindDescriptorSet:
		if set, ok := v.sets.Get(handle); ok {
			return set.device, true
		}
	case registry.KindDescriptorUpdateTemplate:
		if template, ok := v.templates.Get(handle); ok {
			return template.device, true
		}
	}
	return registry.NullHandle, false
}

// CheckSets verifies every handle in sets is a live descriptor set
func (v *Virtualizer) CheckSets(sets []registry.Handle) (common.VkResult, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	for _, set := range sets {
		if _, res, err := v.lookupSet(set); err != nil {
			return res, err
		}
	}
	return core1_0.VKSuccess, nil
}

// Ledger returns a copy of a pool's quota ledger
func (v *Virtualizer) Ledger(pool registry.Handle) (PoolAllocationInfo, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	p, _, err := v.lookupPool(pool)
	if err != nil {
		return PoolAllocationInfo{}, err
	}
	return *p.ledger.Clone(), nil
}

// Commit gathers everything the host needs to bring sets up to date: allocations for sets the
// host has not realized and every slot written since the last commit. Written slots are reset to
// empty and every realized set becomes committed. Unknown handles are skipped. It also returns the
// destroyed layouts that the realized sets were the last to hold. The caller destroys those on the
// host after the batch has been applied.
func (v *Virtualizer) Commit(sets []registry.Handle) (*CommitBatch, []ReleasedLayout) {
	v.lock.Lock()
	defer v.lock.Unlock()

	batch := &CommitBatch{}
	seen := make(map[registry.Handle]struct{}, len(sets))
	var ordered []registry.Handle
	for _, handle := range sets {
		if _, ok := seen[handle]; ok {
			continue
		}
		if _, ok := v.sets.Get(handle); !ok {
			continue
		}
		seen[handle] = struct{}{}
		ordered = append(ordered, handle)
	}

	var released []ReleasedLayout
	for _, handle := range ordered {
		set, _ := v.sets.Get(handle)
		if set.state == SetStateAllocationPending && set.hasPoolID {
			batch.Allocations = append(batch.Allocations, PendingAllocation{
				Pool:   set.pool,
				Set:    handle,
				Layout: set.layoutHandle,
				PoolID: set.poolID,
			})
			v.realizedLocked(set, &released)
		}
	}

	for _, handle := range ordered {
		set, _ := v.sets.Get(handle)
		set.table.drain(handle, v.samplerLive, batch)
	}

	return batch, released
}

// DestroyDevice removes every layout, pool, set and template belonging to device. It returns the
// number of objects removed.
func (v *Virtualizer) DestroyDevice(device registry.Handle) int {
	v.lock.Lock()
	defer v.lock.Unlock()

	removed := 0
	for _, handle := range v.pools.Handles() {
		p, _ := v.pools.Get(handle)
		if p.device != device {
			continue
		}
		for set := range p.sets {
			v.sets.Unregister(set)
			removed++
		}
		v.pools.Unregister(handle)
		removed++
	}
	for _, handle := range v.layouts.Handles() {
		layout, _ := v.layouts.Get(handle)
		if layout.device == device {
			v.layouts.Unregister(handle)
			removed++
		}
	}
	for _, handle := range v.templates.Handles() {
		template, _ := v.templates.Get(handle)
		if template.device == device {
			v.templates.Unregister(handle)
			removed++
		}
	}

	if removed > 0 {
		v.logger.LogAttrs(context.Background(), slog.LevelDebug, "removed descriptor objects with device",
			slog.String("device", device.String()),
			slog.Int("count", removed),
		)
	}
	return removed
}

// Validate checks that every pool's ledger matches the claims of the sets allocated from it, and
// that every layout counts the pending sets that hold it
func (v *Virtualizer) Validate() error {
	v.lock.Lock()
	defer v.lock.Unlock()

	setCount := 0
	pendingByLayout := make(map[*SetLayout]int)
	for _, poolHandle := range v.pools.Handles() {
		p, _ := v.pools.Get(poolHandle)

		used := make([]int, len(p.ledger.Buckets))
		claimed := 0
		for _, handle := range sortedHandles(p.sets) {
			set, ok := v.sets.Get(handle)
			if !ok {
				return errors.Newf("%s lists %s, which is not registered", poolHandle, handle)
			}
			if set.pool != poolHandle {
				return errors.Newf("%s lists %s, which belongs to %s", poolHandle, handle, set.pool)
			}
			if len(set.claim) != len(set.layout.bindings) {
				return errors.Newf("%s claim covers %d bindings, its layout has %d", handle, len(set.claim), len(set.layout.bindings))
			}
			for bindingIndex, binding := range set.layout.bindings {
				index := set.claim[bindingIndex]
				if index < 0 {
					continue
				}
				if index >= len(used) || p.ledger.Buckets[index].Type != binding.DescriptorType {
					return errors.Newf("%s binding %d claims bucket %d, which cannot hold it", handle, binding.Binding, index)
				}
				used[index] += binding.DescriptorCount
			}
			if set.hasPoolID {
				claimed++
			}
			if set.state == SetStateAllocationPending {
				pendingByLayout[set.layout]++
			}
			setCount++
		}

		if len(p.sets) != p.ledger.UsedSets {
			return errors.Newf("%s ledger has %d sets but holds %d", poolHandle, p.ledger.UsedSets, len(p.sets))
		}
		if p.ledger.UsedSets > p.ledger.MaxSets {
			return errors.Newf("%s holds more than its maximum of %d sets", poolHandle, p.ledger.MaxSets)
		}
		for i, bucket := range p.ledger.Buckets {
			if bucket.Used != used[i] {
				return errors.Newf("%s bucket %d ledger has %d descriptors but its sets claim %d", poolHandle, i, bucket.Used, used[i])
			}
			if bucket.Used > bucket.Capacity {
				return errors.Newf("%s bucket %d is over capacity", poolHandle, i)
			}
		}
		if claimed+len(p.freeIDs) != len(p.poolIDs) {
			return errors.Newf("%s has lost track of its pool IDs", poolHandle)
		}
	}

	if setCount != v.sets.Len() {
		return errors.Newf("%d descriptor sets are registered but only %d belong to pools", v.sets.Len(), setCount)
	}

	for _, handle := range v.layouts.Handles() {
		layout, _ := v.layouts.Get(handle)
		if layout.pendingSets != pendingByLayout[layout] {
			return errors.Newf("%s counts %d pending sets but %d hold it", handle, layout.pendingSets, pendingByLayout[layout])
		}
		if layout.destroyed && layout.pendingSets == 0 {
			return errors.Newf("%s was destroyed and is held by no pending set, but was never released", handle)
		}
	}
	return nil
}

func (v *Virtualizer) WriteJson(json jwriter.ObjectState) {
	v.lock.Lock()
	defer v.lock.Unlock()

	json.Name("SetLayouts").Int(v.layouts.Len())
	json.Name("DescriptorSets").Int(v.sets.Len())
	json.Name("UpdateTemplates").Int(v.templates.Len())

	pools := json.Name("DescriptorPools").Object()
	defer pools.End()

	for _, handle := range v.pools.Handles() {
		p, _ := v.pools.Get(handle)

		obj := pools.Name(handle.String()).Object()
		p.ledger.WriteJson(obj)
		obj.Name("FreePoolIDs").Int(len(p.freeIDs))

		pending, dirty := 0, 0
		for set := range p.sets {
			s, ok := v.sets.Get(set)
			if !ok {
				continue
			}
			if s.state == SetStateAllocationPending {
				pending++
			}
			if s.table.hasPendingWrites() {
				dirty++
			}
		}
		obj.Name("PendingSets").Int(pending)
		obj.Name("SetsWithPendingWrites").Int(dirty)
		obj.End()
	}
}

func sortedHandles(set map[registry.Handle]struct{}) []registry.Handle {
	handles := maps.Keys(set)
	slices.SortFunc(handles, func(a, b registry.Handle) bool {
		return a.Serial() < b.Serial()
	})
	return handles
}
