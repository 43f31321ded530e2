package tracker

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/staging"
	"github.com/vkngwrapper/guestvk/syncbridge"
	"github.com/vkngwrapper/guestvk/transport"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// CommandBufferAllocateInfo mirrors core1_0.CommandBufferAllocateInfo with a tracked pool
type CommandBufferAllocateInfo struct {
	CommandPool        registry.Handle
	Level              core1_0.CommandBufferLevel
	CommandBufferCount int
}

// CommandBufferCreateInfo is sent to the host for each allocated command buffer
type CommandBufferCreateInfo struct {
	CommandPool registry.Handle
	Level       core1_0.CommandBufferLevel
}

type commandPoolInfo struct {
	device  registry.Handle
	buffers map[registry.Handle]struct{}
}

func (p *commandPoolInfo) owner() registry.Handle { return p.device }

type commandBufferInfo struct {
	device    registry.Handle
	pool      registry.Handle
	level     core1_0.CommandBufferLevel
	stream    *staging.Stream
	sequencer *syncbridge.Sequencer
	recording bool

	descriptorSets map[registry.Handle]struct{}
	// children are the secondaries this primary executes, parents the primaries that execute
	// this secondary
	children map[registry.Handle]struct{}
	parents  map[registry.Handle]struct{}
}

func (c *commandBufferInfo) owner() registry.Handle { return c.device }

func sortedSet(set map[registry.Handle]struct{}) []registry.Handle {
	handles := maps.Keys(set)
	slices.Sort(handles)
	return handles
}

func (t *ResourceTracker) newStream(deviceData *deviceInfo, device registry.Handle) *staging.Stream {
	var source staging.MemorySource = staging.HeapMemory{}
	if t.options.Flags&CreateSharedStaging != 0 && deviceData.stagingMemoryType >= 0 {
		source = staging.SharedMemory{
			Manager:         t.arenas,
			Device:          device,
			MemoryTypeIndex: deviceData.stagingMemoryType,
		}
	}
	return staging.NewStream(t.logger, source, t.options.StagingBlockSize, t.backoff)
}

func (t *ResourceTracker) CreateCommandPool(enc transport.Encoder, device registry.Handle, createInfo core1_0.CommandPoolCreateInfo) (registry.Handle, common.VkResult, error) {
	pool, res, err := t.createOnHost(enc, device, registry.KindCommandPool, createInfo)
	if err != nil {
		return registry.NullHandle, res, err
	}

	t.commandPools.Insert(pool, &commandPoolInfo{
		device:  device,
		buffers: make(map[registry.Handle]struct{}),
	})
	return pool, core1_0.VKSuccess, nil
}

// DestroyCommandPool destroys a pool and every command buffer allocated from it
func (t *ResourceTracker) DestroyCommandPool(enc transport.Encoder, pool registry.Handle) error {
	t.commandLock.Lock()
	poolData, ok := t.commandPools.Unregister(pool)
	if ok {
		for _, commandBuffer := range sortedSet(poolData.buffers) {
			t.releaseCommandBufferLocked(commandBuffer)
		}
	}
	t.commandLock.Unlock()

	if !ok {
		return nil
	}
	return enc.DestroyObject(poolData.device, pool)
}

// ResetCommandPool resets every command buffer allocated from pool. Recordings only exist in
// guest staging streams until they are flushed, so nothing is sent to the host.
func (t *ResourceTracker) ResetCommandPool(pool registry.Handle) (common.VkResult, error) {
	t.commandLock.Lock()
	defer t.commandLock.Unlock()

	poolData, res, err := lookup(t.commandPools, pool, registry.KindCommandPool)
	if err != nil {
		return res, err
	}

	for _, commandBuffer := range sortedSet(poolData.buffers) {
		info, ok := t.commandBuffers.Get(commandBuffer)
		if ok {
			t.resetCommandBufferLocked(commandBuffer, info)
		}
	}
	return core1_0.VKSuccess, nil
}

// AllocateCommandBuffers creates CommandBufferCount command buffers, each with its own staging
// stream. On failure, the command buffers created so far are freed.
func (t *ResourceTracker) AllocateCommandBuffers(enc transport.Encoder, allocateInfo CommandBufferAllocateInfo) ([]registry.Handle, common.VkResult, error) {
	poolData, res, err := lookup(t.commandPools, allocateInfo.CommandPool, registry.KindCommandPool)
	if err != nil {
		return nil, res, err
	}
	deviceData := t.ownerDevice(allocateInfo.CommandPool, poolData.device)

	var commandBuffers []registry.Handle
	for i := 0; i < allocateInfo.CommandBufferCount; i++ {
		commandBuffer := t.minter.Mint(registry.KindCommandBuffer)
		res, err = enc.CreateObject(poolData.device, commandBuffer, CommandBufferCreateInfo{
			CommandPool: allocateInfo.CommandPool,
			Level:       allocateInfo.Level,
		})
		if err != nil {
			freeErr := t.FreeCommandBuffers(enc, allocateInfo.CommandPool, commandBuffers)
			return nil, hostFailure(res, err, core1_0.VKErrorOutOfHostMemory), errors.CombineErrors(err, freeErr)
		}

		t.commandLock.Lock()
		t.commandBuffers.Insert(commandBuffer, &commandBufferInfo{
			device:         poolData.device,
			pool:           allocateInfo.CommandPool,
			level:          allocateInfo.Level,
			stream:         t.newStream(deviceData, poolData.device),
			sequencer:      syncbridge.NewSequencer(t.logger, commandBuffer),
			descriptorSets: make(map[registry.Handle]struct{}),
			children:       make(map[registry.Handle]struct{}),
			parents:        make(map[registry.Handle]struct{}),
		})
		poolData.buffers[commandBuffer] = struct{}{}
		t.commandLock.Unlock()

		commandBuffers = append(commandBuffers, commandBuffer)
	}

	return commandBuffers, core1_0.VKSuccess, nil
}

// unlinkLocked removes commandBuffer from the primary/secondary graph
func (t *ResourceTracker) unlinkLocked(commandBuffer registry.Handle, info *commandBufferInfo) {
	for parent := range info.parents {
		if parentData, ok := t.commandBuffers.Get(parent); ok {
			delete(parentData.children, commandBuffer)
		}
	}
	for child := range info.children {
		if childData, ok := t.commandBuffers.Get(child); ok {
			delete(childData.parents, commandBuffer)
		}
	}
	info.parents = make(map[registry.Handle]struct{})
	info.children = make(map[registry.Handle]struct{})
}

func (t *ResourceTracker) releaseCommandBufferLocked(commandBuffer registry.Handle) {
	info, ok := t.commandBuffers.Unregister(commandBuffer)
	if !ok {
		return
	}
	t.unlinkLocked(commandBuffer, info)
	info.stream.Close()
}

// FreeCommandBuffers frees command buffers allocated from pool. Null and already freed handles
// are skipped.
func (t *ResourceTracker) FreeCommandBuffers(enc transport.Encoder, pool registry.Handle, commandBuffers []registry.Handle) error {
	t.commandLock.Lock()
	poolData, ok := t.commandPools.Get(pool)
	if !ok {
		t.commandLock.Unlock()
		return errors.Wrapf(registry.ErrUnknownHandle, "%s", pool)
	}

	var freed []registry.Handle
	for _, commandBuffer := range commandBuffers {
		info, ok := t.commandBuffers.Get(commandBuffer)
		if !ok || slices.Contains(freed, commandBuffer) {
			continue
		}
		if info.pool != pool {
			t.commandLock.Unlock()
			return errors.Newf("%s was not allocated from %s", commandBuffer, pool)
		}
		freed = append(freed, commandBuffer)
	}

	for _, commandBuffer := range freed {
		t.releaseCommandBufferLocked(commandBuffer)
		delete(poolData.buffers, commandBuffer)
	}
	t.commandLock.Unlock()

	var err error
	for _, commandBuffer := range freed {
		err = errors.CombineErrors(err, enc.DestroyObject(poolData.device, commandBuffer))
	}
	return err
}

// resetCommandBufferLocked discards a recording. Primaries that executed the command buffer
// drop their link to it.
func (t *ResourceTracker) resetCommandBufferLocked(commandBuffer registry.Handle, info *commandBufferInfo) {
	t.unlinkLocked(commandBuffer, info)
	info.descriptorSets = make(map[registry.Handle]struct{})
	info.stream.Reset()
	info.recording = false
}

func (t *ResourceTracker) lookupCommandBufferLocked(commandBuffer registry.Handle) (*commandBufferInfo, common.VkResult, error) {
	return lookup(t.commandBuffers, commandBuffer, registry.KindCommandBuffer)
}

// BeginCommandBuffer starts a new recording, implicitly resetting the previous one
func (t *ResourceTracker) BeginCommandBuffer(commandBuffer registry.Handle) (common.VkResult, error) {
	t.commandLock.Lock()
	defer t.commandLock.Unlock()

	info, res, err := t.lookupCommandBufferLocked(commandBuffer)
	if err != nil {
		return res, err
	}

	t.resetCommandBufferLocked(commandBuffer, info)
	info.recording = true
	return core1_0.VKSuccess, nil
}

// EndCommandBuffer finishes a recording. It fails if any part of the recording could not be
// staged.
func (t *ResourceTracker) EndCommandBuffer(commandBuffer registry.Handle) (common.VkResult, error) {
	t.commandLock.Lock()
	defer t.commandLock.Unlock()

	info, res, err := t.lookupCommandBufferLocked(commandBuffer)
	if err != nil {
		return res, err
	}

	info.recording = false
	if info.stream.Failed() {
		return core1_0.VKErrorOutOfHostMemory, errors.Wrapf(staging.ErrOutOfMemory, "recording of %s", commandBuffer)
	}
	return core1_0.VKSuccess, nil
}

func (t *ResourceTracker) ResetCommandBuffer(commandBuffer registry.Handle) (common.VkResult, error) {
	t.commandLock.Lock()
	defer t.commandLock.Unlock()

	info, res, err := t.lookupCommandBufferLocked(commandBuffer)
	if err != nil {
		return res, err
	}

	t.resetCommandBufferLocked(commandBuffer, info)
	return core1_0.VKSuccess, nil
}

func (t *ResourceTracker) recordingCommandBufferLocked(commandBuffer registry.Handle) (*commandBufferInfo, common.VkResult, error) {
	info, res, err := t.lookupCommandBufferLocked(commandBuffer)
	if err != nil {
		return nil, res, err
	}
	if !info.recording {
		return nil, core1_0.VKErrorUnknown, errors.Newf("%s is not recording", commandBuffer)
	}
	return info, core1_0.VKSuccess, nil
}

// CmdWrite stages encoded command bytes in the command buffer's stream
func (t *ResourceTracker) CmdWrite(commandBuffer registry.Handle, data []byte) (common.VkResult, error) {
	t.commandLock.Lock()
	defer t.commandLock.Unlock()

	info, res, err := t.recordingCommandBufferLocked(commandBuffer)
	if err != nil {
		return res, err
	}

	if !info.stream.Write(data) {
		return core1_0.VKErrorOutOfHostMemory, errors.Wrapf(staging.ErrOutOfMemory, "stage %d bytes for %s", len(data), commandBuffer)
	}
	return core1_0.VKSuccess, nil
}

// CmdBindDescriptorSets records that the command buffer uses sets, so their pending updates are
// committed before it is submitted
func (t *ResourceTracker) CmdBindDescriptorSets(commandBuffer registry.Handle, sets []registry.Handle) (common.VkResult, error) {
	res, err := t.descriptors.CheckSets(sets)
	if err != nil {
		return res, err
	}

	t.commandLock.Lock()
	defer t.commandLock.Unlock()

	info, res, err := t.recordingCommandBufferLocked(commandBuffer)
	if err != nil {
		return res, err
	}

	for _, set := range sets {
		info.descriptorSets[set] = struct{}{}
	}
	return core1_0.VKSuccess, nil
}

// CmdExecuteCommands records that primary executes secondaries. Submitting primary flushes the
// secondaries first.
func (t *ResourceTracker) CmdExecuteCommands(primary registry.Handle, secondaries []registry.Handle) (common.VkResult, error) {
	t.commandLock.Lock()
	defer t.commandLock.Unlock()

	primaryData, res, err := t.recordingCommandBufferLocked(primary)
	if err != nil {
		return res, err
	}
	if primaryData.level != core1_0.CommandBufferLevelPrimary {
		return core1_0.VKErrorUnknown, errors.Newf("%s is not a primary command buffer", primary)
	}

	secondaryData := make([]*commandBufferInfo, 0, len(secondaries))
	for _, secondary := range secondaries {
		info, res, err := t.lookupCommandBufferLocked(secondary)
		if err != nil {
			return res, err
		}
		if info.level != core1_0.CommandBufferLevelSecondary {
			return core1_0.VKErrorUnknown, errors.Newf("%s is not a secondary command buffer", secondary)
		}
		secondaryData = append(secondaryData, info)
	}

	for i, secondary := range secondaries {
		primaryData.children[secondary] = struct{}{}
		secondaryData[i].parents[primary] = struct{}{}
	}
	return core1_0.VKSuccess, nil
}

// collectLocked appends commandBuffer and every secondary it executes to order, children before
// their parents
func (t *ResourceTracker) collectLocked(commandBuffer registry.Handle, seen map[registry.Handle]struct{}, order []registry.Handle) []registry.Handle {
	if _, ok := seen[commandBuffer]; ok {
		return order
	}
	seen[commandBuffer] = struct{}{}

	info, ok := t.commandBuffers.Get(commandBuffer)
	if !ok {
		return order
	}
	for _, child := range sortedSet(info.children) {
		order = t.collectLocked(child, seen, order)
	}
	return append(order, commandBuffer)
}

func (t *ResourceTracker) validateCommandBuffers() error {
	t.commandLock.Lock()
	defer t.commandLock.Unlock()

	for _, handle := range t.commandBuffers.Handles() {
		info, _ := t.commandBuffers.Get(handle)

		pool, ok := t.commandPools.Get(info.pool)
		if !ok {
			return errors.Newf("%s outlived %s", handle, info.pool)
		}
		if _, ok := pool.buffers[handle]; !ok {
			return errors.Newf("%s is not listed by %s", handle, info.pool)
		}

		for child := range info.children {
			childData, ok := t.commandBuffers.Get(child)
			if !ok {
				return errors.Newf("%s executes %s, which was freed", handle, child)
			}
			if _, ok := childData.parents[handle]; !ok {
				return errors.Newf("%s executes %s, which does not list it as a parent", handle, child)
			}
		}
		for parent := range info.parents {
			parentData, ok := t.commandBuffers.Get(parent)
			if !ok {
				return errors.Newf("%s is executed by %s, which was freed", handle, parent)
			}
			if _, ok := parentData.children[handle]; !ok {
				return errors.Newf("%s lists %s as a parent, which does not execute it", handle, parent)
			}
		}
	}

	for _, handle := range t.commandPools.Handles() {
		pool, ok := t.commandPools.Get(handle)
		if !ok {
			continue
		}
		for commandBuffer := range pool.buffers {
			if _, ok := t.commandBuffers.Get(commandBuffer); !ok {
				return errors.Newf("%s lists %s, which is not registered", handle, commandBuffer)
			}
		}
	}
	return nil
}

func (t *ResourceTracker) writeStagingJson(json jwriter.ObjectState) {
	t.commandLock.Lock()
	defer t.commandLock.Unlock()

	for _, handle := range t.commandBuffers.Handles() {
		info, ok := t.commandBuffers.Get(handle)
		if !ok {
			continue
		}

		obj := json.Name(handle.String()).Object()
		obj.Name("Pending").Int(info.stream.Len())
		obj.Name("Capacity").Int(info.stream.Capacity())
		obj.Name("GrowthCount").Int(info.stream.GrowthCount())
		obj.Name("Recording").Bool(info.recording)
		obj.Name("Secondaries").Int(len(info.children))
		obj.End()
	}
}
