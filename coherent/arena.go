package coherent

import (
	"context"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/guestvk/internal/utils"
	"github.com/vkngwrapper/guestvk/memutils"
	"github.com/vkngwrapper/guestvk/memutils/metadata"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/transport"
)

// MinSuballocationAlignment is the alignment of every suballocation offset within an arena
const MinSuballocationAlignment = 64

var metadataPool = sync.Pool{
	New: func() any {
		return metadata.NewFreeListBlockMetadata()
	},
}

// CoherentMemory is one host-backed, persistently mapped allocation that is carved into
// suballocations. A dedicated arena backs exactly one suballocation.
type CoherentMemory struct {
	id              int
	device          registry.Handle
	memory          registry.Handle
	memoryTypeIndex int
	dedicated       bool
	logger          *slog.Logger

	lock     sync.Locker
	host     transport.HostMemory
	mapping  []byte
	metadata *metadata.FreeListBlockMetadata
}

func newCoherentMemory(
	logger *slog.Logger,
	id int,
	device, memory registry.Handle,
	memoryTypeIndex int,
	host transport.HostMemory,
	size int,
	dedicated bool,
	synchronized bool,
) (*CoherentMemory, error) {
	mapping := host.Mapping()
	if len(mapping) < size {
		return nil, errors.Newf("host mapping of %d bytes is smaller than the requested arena size %d", len(mapping), size)
	}

	md := metadataPool.Get().(*metadata.FreeListBlockMetadata)
	md.Init(size)

	return &CoherentMemory{
		id:              id,
		device:          device,
		memory:          memory,
		memoryTypeIndex: memoryTypeIndex,
		dedicated:       dedicated,
		logger:          logger,
		lock:            utils.NewLocker(synchronized),
		host:            host,
		mapping:         mapping[:size:size],
		metadata:        md,
	}, nil
}

func (c *CoherentMemory) ID() int                          { return c.id }
func (c *CoherentMemory) Device() registry.Handle          { return c.device }
func (c *CoherentMemory) Memory() registry.Handle          { return c.memory }
func (c *CoherentMemory) MemoryTypeIndex() int             { return c.memoryTypeIndex }
func (c *CoherentMemory) Dedicated() bool                  { return c.dedicated }
func (c *CoherentMemory) HostMemory() transport.HostMemory { return c.host }

// Size returns the size of the arena in bytes
func (c *CoherentMemory) Size() int {
	return len(c.mapping)
}

// Mapping returns the whole mapped arena
func (c *CoherentMemory) Mapping() []byte {
	return c.mapping
}

func (c *CoherentMemory) IsEmpty() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.metadata.IsEmpty()
}

func (c *CoherentMemory) sumFreeSize() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.metadata.SumFreeSize()
}

// Allocate carves size bytes out of the arena. ok is false if no free region is large enough.
func (c *CoherentMemory) Allocate(size int) (data []byte, offset int, ok bool) {
	return c.AllocateAligned(size, MinSuballocationAlignment, nil)
}

// AllocateAligned carves size bytes at an offset that is a multiple of alignment out of the arena
func (c *CoherentMemory) AllocateAligned(size, alignment int, userData any) (data []byte, offset int, ok bool) {
	if size <= 0 {
		return nil, 0, false
	}
	alignment = max(alignment, MinSuballocationAlignment)

	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.metadata.MayHaveFreeBlock(size) {
		return nil, 0, false
	}

	// Shared arenas pack from the lowest offset
	strategy := metadata.AllocationStrategyMinOffset
	if c.dedicated {
		strategy = metadata.AllocationStrategyMinTime
	}

	success, request, err := c.metadata.CreateAllocationRequest(size, alignment, strategy)
	if err != nil || !success {
		return nil, 0, false
	}

	_, err = c.metadata.Alloc(request, userData)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "arena %d accepted an allocation request it could not commit", c.id))
	}
	memutils.DebugValidate(c.metadata)

	data = c.mapping[request.Offset : request.Offset+size : request.Offset+size]
	memutils.DebugFill(data, memutils.CreatedFillPattern)
	return data, request.Offset, true
}

// offsetOf returns the offset of data within the arena, or false if data does not start inside it
func (c *CoherentMemory) offsetOf(data []byte) (int, bool) {
	if len(data) == 0 || len(c.mapping) == 0 {
		return 0, false
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(c.mapping)))
	address := uintptr(unsafe.Pointer(unsafe.SliceData(data)))
	if address < base || address >= base+uintptr(len(c.mapping)) {
		return 0, false
	}

	return int(address - base), true
}

// Release returns the suballocation starting at data's first byte to the arena. It returns false
// if data does not start a live suballocation of this arena.
func (c *CoherentMemory) Release(data []byte) bool {
	offset, ok := c.offsetOf(data)
	if !ok {
		return false
	}

	return c.ReleaseOffset(offset)
}

// ReleaseOffset returns the suballocation starting at offset to the arena
func (c *CoherentMemory) ReleaseOffset(offset int) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.releaseLocked(offset)
}

// releaseSuballocation frees sub only if it is still the allocation living at its offset, so a
// stale Suballocation never frees whatever was later allocated in its place
func (c *CoherentMemory) releaseSuballocation(sub *Suballocation) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	handle, ok := c.metadata.AllocationAt(sub.Offset)
	if !ok {
		return false
	}
	owner, err := c.metadata.AllocationUserData(handle)
	if err != nil || owner != any(sub) {
		return false
	}

	return c.releaseLocked(sub.Offset)
}

func (c *CoherentMemory) releaseLocked(offset int) bool {
	handle, ok := c.metadata.AllocationAt(offset)
	if !ok {
		return false
	}

	if memutils.DebugEnabled {
		size, err := c.metadata.AllocationSize(handle)
		if err != nil {
			panic(errors.NewAssertionErrorWithWrappedErrf(err, "arena %d lost the size of a live allocation at offset %d", c.id, offset))
		}
		memutils.DebugFill(c.mapping[offset:offset+size], memutils.DestroyedFillPattern)
	}

	err := c.metadata.FreeAtOffset(offset)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "arena %d failed to free the allocation at offset %d", c.id, offset))
	}
	memutils.DebugValidate(c.metadata)

	return true
}

func (c *CoherentMemory) Validate() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.host == nil {
		return errors.Newf("arena %d has no backing host memory", c.id)
	}
	if c.metadata.Size() != len(c.mapping) {
		return errors.Newf("arena %d metadata covers %d bytes but the mapping is %d bytes", c.id, c.metadata.Size(), len(c.mapping))
	}
	if c.dedicated && c.metadata.AllocationCount() > 1 {
		return errors.Newf("dedicated arena %d holds %d suballocations", c.id, c.metadata.AllocationCount())
	}

	return c.metadata.Validate()
}

func (c *CoherentMemory) addStatistics(stats *memutils.Statistics) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.metadata.AddStatistics(stats)
}

func (c *CoherentMemory) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.metadata.AddDetailedStatistics(stats)
}

// destroy frees the host memory. Live suballocations are logged as leaks and reported by the
// returned count.
func (c *CoherentMemory) destroy() (leaked int, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.host == nil {
		panic(errors.AssertionFailedf("attempting to destroy arena %d, but it did not have backing host memory", c.id))
	}

	leaked = c.metadata.AllocationCount()
	if leaked > 0 {
		c.logger.LogAttrs(context.Background(), slog.LevelWarn, "destroying arena with live suballocations",
			slog.Int("arena.id", c.id),
			slog.String("memory", c.memory.String()),
			slog.Int("suballocations", leaked),
		)
		c.metadata.LogUnreleased(c.logger)
	}

	err = c.host.Free()

	c.metadata.Clear()
	metadataPool.Put(c.metadata)
	c.metadata = nil
	c.host = nil
	c.mapping = nil

	return leaked, err
}
