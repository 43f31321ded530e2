package coherent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/internal/utils"
	"github.com/vkngwrapper/guestvk/memutils"
	"github.com/vkngwrapper/guestvk/memutils/metadata"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/transport"
	"golang.org/x/exp/slices"
)

const (
	DefaultArenaSize     = 16 * 1024 * 1024
	DefaultArenaRounding = 1024 * 1024
	DefaultPageSize      = 4096
)

var ErrNotAllocated = errors.New("suballocation is not live")

// Options configures a Manager. Zero values are replaced with defaults.
type Options struct {
	// ArenaSize is the minimum size of a shared arena
	ArenaSize int
	// ArenaRounding is the unit shared arena sizes are rounded up to. It need not be a power of two.
	ArenaRounding int
	// PageSize is the unit dedicated arena sizes are rounded up to
	PageSize int
	// MinArenaCount is the number of empty shared arenas retained per device and memory type
	MinArenaCount int
	// Synchronized enables internal locking
	Synchronized bool
	Callbacks    *ArenaCallbackOptions
}

func (o *Options) setDefaults() {
	if o.ArenaSize <= 0 {
		o.ArenaSize = DefaultArenaSize
	}
	if o.ArenaRounding <= 0 {
		o.ArenaRounding = DefaultArenaRounding
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
}

// AllocateRequest describes one client memory allocation
type AllocateRequest struct {
	Device registry.Handle
	Info   transport.MemoryAllocateInfo
	// Alignment of the suballocation offset. Values below MinSuballocationAlignment are raised.
	Alignment int
	// ForceDedicated gives the request an arena of its own even when Info does not require one
	ForceDedicated bool
	UserData       any
}

func (r *AllocateRequest) dedicated() bool {
	return r.ForceDedicated ||
		r.Info.DeviceAddress ||
		r.Info.ExportHandleTypes != 0 ||
		!r.Info.DedicatedBuffer.IsNull() ||
		!r.Info.DedicatedImage.IsNull()
}

// Suballocation is a client allocation carved out of an arena
type Suballocation struct {
	Arena  *CoherentMemory
	Offset int
	Size   int
	// Data is the mapped range [Offset, Offset+Size) of the arena
	Data     []byte
	UserData any
}

type arenaKey struct {
	device          registry.Handle
	memoryTypeIndex int
}

func (k arenaKey) String() string {
	return fmt.Sprintf("%s/%d", k.device, k.memoryTypeIndex)
}

type arenaList struct {
	key    arenaKey
	arenas []*CoherentMemory
}

// incrementallySort takes one bubble step towards ordering arenas by ascending free space, so
// that the fullest arenas are tried first
func (l *arenaList) incrementallySort() {
	for i := 1; i < len(l.arenas); i++ {
		if l.arenas[i-1].sumFreeSize() > l.arenas[i].sumFreeSize() {
			l.arenas[i-1], l.arenas[i] = l.arenas[i], l.arenas[i-1]
			return
		}
	}
}

func (l *arenaList) remove(arena *CoherentMemory) {
	index := slices.Index(l.arenas, arena)
	if index < 0 {
		panic(errors.AssertionFailedf("attempted to remove arena %d from an arena list that did not hold it", arena.id))
	}
	l.arenas = slices.Delete(l.arenas, index, index+1)
}

func (l *arenaList) emptyCount() int {
	count := 0
	for _, arena := range l.arenas {
		if arena.IsEmpty() {
			count++
		}
	}
	return count
}

// Manager owns every coherent arena. Shared arenas are grouped by device and memory type index.
type Manager struct {
	logger    *slog.Logger
	minter    *registry.Minter
	allocator transport.HostMemoryAllocator
	options   Options
	callbacks arenaCallbacks

	mutex       utils.RWLocker
	shared      map[arenaKey]*arenaList
	byMemory    *swiss.Map[registry.Handle, *CoherentMemory]
	nextArenaID int
}

func NewManager(logger *slog.Logger, minter *registry.Minter, allocator transport.HostMemoryAllocator, options Options) *Manager {
	options.setDefaults()

	m := &Manager{
		logger:    logger,
		minter:    minter,
		allocator: allocator,
		options:   options,
		mutex:     utils.NewRWLocker(options.Synchronized),
		shared:    make(map[arenaKey]*arenaList),
		byMemory:  swiss.NewMap[registry.Handle, *CoherentMemory](8),
	}
	m.callbacks = arenaCallbacks{Callbacks: options.Callbacks, Manager: m}
	return m
}

func (m *Manager) createArena(key arenaKey, size int, dedicated bool, info transport.MemoryAllocateInfo) (*CoherentMemory, common.VkResult, error) {
	memory := m.minter.Mint(registry.KindDeviceMemory)
	info.AllocationSize = size
	info.MemoryTypeIndex = key.memoryTypeIndex

	host, res, err := m.allocator.AllocateHostMemory(key.device, memory, info)
	if err != nil {
		return nil, core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(err, "allocate %d byte arena for memory type %d (host result %s)", size, key.memoryTypeIndex, res)
	}

	arena, err := newCoherentMemory(m.logger, m.nextArenaID, key.device, memory, key.memoryTypeIndex, host, size, dedicated, m.options.Synchronized)
	if err != nil {
		freeErr := host.Free()
		if freeErr != nil {
			err = errors.CombineErrors(err, freeErr)
		}
		return nil, core1_0.VKErrorOutOfDeviceMemory, err
	}
	m.nextArenaID++
	m.byMemory.Put(memory, arena)

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "Created arena",
		slog.Int("arena.id", arena.id),
		slog.String("memory", memory.String()),
		slog.Int("size", size),
		slog.Int("memoryTypeIndex", key.memoryTypeIndex),
		slog.Bool("dedicated", dedicated),
	)
	m.callbacks.Allocate(arena)

	return arena, core1_0.VKSuccess, nil
}

func (m *Manager) destroyArena(arena *CoherentMemory) int {
	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "Deleted arena",
		slog.Int("arena.id", arena.id),
		slog.String("memory", arena.memory.String()),
	)
	m.callbacks.Free(arena)
	m.byMemory.Delete(arena.memory)

	leaked, err := arena.destroy()
	if err != nil {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "failed to free arena host memory",
			slog.Int("arena.id", arena.id),
			slog.Any("error", err),
		)
	}
	return leaked
}

func (m *Manager) suballocate(arena *CoherentMemory, req *AllocateRequest) (*Suballocation, bool) {
	sub := &Suballocation{
		Arena:    arena,
		Size:     req.Info.AllocationSize,
		UserData: req.UserData,
	}

	data, offset, ok := arena.AllocateAligned(req.Info.AllocationSize, req.Alignment, sub)
	if !ok {
		return nil, false
	}
	sub.Offset = offset
	sub.Data = data
	return sub, true
}

// Allocate returns a suballocation for req. Requests that need dedicated memory get a fresh,
// page-aligned arena. Other requests are placed in the first shared arena of the same device and
// memory type with room, and a new shared arena is created when none has room.
func (m *Manager) Allocate(req AllocateRequest) (*Suballocation, common.VkResult, error) {
	if req.Info.AllocationSize <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid allocation size %d", req.Info.AllocationSize)
	}

	key := arenaKey{device: req.Device, memoryTypeIndex: req.Info.MemoryTypeIndex}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if req.dedicated() {
		size := memutils.RoundUp(req.Info.AllocationSize, m.options.PageSize)
		arena, res, err := m.createArena(key, size, true, req.Info)
		if err != nil {
			return nil, res, err
		}

		sub, ok := m.suballocate(arena, &req)
		if !ok {
			panic(errors.AssertionFailedf("dedicated arena of %d bytes could not hold a %d byte allocation", size, req.Info.AllocationSize))
		}
		return sub, core1_0.VKSuccess, nil
	}

	list, ok := m.shared[key]
	if !ok {
		list = &arenaList{key: key}
		m.shared[key] = list
	}

	for _, arena := range list.arenas {
		sub, ok := m.suballocate(arena, &req)
		if ok {
			m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing arena", slog.Int("arena.id", arena.id))
			list.incrementallySort()
			return sub, core1_0.VKSuccess, nil
		}
	}

	size := max(memutils.RoundUp(req.Info.AllocationSize, m.options.ArenaRounding), m.options.ArenaSize)
	sharedInfo := transport.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: key.memoryTypeIndex,
	}
	arena, res, err := m.createArena(key, size, false, sharedInfo)
	if err != nil {
		return nil, res, err
	}
	list.arenas = append(list.arenas, arena)

	sub, ok := m.suballocate(arena, &req)
	if !ok {
		panic(errors.AssertionFailedf("new arena of %d bytes could not hold a %d byte allocation", size, req.Info.AllocationSize))
	}
	list.incrementallySort()

	return sub, core1_0.VKSuccess, nil
}

// Free releases sub. Dedicated arenas are destroyed with their suballocation. Shared arenas are
// destroyed once empty, unless that would leave fewer than MinArenaCount arenas for the key.
func (m *Manager) Free(sub *Suballocation) error {
	if sub == nil || sub.Arena == nil {
		return errors.Wrap(ErrNotAllocated, "nil suballocation")
	}
	arena := sub.Arena

	m.mutex.Lock()
	defer m.mutex.Unlock()

	live, ok := m.byMemory.Get(arena.memory)
	if !ok || live != arena {
		return errors.Wrapf(ErrNotAllocated, "arena %s was already destroyed", arena.memory)
	}

	if !arena.releaseSuballocation(sub) {
		return errors.Wrapf(ErrNotAllocated, "offset %d of arena %s", sub.Offset, arena.memory)
	}

	if arena.dedicated {
		m.destroyArena(arena)
		return nil
	}

	list := m.shared[arenaKey{device: arena.device, memoryTypeIndex: arena.memoryTypeIndex}]
	if arena.IsEmpty() && len(list.arenas) > m.options.MinArenaCount {
		list.remove(arena)
		m.destroyArena(arena)
	} else {
		list.incrementallySort()
	}

	return nil
}

// Arena returns the arena whose host memory is memory
func (m *Manager) Arena(memory registry.Handle) (*CoherentMemory, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.byMemory.Get(memory)
}

// ArenaCount returns the number of live arenas, shared and dedicated
func (m *Manager) ArenaCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.byMemory.Count()
}

// EmptyArenaCount returns the number of retained empty shared arenas for a device and memory type
func (m *Manager) EmptyArenaCount(device registry.Handle, memoryTypeIndex int) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	list, ok := m.shared[arenaKey{device: device, memoryTypeIndex: memoryTypeIndex}]
	if !ok {
		return 0
	}
	return list.emptyCount()
}

func (m *Manager) sortedArenas(filter func(arena *CoherentMemory) bool) []*CoherentMemory {
	var arenas []*CoherentMemory
	m.byMemory.Iter(func(_ registry.Handle, arena *CoherentMemory) bool {
		if filter == nil || filter(arena) {
			arenas = append(arenas, arena)
		}
		return false
	})
	slices.SortFunc(arenas, func(a, b *CoherentMemory) bool {
		return a.id < b.id
	})
	return arenas
}

// DestroyDevice destroys every arena belonging to device and returns the number of suballocations
// that were still live
func (m *Manager) DestroyDevice(device registry.Handle) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	leaked := 0
	for _, arena := range m.sortedArenas(func(arena *CoherentMemory) bool { return arena.device == device }) {
		leaked += m.destroyArena(arena)
	}

	for key := range m.shared {
		if key.device == device {
			delete(m.shared, key)
		}
	}

	return leaked
}

// Destroy destroys every arena and returns the number of suballocations that were still live
func (m *Manager) Destroy() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	leaked := 0
	for _, arena := range m.sortedArenas(nil) {
		leaked += m.destroyArena(arena)
	}
	m.shared = make(map[arenaKey]*arenaList)

	return leaked
}

func (m *Manager) Validate() error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	sharedCount := 0
	for key, list := range m.shared {
		for _, arena := range list.arenas {
			if arena.dedicated {
				return errors.Newf("dedicated arena %d is in the shared list for %s", arena.id, key)
			}
			live, ok := m.byMemory.Get(arena.memory)
			if !ok || live != arena {
				return errors.Newf("shared arena %d for %s is not indexed by its memory handle", arena.id, key)
			}
			sharedCount++
		}
	}

	var err error
	dedicatedCount := 0
	m.byMemory.Iter(func(_ registry.Handle, arena *CoherentMemory) bool {
		if arena.dedicated {
			dedicatedCount++
		}
		err = arena.Validate()
		return err != nil
	})
	if err != nil {
		return err
	}

	if sharedCount+dedicatedCount != m.byMemory.Count() {
		return errors.Newf("%d shared and %d dedicated arenas are listed but %d are indexed", sharedCount, dedicatedCount, m.byMemory.Count())
	}

	return nil
}

func (m *Manager) CalculateStatistics(stats *memutils.DetailedStatistics) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats.Clear()
	m.byMemory.Iter(func(_ registry.Handle, arena *CoherentMemory) bool {
		arena.addDetailedStatistics(stats)
		return false
	})
}

func (m *Manager) Statistics(stats *memutils.Statistics) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats.Clear()
	m.byMemory.Iter(func(_ registry.Handle, arena *CoherentMemory) bool {
		arena.addStatistics(stats)
		return false
	})
}

// PrintDetailedMap writes one object per arena, keyed by its memory handle
func (m *Manager) PrintDetailedMap(json jwriter.ObjectState) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, arena := range m.sortedArenas(nil) {
		arenaObj := json.Name(arena.memory.String()).Object()
		arenaObj.Name("Id").Int(arena.id)
		arenaObj.Name("Device").String(arena.device.String())
		arenaObj.Name("MemoryTypeIndex").Int(arena.memoryTypeIndex)
		arenaObj.Name("Dedicated").Bool(arena.dedicated)

		arena.lock.Lock()
		arena.metadata.BlockJsonData(arenaObj)
		printSuballocations(arena.metadata, arenaObj)
		arena.lock.Unlock()

		arenaObj.End()
	}
}

func printSuballocations(md metadata.BlockMetadata, json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("FREE")
			return nil
		}

		obj.Name("Type").String("SUBALLOCATION")
		if sub, ok := userData.(*Suballocation); ok && sub.UserData != nil {
			obj.Name("CustomData").String(fmt.Sprintf("%+v", sub.UserData))
		}
		return nil
	})
}
