package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/guestvk/memutils"
)

const sizeClassCount = 64

var regionAllocator = sync.Pool{
	New: func() any {
		return &freeListRegion{}
	},
}

type freeListRegion struct {
	offset       int
	size         int
	prevPhysical *freeListRegion
	nextPhysical *freeListRegion

	prevFree *freeListRegion
	nextFree *freeListRegion
	free     bool

	userData any
	handle   BlockAllocationHandle
}

// FreeListBlockMetadata is a segregated-fit BlockMetadata. Regions are kept in a physical
// doubly-linked list ordered by offset, and free regions are additionally kept in one list per
// power-of-two size class. Adjacent free regions are always merged.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	allocCount  int
	freeCount   int
	freeSize    int
	classBitmap uint64
	freeLists   [sizeClassCount]*freeListRegion

	nextHandle BlockAllocationHandle
	handles    *swiss.Map[BlockAllocationHandle, *freeListRegion]
	offsets    *swiss.Map[int, *freeListRegion]
	head       *freeListRegion
}

var _ BlockMetadata = &FreeListBlockMetadata{}

func NewFreeListBlockMetadata() *FreeListBlockMetadata {
	return &FreeListBlockMetadata{}
}

func sizeClass(size int) int {
	return bits.Len(uint(size)) - 1
}

// ceilClass is the lowest size class whose every region is at least size bytes
func ceilClass(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len(uint(size - 1))
}

func (m *FreeListBlockMetadata) allocateRegion() *freeListRegion {
	r := regionAllocator.Get().(*freeListRegion)
	*r = freeListRegion{}
	m.nextHandle++
	r.handle = m.nextHandle
	m.handles.Put(r.handle, r)
	return r
}

func (m *FreeListBlockMetadata) releaseRegion(r *freeListRegion) {
	m.handles.Delete(r.handle)
	*r = freeListRegion{}
	regionAllocator.Put(r)
}

func (m *FreeListBlockMetadata) getRegion(handle BlockAllocationHandle) (*freeListRegion, error) {
	r, ok := m.handles.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that was incompatible with this metadata")
	}
	return r, nil
}

func (m *FreeListBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.handles = swiss.NewMap[BlockAllocationHandle, *freeListRegion](42)
	m.offsets = swiss.NewMap[int, *freeListRegion](42)
	m.allocCount = 0
	m.freeCount = 0
	m.freeSize = 0
	m.classBitmap = 0
	m.freeLists = [sizeClassCount]*freeListRegion{}
	m.head = nil

	if size <= 0 {
		return
	}

	m.head = m.allocateRegion()
	m.head.size = size
	m.insertFree(m.head)
}

func (m *FreeListBlockMetadata) insertFree(r *freeListRegion) {
	class := sizeClass(r.size)
	r.free = true
	r.prevFree = nil
	r.nextFree = m.freeLists[class]
	if r.nextFree != nil {
		r.nextFree.prevFree = r
	}
	m.freeLists[class] = r
	m.classBitmap |= 1 << class
	m.freeCount++
	m.freeSize += r.size
}

// removeFree must be called before the region's size changes
func (m *FreeListBlockMetadata) removeFree(r *freeListRegion) {
	class := sizeClass(r.size)
	if r.prevFree != nil {
		r.prevFree.nextFree = r.nextFree
	} else {
		m.freeLists[class] = r.nextFree
		if r.nextFree == nil {
			m.classBitmap &= ^(uint64(1) << class)
		}
	}
	if r.nextFree != nil {
		r.nextFree.prevFree = r.prevFree
	}
	r.prevFree = nil
	r.nextFree = nil
	r.free = false
	m.freeCount--
	m.freeSize -= r.size
}

func (m *FreeListBlockMetadata) unlinkPhysical(r *freeListRegion) {
	if r.prevPhysical != nil {
		r.prevPhysical.nextPhysical = r.nextPhysical
	} else {
		m.head = r.nextPhysical
	}
	if r.nextPhysical != nil {
		r.nextPhysical.prevPhysical = r.prevPhysical
	}
}

func (m *FreeListBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	var regionCount, allocCount, freeCount, freeSize int
	expectedOffset := 0
	var prev *freeListRegion
	for r := m.head; r != nil; r = r.nextPhysical {
		regionCount++
		if r.prevPhysical != prev {
			return errors.Errorf("region at offset %d has a broken physical back-link", r.offset)
		}
		if r.offset != expectedOffset {
			return errors.Errorf("region at offset %d was expected at offset %d", r.offset, expectedOffset)
		}
		if r.size <= 0 {
			return errors.Errorf("region at offset %d has invalid size %d", r.offset, r.size)
		}
		if r.free {
			if prev != nil && prev.free {
				return errors.Errorf("adjacent free regions at offsets %d and %d were not merged", prev.offset, r.offset)
			}
			freeCount++
			freeSize += r.size
		} else {
			allocCount++
			indexed, ok := m.offsets.Get(r.offset)
			if !ok || indexed != r {
				return errors.Errorf("allocation at offset %d is missing from the offset index", r.offset)
			}
		}

		handleRegion, ok := m.handles.Get(r.handle)
		if !ok || handleRegion != r {
			return errors.Errorf("region at offset %d is missing from the handle map", r.offset)
		}

		expectedOffset += r.size
		prev = r
	}

	if expectedOffset != m.Size() {
		return errors.Errorf("regions cover %d bytes of a %d byte block", expectedOffset, m.Size())
	}
	if allocCount != m.allocCount {
		return errors.Errorf("found %d allocations but expected %d", allocCount, m.allocCount)
	}
	if allocCount != m.offsets.Count() {
		return errors.Errorf("offset index holds %d entries for %d allocations", m.offsets.Count(), allocCount)
	}
	if regionCount != m.handles.Count() {
		return errors.Errorf("handle map holds %d entries for %d regions", m.handles.Count(), regionCount)
	}
	if freeCount != m.freeCount || freeSize != m.freeSize {
		return errors.Errorf("found %d free regions totalling %d bytes, expected %d totalling %d", freeCount, freeSize, m.freeCount, m.freeSize)
	}

	listed := 0
	for class := 0; class < sizeClassCount; class++ {
		hasList := m.freeLists[class] != nil
		hasBit := m.classBitmap&(uint64(1)<<class) != 0
		if hasList != hasBit {
			return errors.Errorf("size class %d bitmap disagrees with its free list", class)
		}
		var prevFree *freeListRegion
		for r := m.freeLists[class]; r != nil; r = r.nextFree {
			if !r.free {
				return errors.Errorf("allocated region at offset %d is in a free list", r.offset)
			}
			if r.prevFree != prevFree {
				return errors.Errorf("free region at offset %d has a broken free-list back-link", r.offset)
			}
			if sizeClass(r.size) != class {
				return errors.Errorf("free region of size %d is filed under size class %d", r.size, class)
			}
			listed++
			prevFree = r
		}
	}
	if listed != freeCount {
		return errors.Errorf("free lists hold %d regions but %d are free", listed, freeCount)
	}

	return nil
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.ArenaCount++
	stats.ArenaBytes += m.Size()

	for r := m.head; r != nil; r = r.nextPhysical {
		if r.free {
			stats.AddUnusedRange(r.size)
		} else {
			stats.AddSuballocation(r.size)
		}
	}
}

func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.ArenaCount++
	stats.SuballocationCount += m.allocCount
	stats.ArenaBytes += m.Size()
	stats.SuballocationBytes += m.Size() - m.freeSize
}

func (m *FreeListBlockMetadata) AllocationCount() int { return m.allocCount }

func (m *FreeListBlockMetadata) FreeRegionsCount() int { return m.freeCount }

func (m *FreeListBlockMetadata) SumFreeSize() int { return m.freeSize }

func (m *FreeListBlockMetadata) IsEmpty() bool { return m.allocCount == 0 }

func (m *FreeListBlockMetadata) MayHaveFreeBlock(size int) bool {
	if size > m.freeSize {
		return false
	}
	return m.classBitmap>>sizeClass(max(size, 1)) != 0
}

func (m *FreeListBlockMetadata) checkRegion(r *freeListRegion, allocSize, allocAlignment int) (int, bool) {
	offset := memutils.AlignUp(r.offset, allocAlignment)
	if offset+allocSize > r.offset+r.size {
		return 0, false
	}
	return offset, true
}

func (m *FreeListBlockMetadata) CreateAllocationRequest(
	allocSize int,
	allocAlignment int,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.New("invalid allocSize")
	}
	if allocAlignment <= 0 {
		allocAlignment = 1
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, AllocationRequest{}, err
	}

	if !m.MayHaveFreeBlock(allocSize) {
		return false, AllocationRequest{}, nil
	}

	var region *freeListRegion
	var offset int
	switch strategy {
	case AllocationStrategyMinOffset:
		region, offset = m.findLowestOffset(allocSize, allocAlignment)
	case AllocationStrategyMinMemory:
		region, offset = m.findBestFit(allocSize, allocAlignment)
	default:
		region, offset = m.findFast(allocSize, allocAlignment)
	}

	if region == nil {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: region.handle,
		Offset:                offset,
		Size:                  allocSize,
	}, nil
}

func (m *FreeListBlockMetadata) findLowestOffset(allocSize, allocAlignment int) (*freeListRegion, int) {
	for r := m.head; r != nil; r = r.nextPhysical {
		if !r.free {
			continue
		}
		if offset, ok := m.checkRegion(r, allocSize, allocAlignment); ok {
			return r, offset
		}
	}
	return nil, 0
}

func (m *FreeListBlockMetadata) findBestFit(allocSize, allocAlignment int) (*freeListRegion, int) {
	for class := sizeClass(allocSize); class < sizeClassCount; class++ {
		if m.classBitmap&(uint64(1)<<class) == 0 {
			continue
		}

		var best *freeListRegion
		var bestOffset int
		for r := m.freeLists[class]; r != nil; r = r.nextFree {
			offset, ok := m.checkRegion(r, allocSize, allocAlignment)
			if ok && (best == nil || r.size < best.size) {
				best = r
				bestOffset = offset
			}
		}

		// Every region in a higher class is larger than every region in this one
		if best != nil {
			return best, bestOffset
		}
	}
	return nil, 0
}

func (m *FreeListBlockMetadata) findFast(allocSize, allocAlignment int) (*freeListRegion, int) {
	guaranteed := ceilClass(allocSize + allocAlignment - 1)
	if guaranteed < sizeClassCount {
		available := m.classBitmap >> guaranteed
		if available != 0 {
			class := guaranteed + bits.TrailingZeros64(available)
			r := m.freeLists[class]
			offset, _ := m.checkRegion(r, allocSize, allocAlignment)
			return r, offset
		}
	}

	for class := sizeClass(allocSize); class < min(guaranteed, sizeClassCount); class++ {
		for r := m.freeLists[class]; r != nil; r = r.nextFree {
			if offset, ok := m.checkRegion(r, allocSize, allocAlignment); ok {
				return r, offset
			}
		}
	}
	return nil, 0
}

func (m *FreeListBlockMetadata) Alloc(req AllocationRequest, userData any) (BlockAllocationHandle, error) {
	r, err := m.getRegion(req.BlockAllocationHandle)
	if err != nil {
		return NoAllocation, err
	}
	if !r.free {
		return NoAllocation, errors.New("allocation request targets a region that is already allocated")
	}
	if req.Size <= 0 || req.Offset < r.offset || req.Offset+req.Size > r.offset+r.size {
		return NoAllocation, errors.Errorf("allocation request [%d, %d) does not fit the free region [%d, %d)",
			req.Offset, req.Offset+req.Size, r.offset, r.offset+r.size)
	}

	m.removeFree(r)

	padding := req.Offset - r.offset
	if padding > 0 {
		prev := r.prevPhysical
		if prev != nil && prev.free {
			m.removeFree(prev)
			prev.size += padding
			m.insertFree(prev)
		} else {
			front := m.allocateRegion()
			front.offset = r.offset
			front.size = padding
			front.prevPhysical = r.prevPhysical
			front.nextPhysical = r
			if front.prevPhysical != nil {
				front.prevPhysical.nextPhysical = front
			} else {
				m.head = front
			}
			r.prevPhysical = front
			m.insertFree(front)
		}
	}

	tail := r.offset + r.size - (req.Offset + req.Size)
	if tail > 0 {
		next := r.nextPhysical
		if next != nil && next.free {
			m.removeFree(next)
			next.offset -= tail
			next.size += tail
			m.insertFree(next)
		} else {
			back := m.allocateRegion()
			back.offset = req.Offset + req.Size
			back.size = tail
			back.prevPhysical = r
			back.nextPhysical = r.nextPhysical
			if back.nextPhysical != nil {
				back.nextPhysical.prevPhysical = back
			}
			r.nextPhysical = back
			m.insertFree(back)
		}
	}

	r.offset = req.Offset
	r.size = req.Size
	r.userData = userData
	m.offsets.Put(r.offset, r)
	m.allocCount++

	return r.handle, nil
}

func (m *FreeListBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	r, err := m.getRegion(allocHandle)
	if err != nil {
		return err
	}
	if r.free {
		return errors.New("attempted to free a region that is not allocated")
	}

	m.offsets.Delete(r.offset)
	m.allocCount--
	r.userData = nil

	prev := r.prevPhysical
	if prev != nil && prev.free {
		m.removeFree(prev)
		prev.size += r.size
		m.unlinkPhysical(r)
		m.releaseRegion(r)
		r = prev
	}

	next := r.nextPhysical
	if next != nil && next.free {
		m.removeFree(next)
		r.size += next.size
		m.unlinkPhysical(next)
		m.releaseRegion(next)
	}

	m.insertFree(r)
	return nil
}

// FreeAtOffset frees the live allocation that begins exactly at offset
func (m *FreeListBlockMetadata) FreeAtOffset(offset int) error {
	handle, ok := m.AllocationAt(offset)
	if !ok {
		return errors.Errorf("no allocation begins at offset %d", offset)
	}
	return m.Free(handle)
}

func (m *FreeListBlockMetadata) AllocationAt(offset int) (BlockAllocationHandle, bool) {
	r, ok := m.offsets.Get(offset)
	if !ok {
		return NoAllocation, false
	}
	return r.handle, true
}

func (m *FreeListBlockMetadata) VisitAllRegions(handleRegion func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for r := m.head; r != nil; r = r.nextPhysical {
		err := handleRegion(r.handle, r.offset, r.size, r.userData, r.free)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *FreeListBlockMetadata) Clear() {
	for r := m.head; r != nil; {
		next := r.nextPhysical
		m.releaseRegion(r)
		r = next
	}
	m.Init(m.Size())
}

func (m *FreeListBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.blockJsonData(json, m.freeSize, m.allocCount, m.freeCount)

	regions := json.Name("Regions").Array()
	defer regions.End()

	for r := m.head; r != nil; r = r.nextPhysical {
		obj := regions.Object()
		obj.Name("Offset").Int(r.offset)
		obj.Name("Size").Int(r.size)
		if r.free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("ALLOCATION")
			if r.userData != nil {
				obj.Name("UserData").String(fmt.Sprintf("%v", r.userData))
			}
		}
		obj.End()
	}
}

// DebugLogAllAllocations calls logFunc for every live allocation in offset order
func (m *FreeListBlockMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	for r := m.head; r != nil; r = r.nextPhysical {
		if !r.free {
			logFunc(logger, r.offset, r.size, r.userData)
		}
	}
}

func (m *FreeListBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	r, err := m.getRegion(allocHandle)
	if err != nil {
		return 0, err
	}
	if r.free {
		return 0, errors.New("requested offset of a free region")
	}
	return r.offset, nil
}

func (m *FreeListBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	r, err := m.getRegion(allocHandle)
	if err != nil {
		return 0, err
	}
	if r.free {
		return 0, errors.New("requested size of a free region")
	}
	return r.size, nil
}

func (m *FreeListBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	r, err := m.getRegion(allocHandle)
	if err != nil {
		return nil, err
	}
	if r.free {
		return nil, errors.New("requested user data of a free region")
	}
	return r.userData, nil
}

// logUnreleased is the default logFunc for DebugLogAllAllocations
func logUnreleased(log *slog.Logger, offset int, size int, userData any) {
	log.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY]",
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", userData),
	)
}

// LogUnreleased logs an error for every live allocation
func (m *FreeListBlockMetadata) LogUnreleased(logger *slog.Logger) {
	m.DebugLogAllAllocations(logger, logUnreleased)
}
