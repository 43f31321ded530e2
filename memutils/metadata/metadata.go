package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/guestvk/memutils"
)

// BlockMetadata manages suballocations within a single contiguous range of memory, allowing
// allocations to be requested, freed, enumerated and queried. It does not touch the memory itself.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used and sizes the managed range in bytes
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. It should never return an
	// error while the implementation is functioning correctly.
	Validate() error
	// AllocationCount returns the number of live suballocations
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes in the block
	SumFreeSize() int
	// MayHaveFreeBlock is a fast heuristic: false means an allocation of size definitely cannot fit
	MayHaveFreeBlock(size int) bool
	// IsEmpty returns true if there are no live suballocations
	IsEmpty() bool

	// VisitAllRegions calls handleRegion for each allocated and free region in offset order
	VisitAllRegions(handleRegion func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error
	// AllocationAt returns the handle of the live allocation that starts exactly at offset
	AllocationAt(offset int) (BlockAllocationHandle, bool)
	// AllocationOffset returns the offset of a live allocation
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationSize returns the size of a live allocation
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData that was passed to Alloc
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)

	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)

	// CreateAllocationRequest finds a place for an allocation of allocSize bytes aligned to
	// allocAlignment. It returns false with no error if there is no room.
	CreateAllocationRequest(allocSize int, allocAlignment int, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. It returns an error if the request is no longer valid.
	Alloc(request AllocationRequest, userData any) (BlockAllocationHandle, error)
	// Free frees a live suballocation
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase holds the state shared by BlockMetadata implementations
type BlockMetadataBase struct {
	size int
}

// Init sizes the block in bytes
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

func (m *BlockMetadataBase) blockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
