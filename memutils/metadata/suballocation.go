package metadata

import "math"

// BlockAllocationHandle identifies a single region (allocated or free) inside a BlockMetadata
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)
