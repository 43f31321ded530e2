package metadata

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and indicates where the
// metadata intends to place a new allocation. It can be committed with BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the free region the allocation will be carved out of
	BlockAllocationHandle BlockAllocationHandle
	// Offset is the aligned offset of the allocation within the block
	Offset int
	// Size is the size of the allocation in bytes
	Size int
}
