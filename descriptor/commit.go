package descriptor

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/registry"
)

// PendingAllocation is a descriptor set the host has not realized yet
type PendingAllocation struct {
	Pool   registry.Handle
	Set    registry.Handle
	Layout registry.Handle
	PoolID uint64
}

// CommitWrite is a run of consecutive written slots within one binding
type CommitWrite struct {
	Set            registry.Handle
	Binding        int
	ArrayElement   int
	DescriptorType core1_0.DescriptorType
	Type           WriteType

	ImageInfo       []ImageInfo
	BufferInfo      []BufferInfo
	TexelBufferView []registry.Handle
	InlineData      []byte
}

// DescriptorCount is the number of descriptors, or bytes for inline uniform blocks, in the run
func (w CommitWrite) DescriptorCount() int {
	switch w.Type {
	case WriteTypeImageInfo:
		return len(w.ImageInfo)
	case WriteTypeBufferInfo:
		return len(w.BufferInfo)
	case WriteTypeBufferView:
		return len(w.TexelBufferView)
	case WriteTypeInlineUniformBlock:
		return len(w.InlineData)
	}
	return 0
}

// CommitBatch is everything the host needs to bring a group of descriptor sets up to date. The
// host realizes Allocations before applying Writes.
type CommitBatch struct {
	Allocations []PendingAllocation
	Writes      []CommitWrite
}

func (b *CommitBatch) IsEmpty() bool {
	return len(b.Allocations) == 0 && len(b.Writes) == 0
}
