package descriptor

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/registry"
)

// DescriptorTypeInlineUniformBlock is VK_DESCRIPTOR_TYPE_INLINE_UNIFORM_BLOCK. For bindings of this
// type, descriptor counts and array elements are measured in bytes.
const DescriptorTypeInlineUniformBlock core1_0.DescriptorType = 1000138000

// WriteType tags the payload stored in a WriteTable slot
type WriteType uint8

const (
	WriteTypeEmpty WriteType = iota
	WriteTypeImageInfo
	WriteTypeBufferInfo
	WriteTypeBufferView
	WriteTypeInlineUniformBlock
)

var writeTypeMapping = map[WriteType]string{
	WriteTypeEmpty:              "Empty",
	WriteTypeImageInfo:          "ImageInfo",
	WriteTypeBufferInfo:         "BufferInfo",
	WriteTypeBufferView:         "BufferView",
	WriteTypeInlineUniformBlock: "InlineUniformBlock",
}

func (t WriteType) String() string {
	str, ok := writeTypeMapping[t]
	if !ok {
		return fmt.Sprintf("WriteType(%d)", uint8(t))
	}
	return str
}

// WriteTypeFor returns the payload kind used by descriptors of the given type
func WriteTypeFor(descriptorType core1_0.DescriptorType) WriteType {
	switch descriptorType {
	case core1_0.DescriptorTypeSampler,
		core1_0.DescriptorTypeCombinedImageSampler,
		core1_0.DescriptorTypeSampledImage,
		core1_0.DescriptorTypeStorageImage,
		core1_0.DescriptorTypeInputAttachment:
		return WriteTypeImageInfo
	case core1_0.DescriptorTypeUniformTexelBuffer,
		core1_0.DescriptorTypeStorageTexelBuffer:
		return WriteTypeBufferView
	case core1_0.DescriptorTypeUniformBuffer,
		core1_0.DescriptorTypeStorageBuffer,
		core1_0.DescriptorTypeUniformBufferDynamic,
		core1_0.DescriptorTypeStorageBufferDynamic:
		return WriteTypeBufferInfo
	case DescriptorTypeInlineUniformBlock:
		return WriteTypeInlineUniformBlock
	default:
		return WriteTypeEmpty
	}
}

func usesSampler(descriptorType core1_0.DescriptorType) bool {
	return descriptorType == core1_0.DescriptorTypeSampler || descriptorType == core1_0.DescriptorTypeCombinedImageSampler
}

type ImageInfo struct {
	Sampler     registry.Handle
	ImageView   registry.Handle
	ImageLayout core1_0.ImageLayout
}

type BufferInfo struct {
	Buffer registry.Handle
	Offset int
	Range  int
}

// Entry is a single slot of a WriteTable
type Entry struct {
	Type       WriteType
	Image      ImageInfo
	Buffer     BufferInfo
	BufferView registry.Handle
}

// Write mirrors VkWriteDescriptorSet. Exactly one of ImageInfo, BufferInfo, TexelBufferView or
// InlineData is read, depending on DescriptorType. For inline uniform blocks, DstArrayElement is a
// byte offset and InlineData holds the bytes to write.
type Write struct {
	DstSet          registry.Handle
	DstBinding      int
	DstArrayElement int
	DescriptorType  core1_0.DescriptorType

	ImageInfo       []ImageInfo
	BufferInfo      []BufferInfo
	TexelBufferView []registry.Handle
	InlineData      []byte
}

// DescriptorCount is the number of descriptors (or bytes, for inline uniform blocks) the write covers
func (w Write) DescriptorCount() int {
	switch WriteTypeFor(w.DescriptorType) {
	case WriteTypeImageInfo:
		return len(w.ImageInfo)
	case WriteTypeBufferInfo:
		return len(w.BufferInfo)
	case WriteTypeBufferView:
		return len(w.TexelBufferView)
	case WriteTypeInlineUniformBlock:
		return len(w.InlineData)
	default:
		return 0
	}
}

func (w Write) entry(index int) Entry {
	switch WriteTypeFor(w.DescriptorType) {
	case WriteTypeImageInfo:
		return Entry{Type: WriteTypeImageInfo, Image: w.ImageInfo[index]}
	case WriteTypeBufferInfo:
		return Entry{Type: WriteTypeBufferInfo, Buffer: w.BufferInfo[index]}
	case WriteTypeBufferView:
		return Entry{Type: WriteTypeBufferView, BufferView: w.TexelBufferView[index]}
	default:
		return Entry{}
	}
}

// Copy mirrors VkCopyDescriptorSet
type Copy struct {
	SrcSet          registry.Handle
	SrcBinding      int
	SrcArrayElement int
	DstSet          registry.Handle
	DstBinding      int
	DstArrayElement int
	DescriptorCount int
}

// SetState tracks whether a descriptor set exists on the host yet
type SetState uint8

const (
	SetStateUninitialized SetState = iota
	SetStateAllocationPending
	SetStateCommitted
)

var setStateMapping = map[SetState]string{
	SetStateUninitialized:     "Uninitialized",
	SetStateAllocationPending: "AllocationPending",
	SetStateCommitted:         "Committed",
}

func (s SetState) String() string {
	str, ok := setStateMapping[s]
	if !ok {
		return fmt.Sprintf("SetState(%d)", uint8(s))
	}
	return str
}
