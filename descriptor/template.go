package descriptor

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/memutils"
	"github.com/vkngwrapper/guestvk/registry"
	"golang.org/x/exp/slices"
)

// Sizes of the records read from update template data. They match the 64-bit layouts of
// VkDescriptorImageInfo, VkDescriptorBufferInfo and VkBufferView.
const (
	ImageInfoSize  = 24
	BufferInfoSize = 24
	BufferViewSize = 8
)

type TemplateEntry struct {
	DstBinding      int
	DstArrayElement int
	DescriptorCount int
	DescriptorType  core1_0.DescriptorType
	Offset          int
	Stride          int
}

type UpdateTemplateCreateInfo struct {
	DescriptorSetLayout registry.Handle
	Entries             []TemplateEntry
}

type UpdateTemplate struct {
	device  registry.Handle
	layout  registry.Handle
	entries []TemplateEntry
}

func (t *UpdateTemplate) Device() registry.Handle { return t.device }

// PutImageInfo encodes info at the start of data, which must be at least ImageInfoSize bytes
func PutImageInfo(data []byte, info ImageInfo) {
	binary.LittleEndian.PutUint64(data[0:], uint64(info.Sampler))
	binary.LittleEndian.PutUint64(data[8:], uint64(info.ImageView))
	binary.LittleEndian.PutUint32(data[16:], uint32(info.ImageLayout))
}

// PutBufferInfo encodes info at the start of data, which must be at least BufferInfoSize bytes
func PutBufferInfo(data []byte, info BufferInfo) {
	binary.LittleEndian.PutUint64(data[0:], uint64(info.Buffer))
	binary.LittleEndian.PutUint64(data[8:], uint64(int64(info.Offset)))
	binary.LittleEndian.PutUint64(data[16:], uint64(int64(info.Range)))
}

// PutBufferView encodes view at the start of data, which must be at least BufferViewSize bytes
func PutBufferView(data []byte, view registry.Handle) {
	binary.LittleEndian.PutUint64(data, uint64(view))
}

func recordSize(descriptorType core1_0.DescriptorType) int {
	switch WriteTypeFor(descriptorType) {
	case WriteTypeImageInfo:
		return ImageInfoSize
	case WriteTypeBufferInfo:
		return BufferInfoSize
	case WriteTypeBufferView:
		return BufferViewSize
	}
	return 0
}

// writes decodes template data into the equivalent list of Writes against set
func (t *UpdateTemplate) writes(set registry.Handle, data []byte) ([]Write, error) {
	writes := make([]Write, 0, len(t.entries))

	for _, entry := range t.entries {
		write := Write{
			DstSet:          set,
			DstBinding:      entry.DstBinding,
			DstArrayElement: entry.DstArrayElement,
			DescriptorType:  entry.DescriptorType,
		}

		writeType := WriteTypeFor(entry.DescriptorType)
		if writeType == WriteTypeInlineUniformBlock {
			if err := memutils.CheckRange(entry.Offset, entry.DescriptorCount, len(data)); err != nil {
				return nil, errors.Mark(err, ErrInvalidPayload)
			}
			write.InlineData = slices.Clone(data[entry.Offset : entry.Offset+entry.DescriptorCount])
			writes = append(writes, write)
			continue
		}

		size := recordSize(entry.DescriptorType)
		if size == 0 {
			return nil, errors.Wrapf(ErrInvalidPayload, "unsupported descriptor type %d in update template", entry.DescriptorType)
		}

		for i := 0; i < entry.DescriptorCount; i++ {
			offset := entry.Offset + i*entry.Stride
			if err := memutils.CheckRange(offset, size, len(data)); err != nil {
				return nil, errors.Mark(err, ErrInvalidPayload)
			}
			record := data[offset : offset+size]

			switch writeType {
			case WriteTypeImageInfo:
				write.ImageInfo = append(write.ImageInfo, ImageInfo{
					Sampler:     registry.Handle(binary.LittleEndian.Uint64(record[0:])),
					ImageView:   registry.Handle(binary.LittleEndian.Uint64(record[8:])),
					ImageLayout: core1_0.ImageLayout(binary.LittleEndian.Uint32(record[16:])),
				})
			case WriteTypeBufferInfo:
				write.BufferInfo = append(write.BufferInfo, BufferInfo{
					Buffer: registry.Handle(binary.LittleEndian.Uint64(record[0:])),
					Offset: int(int64(binary.LittleEndian.Uint64(record[8:]))),
					Range:  int(int64(binary.LittleEndian.Uint64(record[16:]))),
				})
			case WriteTypeBufferView:
				write.TexelBufferView = append(write.TexelBufferView, registry.Handle(binary.LittleEndian.Uint64(record)))
			}
		}

		writes = append(writes, write)
	}

	return writes, nil
}
