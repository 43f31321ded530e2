package descriptor

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/registry"
)

var (
	ErrOutOfRange     = errors.New("descriptor write is out of range for the set layout")
	ErrTypeMismatch   = errors.New("descriptor type does not match the set layout")
	ErrInvalidPayload = errors.New("descriptor write payload is invalid")
)

type bindingTable struct {
	descriptorType    core1_0.DescriptorType
	immutableSamplers bool
	entries           []Entry
	// committed mirrors what the host holds for each element after the last drain
	committed []Entry

	inline           []byte
	inlineDirtyStart int
	inlineDirtyEnd   int
}

func (b *bindingTable) isInline() bool {
	return b.descriptorType == DescriptorTypeInlineUniformBlock
}

func (b *bindingTable) markInlineDirty(start, end int) {
	if b.inlineDirtyEnd <= b.inlineDirtyStart {
		b.inlineDirtyStart = start
		b.inlineDirtyEnd = end
		return
	}
	b.inlineDirtyStart = min(b.inlineDirtyStart, start)
	b.inlineDirtyEnd = max(b.inlineDirtyEnd, end)
}

// WriteTable is the local shadow of a descriptor set's contents, indexed by binding number and
// then array element. A slot whose Type is not WriteTypeEmpty has been written since the last commit.
// The table also remembers what each slot held when it was last committed, so copies out of a set
// never need the host.
type WriteTable struct {
	layout   *SetLayout
	bindings []bindingTable
}

type slot struct {
	binding *bindingTable
	number  int
	element int
}

func newWriteTable(layout *SetLayout) *WriteTable {
	table := &WriteTable{
		layout:   layout,
		bindings: make([]bindingTable, len(layout.byNumber)),
	}

	for _, binding := range layout.bindings {
		b := &table.bindings[binding.Binding]
		b.descriptorType = binding.DescriptorType
		b.immutableSamplers = len(binding.ImmutableSamplers) > 0
		if b.isInline() {
			b.inline = make([]byte, binding.DescriptorCount)
		} else {
			b.entries = make([]Entry, binding.DescriptorCount)
			b.committed = make([]Entry, binding.DescriptorCount)
		}
	}

	return table
}

// slots resolves count consecutive array elements starting at binding/element. When the element
// index passes the end of a binding, it continues at element 0 of the next declared binding.
func (t *WriteTable) slots(binding, element, count int) ([]slot, error) {
	if binding < 0 || binding >= len(t.bindings) || element < 0 {
		return nil, errors.Wrapf(ErrOutOfRange, "binding %d element %d", binding, element)
	}

	slots := make([]slot, 0, count)
	for i := 0; i < count; i++ {
		for element >= len(t.bindings[binding].entries) {
			if t.bindings[binding].isInline() {
				return nil, errors.Wrapf(ErrTypeMismatch, "array write spans into inline uniform block binding %d", binding)
			}
			element -= len(t.bindings[binding].entries)
			next, ok := t.layout.nextBinding(binding)
			if !ok {
				return nil, errors.Wrapf(ErrOutOfRange, "array write runs past the last binding %d", binding)
			}
			binding = next
		}
		slots = append(slots, slot{binding: &t.bindings[binding], number: binding, element: element})
		element++
	}

	return slots, nil
}

func (t *WriteTable) write(w Write, samplerLive func(registry.Handle) bool) error {
	if WriteTypeFor(w.DescriptorType) == WriteTypeInlineUniformBlock {
		return t.writeInline(w.DstBinding, w.DstArrayElement, w.InlineData)
	}

	count := w.DescriptorCount()
	slots, err := t.slots(w.DstBinding, w.DstArrayElement, count)
	if err != nil {
		return err
	}
	for _, s := range slots {
		if s.binding.descriptorType != w.DescriptorType {
			return errors.Wrapf(ErrTypeMismatch, "binding %d has type %d, write has type %d", s.number, s.binding.descriptorType, w.DescriptorType)
		}
	}

	for i, s := range slots {
		entry := w.entry(i)
		if entry.Type == WriteTypeImageInfo {
			entry.Image.Sampler = filterSampler(s.binding, entry.Image.Sampler, samplerLive)
		}
		s.binding.entries[s.element] = entry
	}

	return nil
}

func filterSampler(binding *bindingTable, sampler registry.Handle, samplerLive func(registry.Handle) bool) registry.Handle {
	if !usesSampler(binding.descriptorType) || binding.immutableSamplers {
		return registry.NullHandle
	}
	if sampler != registry.NullHandle && samplerLive != nil && !samplerLive(sampler) {
		return registry.NullHandle
	}
	return sampler
}

func (t *WriteTable) inlineBinding(binding int) (*bindingTable, error) {
	if binding < 0 || binding >= len(t.bindings) {
		return nil, errors.Wrapf(ErrOutOfRange, "binding %d", binding)
	}
	b := &t.bindings[binding]
	if !b.isInline() {
		return nil, errors.Wrapf(ErrTypeMismatch, "binding %d is not an inline uniform block", binding)
	}
	return b, nil
}

func (t *WriteTable) writeInline(binding, offset int, data []byte) error {
	b, err := t.inlineBinding(binding)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(data) > len(b.inline) {
		return errors.Wrapf(ErrOutOfRange, "inline write [%d, %d) exceeds binding %d of %d bytes", offset, offset+len(data), binding, len(b.inline))
	}
	if len(data) == 0 {
		return nil
	}

	copy(b.inline[offset:], data)
	b.markInlineDirty(offset, offset+len(data))
	return nil
}

func (t *WriteTable) read(binding, element int) (Entry, error) {
	slots, err := t.slots(binding, element, 1)
	if err != nil {
		return Entry{}, err
	}
	s := slots[0]
	return s.binding.entries[s.element], nil
}

func (t *WriteTable) readInline(binding int) ([]byte, error) {
	b, err := t.inlineBinding(binding)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b.inline))
	copy(out, b.inline)
	return out, nil
}

func (t *WriteTable) descriptorType(binding int) (core1_0.DescriptorType, bool) {
	if binding < 0 || binding >= len(t.bindings) {
		return 0, false
	}
	return t.bindings[binding].descriptorType, true
}

// drain appends every written slot to batch as coalesced runs, records them as committed and
// resets them to empty
func (t *WriteTable) drain(set registry.Handle, samplerLive func(registry.Handle) bool, batch *CommitBatch) {
	for number := range t.bindings {
		b := &t.bindings[number]

		if b.isInline() {
			if b.inlineDirtyEnd > b.inlineDirtyStart {
				data := make([]byte, b.inlineDirtyEnd-b.inlineDirtyStart)
				copy(data, b.inline[b.inlineDirtyStart:b.inlineDirtyEnd])
				batch.Writes = append(batch.Writes, CommitWrite{
					Set:            set,
					Binding:        number,
					ArrayElement:   b.inlineDirtyStart,
					DescriptorType: b.descriptorType,
					Type:           WriteTypeInlineUniformBlock,
					InlineData:     data,
				})
				b.inlineDirtyStart = 0
				b.inlineDirtyEnd = 0
			}
			continue
		}

		var run *CommitWrite
		for element := range b.entries {
			entry := b.entries[element]
			if entry.Type == WriteTypeEmpty {
				run = nil
				continue
			}

			if run == nil || run.Type != entry.Type {
				batch.Writes = append(batch.Writes, CommitWrite{
					Set:            set,
					Binding:        number,
					ArrayElement:   element,
					DescriptorType: b.descriptorType,
					Type:           entry.Type,
				})
				run = &batch.Writes[len(batch.Writes)-1]
			}

			switch entry.Type {
			case WriteTypeImageInfo:
				image := entry.Image
				image.Sampler = filterSampler(b, image.Sampler, samplerLive)
				run.ImageInfo = append(run.ImageInfo, image)
			case WriteTypeBufferInfo:
				run.BufferInfo = append(run.BufferInfo, entry.Buffer)
			case WriteTypeBufferView:
				run.TexelBufferView = append(run.TexelBufferView, entry.BufferView)
			}

			b.committed[element] = entry
			b.entries[element] = Entry{}
		}
	}
}

// current returns the payload a slot would hold on the host once pending writes are committed
func (s slot) current() Entry {
	if entry := s.binding.entries[s.element]; entry.Type != WriteTypeEmpty {
		return entry
	}
	return s.binding.committed[s.element]
}

// hasPendingWrites returns true if any slot has been written since the last drain
func (t *WriteTable) hasPendingWrites() bool {
	for number := range t.bindings {
		b := &t.bindings[number]
		if b.inlineDirtyEnd > b.inlineDirtyStart {
			return true
		}
		for _, entry := range b.entries {
			if entry.Type != WriteTypeEmpty {
				return true
			}
		}
	}
	return false
}
