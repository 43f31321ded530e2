package descriptor

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/registry"
	"golang.org/x/exp/slices"
)

type LayoutBinding struct {
	Binding           int
	DescriptorType    core1_0.DescriptorType
	DescriptorCount   int
	ImmutableSamplers []registry.Handle
}

type SetLayoutCreateInfo struct {
	Bindings []LayoutBinding
}

// SetLayout is the local shadow of a VkDescriptorSetLayout. Sets hold on to their SetLayout
// after the layout handle is destroyed.
type SetLayout struct {
	device   registry.Handle
	bindings []LayoutBinding
	// byNumber maps binding number to index in bindings, -1 if absent
	byNumber []int

	// pendingSets counts sets allocated with this layout that the host has not realized. The host
	// needs the layout to realize them, so its destruction waits for this to reach zero.
	pendingSets int
	destroyed   bool
}

// ReleasedLayout is a destroyed layout that no pending set references anymore. Its host object can
// be destroyed.
type ReleasedLayout struct {
	Device registry.Handle
	Layout registry.Handle
}

func newSetLayout(device registry.Handle, info SetLayoutCreateInfo) (*SetLayout, error) {
	layout := &SetLayout{
		device:   device,
		bindings: slices.Clone(info.Bindings),
	}
	slices.SortFunc(layout.bindings, func(a, b LayoutBinding) bool {
		return a.Binding < b.Binding
	})

	maxBinding := -1
	for i, binding := range layout.bindings {
		if binding.Binding < 0 || binding.DescriptorCount < 0 {
			return nil, errors.Newf("invalid layout binding %d with count %d", binding.Binding, binding.DescriptorCount)
		}
		if i > 0 && layout.bindings[i-1].Binding == binding.Binding {
			return nil, errors.Newf("layout binding %d declared twice", binding.Binding)
		}
		if WriteTypeFor(binding.DescriptorType) == WriteTypeEmpty {
			return nil, errors.Newf("layout binding %d has unsupported descriptor type %d", binding.Binding, binding.DescriptorType)
		}
		maxBinding = binding.Binding
	}

	layout.byNumber = make([]int, maxBinding+1)
	for i := range layout.byNumber {
		layout.byNumber[i] = -1
	}
	for i, binding := range layout.bindings {
		layout.byNumber[binding.Binding] = i
	}

	return layout, nil
}

func (l *SetLayout) Device() registry.Handle   { return l.device }
func (l *SetLayout) Bindings() []LayoutBinding { return l.bindings }

// Binding returns the declaration for a binding number
func (l *SetLayout) Binding(binding int) (LayoutBinding, bool) {
	if binding < 0 || binding >= len(l.byNumber) || l.byNumber[binding] < 0 {
		return LayoutBinding{}, false
	}
	return l.bindings[l.byNumber[binding]], true
}

// nextBinding returns the lowest declared binding number above binding
func (l *SetLayout) nextBinding(binding int) (int, bool) {
	for next := binding + 1; next < len(l.byNumber); next++ {
		if l.byNumber[next] >= 0 {
			return next, true
		}
	}
	return 0, false
}
