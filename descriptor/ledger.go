package descriptor

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slices"
)

var ErrOutOfPoolMemory = errors.New("descriptor pool has insufficient capacity")

type PoolSize struct {
	Type            core1_0.DescriptorType
	DescriptorCount int
}

// PoolBucket is the quota for one VkDescriptorPoolSize entry
type PoolBucket struct {
	Type     core1_0.DescriptorType
	Capacity int
	Used     int
}

// PoolAllocationInfo is the local quota ledger of a descriptor pool. Used never exceeds Capacity
// for any bucket, and UsedSets never exceeds MaxSets.
type PoolAllocationInfo struct {
	MaxSets  int
	UsedSets int
	Buckets  []PoolBucket
}

func NewPoolAllocationInfo(maxSets int, sizes []PoolSize) *PoolAllocationInfo {
	info := &PoolAllocationInfo{MaxSets: maxSets}
	for _, size := range sizes {
		info.Buckets = append(info.Buckets, PoolBucket{Type: size.Type, Capacity: size.DescriptorCount})
	}
	return info
}

func (p *PoolAllocationInfo) Clone() *PoolAllocationInfo {
	return &PoolAllocationInfo{
		MaxSets:  p.MaxSets,
		UsedSets: p.UsedSets,
		Buckets:  slices.Clone(p.Buckets),
	}
}

// Claim records the bucket each binding of a set's layout drew its descriptors from, in layout
// binding order. Bindings with no descriptors hold -1.
type Claim []int

func (p *PoolAllocationInfo) allocate(layout *SetLayout) (Claim, error) {
	if p.UsedSets+1 > p.MaxSets {
		return nil, errors.Wrapf(ErrOutOfPoolMemory, "pool already holds its maximum of %d sets", p.MaxSets)
	}

	claim := make(Claim, len(layout.bindings))
	for bindingIndex, binding := range layout.bindings {
		claim[bindingIndex] = -1
		if binding.DescriptorCount == 0 {
			continue
		}

		for i := range p.Buckets {
			bucket := &p.Buckets[i]
			if bucket.Type == binding.DescriptorType && bucket.Used+binding.DescriptorCount <= bucket.Capacity {
				bucket.Used += binding.DescriptorCount
				claim[bindingIndex] = i
				break
			}
		}

		if claim[bindingIndex] < 0 {
			return nil, errors.Wrapf(ErrOutOfPoolMemory, "no room for %d descriptors of type %d for binding %d",
				binding.DescriptorCount, binding.DescriptorType, binding.Binding)
		}
	}

	p.UsedSets++
	return claim, nil
}

func (p *PoolAllocationInfo) release(layout *SetLayout, claim Claim) error {
	if p.UsedSets < 1 {
		return errors.AssertionFailedf("releasing a set from a pool that holds no sets")
	}
	if len(claim) != len(layout.bindings) {
		return errors.AssertionFailedf("claim covers %d bindings, layout has %d", len(claim), len(layout.bindings))
	}

	for bindingIndex, binding := range layout.bindings {
		index := claim[bindingIndex]
		if index < 0 {
			continue
		}
		if index >= len(p.Buckets) {
			return errors.AssertionFailedf("claim names bucket %d of %d", index, len(p.Buckets))
		}

		bucket := &p.Buckets[index]
		if bucket.Type != binding.DescriptorType || bucket.Used < binding.DescriptorCount {
			return errors.AssertionFailedf("releasing %d descriptors of type %d that bucket %d never granted",
				binding.DescriptorCount, binding.DescriptorType, index)
		}
	}

	for bindingIndex, binding := range layout.bindings {
		if index := claim[bindingIndex]; index >= 0 {
			p.Buckets[index].Used -= binding.DescriptorCount
		}
	}
	p.UsedSets--
	return nil
}

// Validate simulates allocating one set per layout against a copy of the ledger. It returns an
// error wrapping ErrOutOfPoolMemory if any of them would not fit, and leaves the ledger untouched.
func (p *PoolAllocationInfo) Validate(layouts []*SetLayout) error {
	simulation := p.Clone()
	for _, layout := range layouts {
		if _, err := simulation.allocate(layout); err != nil {
			return err
		}
	}
	return nil
}

// Apply allocates one set per layout and returns the claim of each. It performs the same walk as
// Validate, and fails with no changes to the ledger if Validate would have failed.
func (p *PoolAllocationInfo) Apply(layouts []*SetLayout) ([]Claim, error) {
	applied := p.Clone()
	claims := make([]Claim, 0, len(layouts))
	for _, layout := range layouts {
		claim, err := applied.allocate(layout)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	*p = *applied
	return claims, nil
}

// Release returns the quota a set took when it was allocated with claim. The ledger is unchanged
// if the claim does not match it.
func (p *PoolAllocationInfo) Release(layout *SetLayout, claim Claim) error {
	return p.release(layout, claim)
}

// Reset returns all quota
func (p *PoolAllocationInfo) Reset() {
	p.UsedSets = 0
	for i := range p.Buckets {
		p.Buckets[i].Used = 0
	}
}

func (p *PoolAllocationInfo) WriteJson(json jwriter.ObjectState) {
	json.Name("MaxSets").Int(p.MaxSets)
	json.Name("UsedSets").Int(p.UsedSets)

	buckets := json.Name("Buckets").Array()
	defer buckets.End()

	for _, bucket := range p.Buckets {
		obj := buckets.Object()
		obj.Name("Type").Int(int(bucket.Type))
		obj.Name("Capacity").Int(bucket.Capacity)
		obj.Name("Used").Int(bucket.Used)
		obj.End()
	}
}
