package metadata

// AllocationStrategy selects how a free region is chosen for a new allocation. If none is
// chosen, the fastest strategy is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest free region that fits, limiting fragmentation
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime chooses the first free region found in a size class that is
	// guaranteed to fit
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset chooses the free region with the lowest offset
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "MinMemory",
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinOffset: "MinOffset",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "Default"
	}
	return str
}
