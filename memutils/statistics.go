package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics is a cheap summary of arena usage
type Statistics struct {
	// ArenaCount is the number of host-backed arenas
	ArenaCount int
	// SuballocationCount is the number of live suballocations across those arenas
	SuballocationCount int
	// ArenaBytes is the total size of the arenas
	ArenaBytes int
	// SuballocationBytes is the total size of the live suballocations
	SuballocationBytes int
}

func (s *Statistics) Clear() {
	s.ArenaCount = 0
	s.SuballocationCount = 0
	s.ArenaBytes = 0
	s.SuballocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ArenaCount += other.ArenaCount
	s.SuballocationCount += other.SuballocationCount
	s.ArenaBytes += other.ArenaBytes
	s.SuballocationBytes += other.SuballocationBytes
}

// UnusedBytes is the number of arena bytes not covered by a live suballocation
func (s *Statistics) UnusedBytes() int {
	return s.ArenaBytes - s.SuballocationBytes
}

// WriteJson populates a json object with these statistics
func (s *Statistics) WriteJson(json jwriter.ObjectState) {
	json.Name("ArenaCount").Int(s.ArenaCount)
	json.Name("SuballocationCount").Int(s.SuballocationCount)
	json.Name("ArenaBytes").Int(s.ArenaBytes)
	json.Name("SuballocationBytes").Int(s.SuballocationBytes)
}

// DetailedStatistics extends Statistics with the extremes of the suballocation and free range sizes
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount     int
	SuballocationSizeMin int
	SuballocationSizeMax int
	UnusedRangeSizeMin   int
	UnusedRangeSizeMax   int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.SuballocationSizeMin = math.MaxInt
	s.SuballocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, size)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, size)
}

func (s *DetailedStatistics) AddSuballocation(size int) {
	s.SuballocationCount++
	s.SuballocationBytes += size
	s.SuballocationSizeMin = min(s.SuballocationSizeMin, size)
	s.SuballocationSizeMax = max(s.SuballocationSizeMax, size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, other.UnusedRangeSizeMin)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, other.UnusedRangeSizeMax)
	s.SuballocationSizeMin = min(s.SuballocationSizeMin, other.SuballocationSizeMin)
	s.SuballocationSizeMax = max(s.SuballocationSizeMax, other.SuballocationSizeMax)
}

// WriteJson populates a json object with these statistics
func (s *DetailedStatistics) WriteJson(json jwriter.ObjectState) {
	s.Statistics.WriteJson(json)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)
	if s.SuballocationCount > 0 {
		json.Name("SuballocationSizeMin").Int(s.SuballocationSizeMin)
		json.Name("SuballocationSizeMax").Int(s.SuballocationSizeMax)
	}
	if s.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}
