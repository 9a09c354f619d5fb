package localstore

import (
	"sort"
	"time"
)

// EvictionCandidate is one evictable entry with the metadata a policy needs.
type EvictionCandidate struct {
	Ref       KeyRef
	Size      int64
	WrittenAt time.Time
}

// EvictionPolicy picks which candidates to remove. Policies only choose;
// the quota monitor performs the removal through the store.
type EvictionPolicy interface {
	SelectVictims(candidates []EvictionCandidate, now time.Time) []EvictionCandidate
}

// AgePolicy is the default policy: evict entries whose WrittenAt falls
// outside the retention window, oldest first. Entries inside the window are
// never touched, which means a full store of recent data stays full and the
// monitor escalates to critical instead.
type AgePolicy struct {
	Retention time.Duration
}

func (p AgePolicy) SelectVictims(candidates []EvictionCandidate, now time.Time) []EvictionCandidate {
	retention := p.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	cutoff := now.Add(-retention)
	victims := make([]EvictionCandidate, 0)
	for _, candidate := range candidates {
		if candidate.WrittenAt.Before(cutoff) {
			victims = append(victims, candidate)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].WrittenAt.Before(victims[j].WrittenAt)
	})
	return victims
}

// SizePolicy evicts the largest entries first until the target number of
// bytes is covered. Used for manual eviction passes where age alone is not
// freeing enough.
type SizePolicy struct {
	TargetBytes int64
}

func (p SizePolicy) SelectVictims(candidates []EvictionCandidate, now time.Time) []EvictionCandidate {
	if p.TargetBytes <= 0 {
		return nil
	}
	sorted := append([]EvictionCandidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Size != sorted[j].Size {
			return sorted[i].Size > sorted[j].Size
		}
		return sorted[i].WrittenAt.Before(sorted[j].WrittenAt)
	})
	victims := make([]EvictionCandidate, 0)
	var covered int64
	for _, candidate := range sorted {
		if covered >= p.TargetBytes {
			break
		}
		victims = append(victims, candidate)
		covered += candidate.Size
	}
	return victims
}
