package scheduler

import (
	"sort"
	"time"

	"servidor/internal/method"
	"servidor/internal/registry"
)

// CatchUpMisses lists today's slots strictly before now for which the latest
// run of the method is missing or older than the slot. Only active methods
// whose recurrence includes today are considered. The result is ordered by
// slot time, then key.
func CatchUpMisses(now time.Time, loc *time.Location, methods registry.Mapping, lastRuns map[string]time.Time) []Miss {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	var out []Miss
	for key, info := range methods {
		if info.Status != method.Active || !info.Runnable() {
			continue
		}
		rec, ok := ParseRecurrence(info.Recurrence, info.Weekdays)
		if !ok || !rec.RunsOn(now) {
			continue
		}
		last, hasRun := lastRuns[key]
		for _, sl := range rec.Slots {
			at := sl.On(now, loc)
			if !at.Before(now) {
				break
			}
			if hasRun && !last.Before(at) {
				continue
			}
			out = append(out, Miss{Key: key, Path: info.Path, Slot: at})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Slot.Equal(out[j].Slot) {
			return out[i].Slot.Before(out[j].Slot)
		}
		return out[i].Key < out[j].Key
	})
	return out
}
