package files

// Entry is one cached file considered for eviction.
type Entry struct {
	Name string
	Size int64
	Refs int
	// Pinned files are needed by a task dispatched or running on the worker.
	Pinned bool
}

// SelectEvictions returns the names to evict so that occupancy drops to at most limit. Entries
// must be ordered from least to most recently used; they are taken in that order. Only
// unreferenced, unpinned files are chosen, so the result may leave the cache above limit.
func SelectEvictions(entries []Entry, occupancy, limit int64) []string {
	var out []string
	for _, e := range entries {
		if occupancy <= limit {
			break
		}
		if e.Refs > 0 || e.Pinned {
			continue
		}
		out = append(out, e.Name)
		occupancy -= e.Size
	}
	return out
}
