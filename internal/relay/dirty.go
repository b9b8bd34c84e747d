package relay

import "sync"

// dirtySet remembers which facilities changed since the last broadcast
// cycle. Marking is idempotent; draining swaps the set out wholesale so
// markers never wait on a running broadcast.
type dirtySet struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func newDirtySet() *dirtySet {
	return &dirtySet{set: make(map[string]struct{})}
}

func (d *dirtySet) Mark(facility string) {
	d.mu.Lock()
	d.set[facility] = struct{}{}
	d.mu.Unlock()
}

// Drain returns the marked facilities and resets the set. A facility the
// broadcaster then skips stays unmarked until new data arrives.
func (d *dirtySet) Drain() []string {
	d.mu.Lock()
	set := d.set
	d.set = make(map[string]struct{})
	d.mu.Unlock()

	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	return out
}

func (d *dirtySet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.set)
}
