package relay

import "sync"

// Sink is the engine's view of one subscribed client. Transports own the
// real connection; the engine only ever hands frames to a queue.
//
// Enqueue must not block. It returns false when the frame was not
// accepted (queue full or client gone) so the engine can count the drop
// and move on. Closed reports whether the client is finished; the engine
// skips closed sinks but never removes them, that is the transport's job
// via Unsubscribe.
type Sink interface {
	Enqueue(frame []byte) bool
	Closed() bool
}

// registry maps facility -> client ID -> sink. Buckets disappear with
// their last client so an idle facility costs nothing.
type registry struct {
	mu      sync.RWMutex
	clients map[string]map[string]Sink
}

func newRegistry() *registry {
	return &registry{clients: make(map[string]map[string]Sink)}
}

func (r *registry) add(facility, id string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.clients[facility]
	if bucket == nil {
		bucket = make(map[string]Sink)
		r.clients[facility] = bucket
	}
	bucket[id] = s
}

func (r *registry) remove(facility, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.clients[facility]
	if _, ok := bucket[id]; !ok {
		return false
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(r.clients, facility)
	}
	return true
}

// sinks snapshots a facility's subscribers so delivery happens outside
// the lock.
func (r *registry) sinks(facility string) []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.clients[facility]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]Sink, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	return out
}

func (r *registry) count(facility string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients[facility])
}

func (r *registry) total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, bucket := range r.clients {
		n += len(bucket)
	}
	return n
}
