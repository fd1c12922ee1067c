package presence

import "sync"

// Observed is the last presence state seen by the poller.
// Known is false until the first successful fetch.
type Observed struct {
	Value string
	Known bool
}

func (o Observed) String() string {
	if !o.Known {
		return "<none>"
	}
	return o.Value
}

// Register holds the last observed state. It is the only presence state shared
// between the poller and the command handlers.
type Register struct {
	mu  sync.Mutex
	cur Observed
}

func (r *Register) Read() Observed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

// CompareAndSet stores next and reports whether it differs from the previous
// value. The first value ever stored counts as a change.
func (r *Register) CompareAndSet(next string) (changed bool, previous Observed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.cur
	if previous.Known && previous.Value == next {
		return false, previous
	}
	r.cur = Observed{Value: next, Known: true}
	return true, previous
}

// Reset forgets the last value; the next CompareAndSet is a first observation.
func (r *Register) Reset() {
	r.mu.Lock()
	r.cur = Observed{}
	r.mu.Unlock()
}
