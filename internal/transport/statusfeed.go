package transport

import "sync"

// statusFeed is a current-value observable over the transport status.
// Subscribers get the value at subscribe time and every change afterwards;
// a slow subscriber loses intermediate values, never the latest one.
type statusFeed struct {
	mu      sync.Mutex
	current Status
	subs    map[int]chan Status
	nextID  int
}

func newStatusFeed(initial Status) *statusFeed {
	return &statusFeed{
		current: initial,
		subs:    make(map[int]chan Status),
	}
}

func (f *statusFeed) Get() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Set updates the status and fans it out. Returns false when the value is
// unchanged, in which case nothing is published.
func (f *statusFeed) Set(status Status) bool {
	f.mu.Lock()
	if f.current == status {
		f.mu.Unlock()
		return false
	}
	f.current = status
	subs := make([]chan Status, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	f.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- status:
		default:
			// Full buffer: drop the oldest value so the latest lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- status:
			default:
			}
		}
	}
	return true
}

func (f *statusFeed) Subscribe() (<-chan Status, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Status, 16)
	ch <- f.current

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
	return ch, cancel
}
