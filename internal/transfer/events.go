package transfer

import "sync"

// Bus fans snapshots out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses that update.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Snapshot
	next   uint64
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Snapshot)}
}

// Subscribe registers a new channel with the given buffer. The returned func
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers s to every subscriber that has room. A nil Bus is a no-op.
func (b *Bus) Publish(s Snapshot) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Recorder is told about every transfer that reaches a terminal status.
type Recorder interface {
	Record(Snapshot)
}

// Recorders fans a terminal snapshot out to several recorders.
type Recorders []Recorder

func (rs Recorders) Record(s Snapshot) {
	for _, r := range rs {
		if r != nil {
			r.Record(s)
		}
	}
}
