package bundler

import (
	"sync"
	"time"

	"github.com/JakeFAU/croc/internal/prerender"
)

// BuildEvent is broadcast every time a build completes.
type BuildEvent struct {
	Mode prerender.BuildMode
	At   time.Time
	// Changes is the number of output file events seen; zero for one-shot builds.
	Changes int
}

// broadcaster fans build events out to subscribers. Slow subscribers miss
// events rather than stall the build.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan BuildEvent
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan BuildEvent)}
}

func (b *broadcaster) subscribe() (<-chan BuildEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan BuildEvent, 4)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		})
	}
}

func (b *broadcaster) publish(ev BuildEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
