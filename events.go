package swapd

import (
	"sync"

	"github.com/boltzops/swapd/swapdb"
	"github.com/lightningnetwork/lnd/queue"
)

// SwapUpdateKind says which swap type an update belongs to.
type SwapUpdateKind uint8

const (
	// UpdateKindSwap is a submarine swap update.
	UpdateKindSwap SwapUpdateKind = iota

	// UpdateKindReverseSwap is a reverse swap update.
	UpdateKindReverseSwap

	// UpdateKindChainSwap is a chain swap update.
	UpdateKindChainSwap
)

// String returns a human readable name of the swap kind.
func (k SwapUpdateKind) String() string {
	switch k {
	case UpdateKindSwap:
		return "submarine"

	case UpdateKindReverseSwap:
		return "reverse"

	case UpdateKindChainSwap:
		return "chain"

	default:
		return "unknown"
	}
}

// SwapUpdate is a status transition of a swap, broadcast to all subscribers.
type SwapUpdate struct {
	// Kind is the swap type the update belongs to.
	Kind SwapUpdateKind

	// ID is the id of the swap.
	ID string

	// Status is the new status.
	Status swapdb.Status

	// FailureReason is set when the transition is a failure.
	FailureReason string
}

// updateBroadcaster fans swap updates out to subscribers. Each subscriber
// gets an unbounded queue so a slow consumer never blocks the nurseries.
type updateBroadcaster struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[int]*subscriber
}

type subscriber struct {
	queue *queue.ConcurrentQueue
	quit  chan struct{}
}

func newUpdateBroadcaster() *updateBroadcaster {
	return &updateBroadcaster{
		subscribers: make(map[int]*subscriber),
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the subscription.
func (b *updateBroadcaster) Subscribe() (<-chan SwapUpdate, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		queue: queue.NewConcurrentQueue(16),
		quit:  make(chan struct{}),
	}
	sub.queue.Start()

	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub

	updateChan := make(chan SwapUpdate)
	go func() {
		for {
			select {
			case item := <-sub.queue.ChanOut():
				update, ok := item.(SwapUpdate)
				if !ok {
					continue
				}

				select {
				case updateChan <- update:
				case <-sub.quit:
					return
				}

			case <-sub.quit:
				return
			}
		}
	}()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subscribers[id]; !ok {
			return
		}

		delete(b.subscribers, id)
		close(sub.quit)
		sub.queue.Stop()
	}

	return updateChan, cancel
}

// notify delivers an update to all subscribers.
func (b *updateBroadcaster) notify(update SwapUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		select {
		case sub.queue.ChanIn() <- update:
		case <-sub.quit:
		}
	}
}

// close releases all subscriptions.
func (b *updateBroadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.quit)
		sub.queue.Stop()
	}
}
