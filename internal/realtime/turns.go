package realtime

import "sync"

// turnOrders assigns each conversation turn a strictly increasing order
// number at the moment the turn starts (item or response created), not
// when its transcript completes. Transcripts that finish out of order
// still carry the order of when they were spoken, so the client can
// re-sort them.
type turnOrders struct {
	mu         sync.Mutex
	counter    int
	byItem     map[string]int
	byResponse map[string]int
}

func newTurnOrders() *turnOrders {
	return &turnOrders{
		byItem:     make(map[string]int),
		byResponse: make(map[string]int),
	}
}

func (t *turnOrders) next() int {
	t.counter++
	return t.counter
}

// startItem records the order for a user item at creation time.
func (t *turnOrders) startItem(itemID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	order := t.next()
	t.byItem[itemID] = order
	return order
}

// startResponse records the order for an assistant response at creation
// time.
func (t *turnOrders) startResponse(responseID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	order := t.next()
	t.byResponse[responseID] = order
	return order
}

// takeItem returns the order assigned when the item was created. When
// the creation event was missed a fresh order is allocated as fallback.
func (t *turnOrders) takeItem(itemID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if order, ok := t.byItem[itemID]; ok {
		delete(t.byItem, itemID)
		return order
	}
	return t.next()
}

// takeResponse returns the order assigned when the response was created,
// allocating a fresh one when the creation event was missed.
func (t *turnOrders) takeResponse(responseID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if order, ok := t.byResponse[responseID]; ok {
		delete(t.byResponse, responseID)
		return order
	}
	return t.next()
}
