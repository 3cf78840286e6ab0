package core

import "sync"

// Token is one conforming unit handed from a station to the next
const Token = "ITEM"

// HandoffQueue connects one station's output to the next station's input.
// It is unbounded and FIFO; an empty queue is a normal condition.
type HandoffQueue struct {
	mu    sync.Mutex
	items []string
	name  string
}

// NewHandoffQueue creates an empty queue
func NewHandoffQueue(name string) *HandoffQueue {
	return &HandoffQueue{name: name}
}

// Name returns the queue name, e.g. "MAC-A-01>MAC-A-02"
func (q *HandoffQueue) Name() string {
	return q.name
}

// Push appends a token. It always succeeds.
func (q *HandoffQueue) Push(token string) {
	q.mu.Lock()
	q.items = append(q.items, token)
	q.mu.Unlock()
}

// TryPop removes and returns the oldest token without blocking
func (q *HandoffQueue) TryPop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}
	token := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return token, true
}

// Len returns the number of queued tokens
func (q *HandoffQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
