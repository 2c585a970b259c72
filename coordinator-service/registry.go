package main

import "sync"

// registry maps a document session to the live connections subscribed to
// it. It is the in-process fan-out index only; liveness truth lives in the
// presence store. A connection subscribes to at most one session at a
// time, and leaving the previous session is the caller's job.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]map[*client]bool
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]map[*client]bool)}
}

func (r *registry) subscribe(documentID string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[documentID] == nil {
		r.sessions[documentID] = make(map[*client]bool)
	}
	r.sessions[documentID][c] = true
}

func (r *registry) unsubscribe(documentID string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.sessions[documentID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(r.sessions, documentID)
		}
	}
}

// publish delivers data to every subscriber of documentID except the
// optional sender. The lock is only held to snapshot the subscriber set;
// delivery goes through each connection's buffered send channel, whose
// single writer goroutine preserves publish order per subscriber. Returns
// the number of connections the message was handed to.
func (r *registry) publish(documentID string, data []byte, except *client) int {
	r.mu.RLock()
	subs := make([]*client, 0, len(r.sessions[documentID]))
	for c := range r.sessions[documentID] {
		if c != except {
			subs = append(subs, c)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range subs {
		if c.trySend(data) {
			delivered++
		}
	}
	return delivered
}

func (r *registry) sessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *registry) subscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, subs := range r.sessions {
		total += len(subs)
	}
	return total
}
