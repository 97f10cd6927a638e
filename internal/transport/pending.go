package transport

import "sync"

// PendingAck records the acknowledgment obligation for one delivered
// message: the transport token to acknowledge with and the kind whose
// channel must send it.
type PendingAck struct {
	Token uint16
	Kind  MessageKind
}

// PendingAckTable maps a delivered message's arrival sequence to its
// acknowledgment obligation. Inserts happen on the transport callback
// goroutine and removals on application goroutines.
type PendingAckTable struct {
	mu      sync.Mutex
	entries map[uint64]PendingAck
}

// NewPendingAckTable creates an empty table.
func NewPendingAckTable() *PendingAckTable {
	return &PendingAckTable{entries: make(map[uint64]PendingAck)}
}

// Put records the obligation for the given sequence, replacing any previous
// entry for it.
func (t *PendingAckTable) Put(seq uint64, ack PendingAck) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[seq] = ack
}

// Get returns the obligation for the given sequence, if one exists.
func (t *PendingAckTable) Get(seq uint64) (PendingAck, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ack, ok := t.entries[seq]
	return ack, ok
}

// Remove drops the obligation for the given sequence.
func (t *PendingAckTable) Remove(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, seq)
}

// Len returns the number of outstanding obligations.
func (t *PendingAckTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
