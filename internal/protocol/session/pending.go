package session

import (
	"sort"
	"time"
)

// PendingRequest tracks one get request still waiting for its answering event.
type PendingRequest struct {
	Key           string
	ObjectID      uint32
	Opcode        uint32
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
}

// PendingTable stores outstanding requests by key. It is owned by the
// connection loop and is not safe for concurrent use.
type PendingTable struct {
	items map[string]PendingRequest
}

func NewPendingTable() *PendingTable {
	return &PendingTable{
		items: make(map[string]PendingRequest),
	}
}

// Track records a first attempt for key, or another attempt if key is
// already pending.
func (p *PendingTable) Track(key string, objectID, opcode uint32, at time.Time) PendingRequest {
	item, ok := p.items[key]
	if !ok {
		item = PendingRequest{Key: key, ObjectID: objectID, Opcode: opcode, QueuedAt: at}
	}
	item.Attempts++
	item.LastAttemptAt = at
	p.items[key] = item
	return item
}

// Due reports whether key may be sent again at now: it is not pending, or
// its last attempt is older than retryAfter. A zero retryAfter never retries.
func (p *PendingTable) Due(key string, now time.Time, retryAfter time.Duration) bool {
	item, ok := p.items[key]
	if !ok {
		return true
	}
	if retryAfter <= 0 {
		return false
	}
	return now.Sub(item.LastAttemptAt) >= retryAfter
}

func (p *PendingTable) Remove(key string) (PendingRequest, bool) {
	item, ok := p.items[key]
	if ok {
		delete(p.items, key)
	}
	return item, ok
}

func (p *PendingTable) Get(key string) (PendingRequest, bool) {
	item, ok := p.items[key]
	return item, ok
}

func (p *PendingTable) Len() int {
	return len(p.items)
}

// RemoveObject drops every request addressed to objectID.
func (p *PendingTable) RemoveObject(objectID uint32) int {
	n := 0
	for key, item := range p.items {
		if item.ObjectID == objectID {
			delete(p.items, key)
			n++
		}
	}
	return n
}

func (p *PendingTable) List() []PendingRequest {
	out := make([]PendingRequest, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}
