package sched

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// delayedQueue holds idle tasks that are not yet eligible to run, ordered by
// eligibility time. Entries sharing a time keep their insertion order.
type delayedQueue struct {
	mu     sync.Mutex         // protects tree, seq and closed; producers insert from any goroutine
	tree   *redblacktree.Tree // delayedKey -> scheduledEntry
	seq    uint64             // insertion counter, breaks ties between equal times
	closed bool               // set by close; later inserts are rejected
}

func newDelayedQueue() *delayedQueue {
	return &delayedQueue{tree: redblacktree.NewWith(delayedCmp)}
}

// insert reports false, storing nothing, once the queue has been closed.
func (q *delayedQueue) insert(eligible time.Time, e scheduledEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.seq++
	q.tree.Put(delayedKey{at: eligible, seq: q.seq}, e)
	return true
}

// peek returns the entry with the earliest eligibility time.
func (q *delayedQueue) peek() (delayedEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	node := q.tree.Left()
	if node == nil {
		return delayedEntry{}, false
	}
	return toDelayed(node), true
}

// popReady removes and returns, in eligibility order, every entry whose
// eligibility time is not after now.
func (q *delayedQueue) popReady(now time.Time) []delayedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []delayedEntry
	for {
		d, ok := q.popMinLocked(now)
		if !ok {
			return ready
		}
		ready = append(ready, d)
	}
}

// popMinLocked removes the earliest entry unless it is eligible after limit.
func (q *delayedQueue) popMinLocked(limit time.Time) (delayedEntry, bool) {
	node := q.tree.Left()
	if node == nil {
		return delayedEntry{}, false
	}
	if node.Key.(delayedKey).at.After(limit) {
		return delayedEntry{}, false
	}
	d := toDelayed(node)
	q.tree.Remove(node.Key)
	return d, true
}

// close drops every pending entry, returns them, and rejects later inserts.
func (q *delayedQueue) close() []delayedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	dropped := make([]delayedEntry, 0, q.tree.Size())
	it := q.tree.Iterator()
	for it.Next() {
		dropped = append(dropped, delayedEntry{
			scheduledEntry: it.Value().(scheduledEntry),
			eligible:       it.Key().(delayedKey).at,
		})
	}
	q.tree.Clear()
	return dropped
}

func (q *delayedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Size()
}

func toDelayed(node *redblacktree.Node) delayedEntry {
	return delayedEntry{
		scheduledEntry: node.Value.(scheduledEntry),
		eligible:       node.Key.(delayedKey).at,
	}
}

// delayedKey is used as a key in the red-black tree.
type delayedKey struct {
	at  time.Time
	seq uint64
}

// delayedCmp orders keys by eligibility time, then by insertion sequence.
func delayedCmp(a, b any) int {
	ka, kb := a.(delayedKey), b.(delayedKey)
	if c := ka.at.Compare(kb.at); c != 0 {
		return c
	}
	switch {
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}
