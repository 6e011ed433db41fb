package session

import (
	"time"

	"github.com/nkayisi/tm20-terminal/utils/cmap"
)

// pendingReply is the context registered just before a correlated
// command goes out: the DB ids the eventual `ret` must act on. The
// pre-registered list is authoritative; the response body never is.
type pendingReply struct {
	sn      string
	userIDs []int64
	remove  chan struct{}
}

// PendingStore correlates server commands with terminal
// acknowledgements, keyed by (sn, verb) with a TTL. An entry that
// expires unanswered simply vanishes, leaving the affected users
// pending for the next cycle.
type PendingStore struct {
	entries cmap.ConcurrentMap[*pendingReply]
}

func NewPendingStore() *PendingStore {
	return &PendingStore{entries: cmap.New[*pendingReply]()}
}

func pendingKey(sn, verb string) string {
	return sn + `|` + verb
}

// Put installs the context, replacing any previous entry for the same
// (sn, verb).
func (p *PendingStore) Put(sn, verb string, userIDs []int64, ttl time.Duration) {
	key := pendingKey(sn, verb)
	if old, ok := p.entries.Pop(key); ok {
		close(old.remove)
	}
	entry := &pendingReply{
		sn:      sn,
		userIDs: userIDs,
		remove:  make(chan struct{}),
	}
	p.entries.Set(key, entry)
	go func() {
		select {
		case <-entry.remove:
		case <-time.After(ttl):
			p.entries.RemoveCb(key, func(_ string, v *pendingReply, exists bool) bool {
				return exists && v == entry
			})
		}
	}()
}

// Take removes and returns the context for (sn, verb), if one is
// still alive.
func (p *PendingStore) Take(sn, verb string) ([]int64, bool) {
	entry, ok := p.entries.Pop(pendingKey(sn, verb))
	if !ok {
		return nil, false
	}
	close(entry.remove)
	return entry.userIDs, true
}

func (p *PendingStore) Has(sn, verb string) bool {
	return p.entries.Has(pendingKey(sn, verb))
}
