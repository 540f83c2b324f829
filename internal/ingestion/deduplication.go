package ingestion

import (
	"strconv"
	"sync"

	"github.com/commrelay/commrelay/internal/models"
)

// DeliveryKey is the deduplication identity of an item. Reposts are keyed by their
// origin so the same original post is suppressed whichever community reposts it.
func DeliveryKey(sourceID int64, item models.Item) string {
	if item.HasOrigin() {
		return strconv.FormatInt(item.OriginID, 10) + "_" + strconv.FormatInt(item.OriginItemID, 10)
	}
	return strconv.FormatInt(sourceID, 10) + "_" + strconv.FormatInt(item.ID, 10)
}

// keyedMutex serializes work per delivery key so that two communities reposting the
// same origin cannot both pass the duplicate check before either records it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// size returns the number of keys currently held or awaited.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
