// internal/sync/inflight.go
package sync

import (
	"github.com/EagleChen/mapmutex"
	"golang.org/x/sync/singleflight"
)

// Flight coalesces concurrent calls for the same logical operation:
// a second call for an in-flight key awaits the first and receives its
// result, so only one underlying call is made per key.
type Flight struct {
	group singleflight.Group
}

// Do runs fn under key with singleflight semantics. shared reports
// whether the result was shared with other callers.
func (f *Flight) Do(key string, fn func() (any, error)) (v any, err error, shared bool) {
	return f.group.Do(key, fn)
}

// Forget drops the in-flight record for key so the next Do issues a
// fresh call. Used when a scope change invalidates a pending fetch.
func (f *Flight) Forget(key string) {
	f.group.Forget(key)
}

// KeyedLock serializes remote read-modify-write sections per item key.
// TryLock retries with backoff internally; a false return means the
// key stayed contended and the caller should decline with a busy
// result rather than race a concurrent write.
type KeyedLock struct {
	m *mapmutex.Mutex
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{m: mapmutex.NewMapMutex()}
}

func (l *KeyedLock) TryLock(key string) bool {
	return l.m.TryLock(key)
}

func (l *KeyedLock) Unlock(key string) {
	l.m.Unlock(key)
}
