package remoting

import (
	"fmt"
	"io"
	"sync"
)

// Ref is the wire form of an exported object: an opaque integer handle,
// meaningful only within the Channel that allocated it. A Ref travels inside
// callable fields and results; the receiving side turns it back into a
// usable object with Channel.Proxy.
type Ref struct {
	Handle int32
}

// IsNil reports whether the Ref refers to nothing. The zero Ref is nil;
// handle allocation starts at 1.
func (r Ref) IsNil() bool {
	return r.Handle == 0
}

func (r Ref) String() string {
	return fmt.Sprintf("ref#%d", r.Handle)
}

// exportReleaser is implemented by exported objects that want to observe the
// death of their Channel distinctly from an orderly release. Pipes use it so
// a broken session poisons the reader instead of looking like clean EOF.
type exportReleaser interface {
	onChannelDead(err error)
}

type exportEntry struct {
	obj  interface{}
	refs int32
}

// exportTable maps integer handles to locally-owned objects exposed to the
// peer. Handles are allocated from a per-Channel monotonic counter and are
// never reused within a session. Exporting the same object instance twice
// returns the same handle with an incremented reference count, so a value
// referenced repeatedly does not grow the table without bound.
type exportTable struct {
	mu       sync.Mutex
	next     int32
	byHandle map[int32]*exportEntry
	byObject map[interface{}]int32
	dead     error
}

func newExportTable() *exportTable {
	return &exportTable{
		byHandle: make(map[int32]*exportEntry),
		byObject: make(map[interface{}]int32),
	}
}

// add exports obj, reusing the existing handle if the same instance is
// already exported. obj must be comparable (pointer-shaped); this is the
// explicit opaque-handle replacement for language-level object identity.
func (t *exportTable) add(obj interface{}) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead != nil {
		return 0, t.dead
	}
	if h, ok := t.byObject[obj]; ok {
		t.byHandle[h].refs++
		return h, nil
	}
	t.next++
	h := t.next
	t.byHandle[h] = &exportEntry{obj: obj, refs: 1}
	t.byObject[obj] = h
	return h, nil
}

// get resolves a handle received from the peer.
func (t *exportTable) get(h int32) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead != nil {
		return nil, t.dead
	}
	entry, ok := t.byHandle[h]
	if !ok {
		return nil, fmt.Errorf("remoting: export handle %d is not registered (released or never exported)", h)
	}
	return entry.obj, nil
}

// release decrements a handle's reference count by n. At zero the entry is
// removed and the object, if it implements io.Closer, is closed. Releasing
// an unknown handle is a no-op: the entry may already be gone because the
// Channel terminated.
func (t *exportTable) release(h int32, n int32) {
	t.mu.Lock()
	entry, ok := t.byHandle[h]
	if ok {
		entry.refs -= n
		if entry.refs <= 0 {
			delete(t.byHandle, h)
			delete(t.byObject, entry.obj)
		} else {
			entry = nil
		}
	}
	t.mu.Unlock()
	if ok && entry != nil {
		if c, isCloser := entry.obj.(io.Closer); isCloser {
			c.Close()
		}
	}
}

// invalidateAll force-removes every entry regardless of reference count. No
// export outlives its Channel: proxies still holding handles must fail fast
// afterward. Objects are notified of the death (or closed) outside the lock.
func (t *exportTable) invalidateAll(cause error) {
	t.mu.Lock()
	if t.dead != nil {
		t.mu.Unlock()
		return
	}
	if cause == nil {
		cause = fmt.Errorf("remoting: export table invalidated by channel close")
	}
	t.dead = cause
	entries := make([]interface{}, 0, len(t.byHandle))
	for _, entry := range t.byHandle {
		entries = append(entries, entry.obj)
	}
	t.byHandle = make(map[int32]*exportEntry)
	t.byObject = make(map[interface{}]int32)
	t.mu.Unlock()

	for _, obj := range entries {
		if r, ok := obj.(exportReleaser); ok {
			r.onChannelDead(cause)
		} else if c, ok := obj.(io.Closer); ok {
			c.Close()
		}
	}
}

// size returns the number of live entries, for diagnostics and tests.
func (t *exportTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byHandle)
}
