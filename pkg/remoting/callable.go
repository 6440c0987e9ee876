package remoting

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// A Callable is a transmittable unit of work. The value is serialized on the
// calling side, reconstructed on the remote side, and executed there; the
// returned value (or error) ships back to the caller. A Callable must be
// fully self-contained: its fields must be gob-encodable, and any local-only
// resource it needs must cross the boundary as a Ref or a pipe.
type Callable interface {
	// Call executes the unit of work on the receiving side. The CallContext
	// identifies the Channel the work arrived on, so the work can open pipes
	// or invoke exports back toward the caller.
	Call(cc *CallContext) (interface{}, error)
}

// CallContext carries the execution environment of one remotely-dispatched
// Callable.
type CallContext struct {
	// Channel is the session the work arrived on.
	Channel *Channel

	// Ctx is cancelled when the Channel terminates. There is no cooperative
	// per-call cancellation; aborting in-flight remote work requires closing
	// the whole Channel.
	Ctx context.Context
}

// CallableKind describes one registered kind of transmittable work.
type CallableKind struct {
	// Name is the wire identity of the kind. Both sides must register the
	// same name for the same implementation.
	Name string

	// Version distinguishes revisions of the kind for diagnostics. It is
	// reported through resolve queries; it does not affect dispatch.
	Version string

	// New returns a new zero value of the kind's concrete type, always a
	// pointer, ready to be decoded into.
	New func() Callable
}

var kindRegistry = struct {
	sync.RWMutex
	byName map[string]CallableKind
	byType map[reflect.Type]string
}{
	byName: make(map[string]CallableKind),
	byType: make(map[reflect.Type]string),
}

// RegisterCallable registers a kind of transmittable work. Like gob.Register
// it is expected to be called from init functions; duplicate names or types
// panic. Registration is process-global: every Channel in the process can
// send and execute the kind.
func RegisterCallable(kind CallableKind) {
	if kind.Name == "" || kind.New == nil {
		panic("remoting: RegisterCallable requires a name and a factory")
	}
	t := reflect.TypeOf(kind.New())
	kindRegistry.Lock()
	defer kindRegistry.Unlock()
	if _, dup := kindRegistry.byName[kind.Name]; dup {
		panic(fmt.Sprintf("remoting: callable kind %q registered twice", kind.Name))
	}
	if _, dup := kindRegistry.byType[t]; dup {
		panic(fmt.Sprintf("remoting: callable type %s registered twice", t))
	}
	kindRegistry.byName[kind.Name] = kind
	kindRegistry.byType[t] = kind.Name
}

// kindOf returns the registered kind name for a callable value.
func kindOf(c Callable) (string, error) {
	t := reflect.TypeOf(c)
	kindRegistry.RLock()
	name, ok := kindRegistry.byType[t]
	kindRegistry.RUnlock()
	if !ok {
		return "", fmt.Errorf("remoting: callable type %s is not registered; call RegisterCallable from an init function", t)
	}
	return name, nil
}

// lookupKind returns the registered kind by name.
func lookupKind(name string) (CallableKind, bool) {
	kindRegistry.RLock()
	kind, ok := kindRegistry.byName[name]
	kindRegistry.RUnlock()
	return kind, ok
}

// catalog is the per-Channel view of which callable kinds the peer knows.
// Go cannot ship executable code between processes, so "pulling a missing
// definition from the sender" resolves to pulling the kind's descriptor: on
// an unknown kind the receiver asks the sender once, caches the answer for
// the Channel's lifetime, and fails the call with a precise message. Two
// independently-connected peers never share catalog state.
type catalog struct {
	mu      sync.Mutex
	known   map[string]string
	pending map[string][]chan string
}

func newCatalog() *catalog {
	return &catalog{
		known:   make(map[string]string),
		pending: make(map[string][]chan string),
	}
}

// cached returns the cached descriptor for a kind, if a resolve has already
// completed on this Channel.
func (ct *catalog) cached(name string) (string, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	desc, ok := ct.known[name]
	return desc, ok
}

// subscribe registers interest in the descriptor of a kind. It returns a
// channel that receives the descriptor once, plus true if this caller is the
// first and should issue the wire query.
func (ct *catalog) subscribe(name string) (<-chan string, bool) {
	ch := make(chan string, 1)
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if desc, ok := ct.known[name]; ok {
		ch <- desc
		return ch, false
	}
	waiters := ct.pending[name]
	ct.pending[name] = append(waiters, ch)
	return ch, len(waiters) == 0
}

// deliver records a resolved descriptor and wakes all waiters.
func (ct *catalog) deliver(name, desc string) {
	ct.mu.Lock()
	waiters := ct.pending[name]
	delete(ct.pending, name)
	ct.known[name] = desc
	ct.mu.Unlock()
	for _, ch := range waiters {
		ch <- desc
	}
}

// failAll wakes every waiter with an empty descriptor; used at Channel
// termination so no resolver blocks forever.
func (ct *catalog) failAll() {
	ct.mu.Lock()
	pending := ct.pending
	ct.pending = make(map[string][]chan string)
	ct.mu.Unlock()
	for _, waiters := range pending {
		for _, ch := range waiters {
			ch <- ""
		}
	}
}

// describeLocalKind answers a peer's resolve query from the local registry.
func describeLocalKind(name string) string {
	kind, ok := lookupKind(name)
	if !ok {
		return ""
	}
	if kind.Version == "" {
		return kind.Name
	}
	return kind.Name + "@" + kind.Version
}
