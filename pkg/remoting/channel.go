package remoting

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammck-go/asyncobj"
)

// ChannelState is the lifecycle state of a Channel. Transitions are strictly
// forward: NEGOTIATING -> OPEN -> CLOSING -> CLOSED. No transition leaves
// CLOSED; a Channel is never reusable after termination.
type ChannelState int32

const (
	// StateNegotiating means the capability preamble exchange is in
	// progress.
	StateNegotiating ChannelState = iota

	// StateOpen means the session is live and accepting calls.
	StateOpen

	// StateClosing means terminate has begun failing pending calls and
	// tearing down the session.
	StateClosing

	// StateClosed is terminal.
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state#%d", int32(s))
}

// ChannelConfig configures a new Channel.
type ChannelConfig struct {
	// Name is a diagnostic session name ("agent-7", "north"). It appears in
	// log prefixes and error messages only.
	Name string

	// Stream is the pair of byte streams the Channel owns, as a single
	// read/write/closer. Use NewStreamPair to combine a separate reader and
	// writer (e.g. a child process's stdout and stdin). The Channel closes
	// it at termination.
	Stream io.ReadWriteCloser

	// Executor dispatches incoming execute commands to workers. Nil selects
	// an unbounded goroutine-per-task executor. A bounded WorkerPool may be
	// shared across many Channels.
	Executor Executor

	// Capability is the feature set offered to the peer. Zero selects
	// DefaultCapability unless Restricted is set.
	Capability Capability

	// Restricted forces a CapabilityNone offer: negotiate nothing, behave
	// like the oldest protocol version.
	Restricted bool

	// KeepAlive enables the pinger with the given interval when CapPing is
	// negotiated. Zero disables keepalive.
	KeepAlive time.Duration

	// Diag, if non-nil, receives a one-line trace of every command sent and
	// received. Intended for protocol debugging; it sees metadata only,
	// never payload bytes.
	Diag io.Writer
}

// Channel is a live remote-execution session between two processes over a
// pair of byte streams. See the package documentation for the model. All
// methods are safe for concurrent use.
type Channel struct {
	*asyncobj.Helper

	name     string
	stream   io.ReadWriteCloser
	codec    *commandCodec
	executor Executor
	diag     io.Writer

	localCap  Capability
	remoteCap Capability
	cap       Capability

	state int32

	stats   ChannelStats
	exports *exportTable
	cat     *catalog

	callsMu sync.Mutex
	nextID  uint64
	pending map[uint64]*CallFuture

	hooksMu   sync.Mutex
	hooks     []func(error)
	hooksDone bool

	termOnce   sync.Once
	termErr    error
	terminated chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	pinger *pinger
}

// NewChannel establishes a new session over cfg.Stream. It writes the local
// capability preamble, blocks until the peer's preamble arrives, and then
// starts the reader pump. The returned Channel is OPEN. Construction fails
// on a preamble I/O error or protocol mismatch, in which case the stream has
// been closed.
func NewChannel(lg Logger, cfg ChannelConfig) (*Channel, error) {
	if cfg.Stream == nil {
		return nil, fmt.Errorf("remoting: ChannelConfig.Stream is required")
	}
	name := cfg.Name
	if name == "" {
		name = "channel"
	}
	executor := cfg.Executor
	if executor == nil {
		executor = NewGoExecutor()
	}
	offer := cfg.Capability
	if cfg.Restricted {
		offer = CapabilityNone
	} else if offer == 0 {
		offer = DefaultCapability()
	}

	ch := &Channel{
		name:       name,
		executor:   executor,
		diag:       cfg.Diag,
		localCap:   offer,
		exports:    newExportTable(),
		cat:        newCatalog(),
		pending:    make(map[uint64]*CallFuture),
		terminated: make(chan struct{}),
	}
	ch.Helper = asyncobj.NewHelper(lg.ForkLogStr(fmt.Sprintf("Channel(%s)", name)), ch)
	ch.stream = newCountingStream(cfg.Stream, &ch.stats)
	ch.ctx, ch.cancel = context.WithCancel(context.Background())

	// Both sides write first, then read; the preamble is far smaller than
	// any transport buffer, so the concurrent exchange cannot deadlock.
	if err := writePreamble(ch.stream, offer); err != nil {
		cfg.Stream.Close()
		return nil, ch.Errorf("capability preamble write failed: %s", err)
	}
	peer, err := readPreamble(ch.stream)
	if err != nil {
		cfg.Stream.Close()
		return nil, ch.Errorf("capability negotiation failed: %s", err)
	}
	ch.remoteCap = peer
	ch.cap = offer.Intersect(peer)
	ch.codec = newCommandCodec(ch.stream, ch.stream)
	atomic.StoreInt32(&ch.state, int32(StateOpen))

	ch.SetIsActivated()
	if ch.cap.Has(CapPing) && cfg.KeepAlive > 0 {
		// Assigned before the pump starts so the pong path never races.
		ch.pinger = startPinger(ch, cfg.KeepAlive)
	}
	go ch.pump()

	ch.DLogf("negotiated: local=%s peer=%s effective=%s", offer, peer, ch.cap)
	return ch, nil
}

// Name returns the diagnostic session name.
func (ch *Channel) Name() string {
	return ch.name
}

func (ch *Channel) String() string {
	return fmt.Sprintf("Channel(%s)", ch.name)
}

// State returns the current lifecycle state.
func (ch *Channel) State() ChannelState {
	return ChannelState(atomic.LoadInt32(&ch.state))
}

// Capability returns the effective negotiated feature set.
func (ch *Channel) Capability() Capability {
	return ch.cap
}

// PeerCapability returns the feature set the peer offered.
func (ch *Channel) PeerCapability() Capability {
	return ch.remoteCap
}

// Stats returns a snapshot of the Channel's traffic counters.
func (ch *Channel) Stats() ChannelStatsSnapshot {
	return ch.stats.snapshot()
}

// closedErr builds the error every caller sees once the Channel is dead.
func (ch *Channel) closedErr() error {
	return &ChannelClosedError{Name: ch.name, Cause: ch.termErr}
}

// Call synchronously executes c on the remote side, blocking the calling
// goroutine until the matching result or failure command arrives. The
// decoded result is returned; a remote failure is re-raised as an
// ExecutionError, and a connection severed mid-flight as a
// ChannelClosedError. The two are never conflated.
func (ch *Channel) Call(c Callable) (interface{}, error) {
	f, err := ch.CallAsync(c)
	if err != nil {
		return nil, err
	}
	return f.Wait()
}

// CallAsync dispatches c for remote execution and returns immediately with a
// future. Any number of async calls may be in flight concurrently; they
// complete independently and possibly out of order, each resolved by its own
// call id.
func (ch *Channel) CallAsync(c Callable) (*CallFuture, error) {
	kind, err := kindOf(c)
	if err != nil {
		return nil, err
	}
	payload, err := encodeValue(c)
	if err != nil {
		return nil, ch.Errorf("callable %q failed to serialize: %s", kind, err)
	}

	ch.callsMu.Lock()
	if ch.State() != StateOpen {
		ch.callsMu.Unlock()
		return nil, ch.closedErr()
	}
	ch.nextID++
	id := ch.nextID
	f := newCallFuture(id)
	ch.pending[id] = f
	ch.callsMu.Unlock()

	if err := ch.writeCommand(&command{Op: opExecute, ID: id, Kind: kind, Payload: payload}); err != nil {
		ch.callsMu.Lock()
		delete(ch.pending, id)
		ch.callsMu.Unlock()
		return nil, err
	}
	return f, nil
}

// Export makes a locally-owned object addressable by the peer and returns
// its handle. Exporting the same instance twice yields the same handle
// (identity-keyed, reference-counted). The object should implement Invokable
// if the peer is expected to call it. Requires CapProxy.
func (ch *Channel) Export(obj interface{}) (Ref, error) {
	if !ch.cap.Has(CapProxy) {
		return Ref{}, ErrCapabilityUnsupported
	}
	if ch.State() != StateOpen {
		return Ref{}, ch.closedErr()
	}
	h, err := ch.exports.add(obj)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Handle: h}, nil
}

// Proxy turns a handle received from the peer into a local stand-in whose
// invocations route back to the owner. Requires CapProxy.
func (ch *Channel) Proxy(ref Ref) (*Proxy, error) {
	if !ch.cap.Has(CapProxy) {
		return nil, ErrCapabilityUnsupported
	}
	if ref.IsNil() {
		return nil, fmt.Errorf("remoting: cannot proxy a nil ref")
	}
	return &Proxy{ch: ch, ref: ref}, nil
}

// OnTerminate registers a hook invoked exactly once when the Channel
// terminates, with the transport error that killed it (nil for an orderly
// close). Process launches use this to keep channel death and process death
// consistent. If termination has already begun the hook runs immediately on
// a fresh goroutine; it is never silently lost.
func (ch *Channel) OnTerminate(hook func(err error)) {
	ch.hooksMu.Lock()
	if ch.hooksDone {
		ch.hooksMu.Unlock()
		go hook(ch.termErr)
		return
	}
	ch.hooks = append(ch.hooks, hook)
	ch.hooksMu.Unlock()
}

// Close performs an orderly shutdown: it stops accepting new calls, tells
// the peer, fails all outstanding calls with a closed-channel error,
// invalidates exports, and closes the underlying stream. Close is
// idempotent.
func (ch *Channel) Close() error {
	if ch.State() == StateOpen {
		// Best effort; the peer may already be gone.
		ch.writeCommand(&command{Op: opBye})
	}
	ch.terminate(nil)
	<-ch.terminated
	return nil
}

// Join blocks until the reader pump observes end-of-stream, an I/O error, or
// an orderly close, and returns the transport error that ended the session
// (nil for an orderly close).
func (ch *Channel) Join() error {
	<-ch.terminated
	return ch.termErr
}

// JoinTimeout waits up to d for the session to end. It returns true and the
// terminal error if the Channel died within the deadline; false with no side
// effects if the Channel is still alive when the deadline elapses.
func (ch *Channel) JoinTimeout(d time.Duration) (bool, error) {
	select {
	case <-ch.terminated:
		return true, ch.termErr
	case <-time.After(d):
		return false, nil
	}
}

// HandleOnceShutdown implements the asyncobj shutdown contract; it funnels
// into terminate so that StartShutdown, Close, and transport faults all
// converge on the same teardown path.
func (ch *Channel) HandleOnceShutdown(completionErr error) error {
	ch.terminate(completionErr)
	<-ch.terminated
	return ch.termErr
}

// writeCommand serializes one command onto the stream. Any write error is a
// transport fault: it terminates the whole Channel and surfaces as a
// ChannelClosedError.
func (ch *Channel) writeCommand(cmd *command) error {
	if s := ch.State(); s != StateOpen {
		return ch.closedErr()
	}
	ch.trace("send", cmd)
	if err := ch.codec.writeCommand(cmd); err != nil {
		ch.terminate(err)
		return ch.closedErr()
	}
	ch.stats.noteCommandOut()
	return nil
}

// sendRelease notifies the peer that a handle reference has been dropped.
// Best effort: on a dead Channel the owner's table is already invalidated.
func (ch *Channel) sendRelease(ref Ref, count int32) {
	ch.writeCommand(&command{Op: opRelease, Handle: ref.Handle, Count: count})
}

func (ch *Channel) trace(dir string, cmd *command) {
	if ch.diag == nil {
		return
	}
	fmt.Fprintf(ch.diag, "%s %s %s id=%d kind=%q handle=%d payload=%dB\n",
		ch.name, dir, cmd.Op, cmd.ID, cmd.Kind, cmd.Handle, len(cmd.Payload))
}

// pump is the Channel's dedicated reader task. It decodes each incoming
// command and dispatches it without ever blocking on remote work: execute
// commands and reply generation go to the executor, so a slow Callable
// cannot stall delivery of unrelated responses or pipe traffic.
func (ch *Channel) pump() {
	for {
		cmd, err := ch.codec.readCommand()
		if err != nil {
			ch.terminate(err)
			return
		}
		ch.stats.noteCommandIn()
		ch.trace("recv", cmd)

		switch cmd.Op {
		case opExecute:
			ch.handleExecute(cmd)

		case opResult:
			if f := ch.takePending(cmd.ID); f != nil {
				var box resultBox
				if err := decodeValue(cmd.Payload, &box); err != nil {
					// A malformed result is a protocol fault, not an
					// execution failure.
					ch.terminate(ch.Errorf("result for call %d failed to decode: %s", cmd.ID, err))
					return
				}
				f.settle(box.V, nil)
			}

		case opFailure:
			if f := ch.takePending(cmd.ID); f != nil {
				f.settle(nil, &ExecutionError{Kind: cmd.Kind, Message: cmd.Message})
			}

		case opPing:
			ch.executor.Go(func() {
				ch.writeCommand(&command{Op: opPong})
			})

		case opPong:
			if ch.pinger != nil {
				ch.pinger.notePong()
			}

		case opRelease:
			ch.exports.release(cmd.Handle, cmd.Count)

		case opResolve:
			kind := cmd.Kind
			ch.executor.Go(func() {
				ch.writeCommand(&command{Op: opResolveReply, Kind: kind, Message: describeLocalKind(kind)})
			})

		case opResolveReply:
			ch.cat.deliver(cmd.Kind, cmd.Message)

		case opBye:
			ch.terminate(nil)
			return

		default:
			ch.terminate(ch.Errorf("protocol error: unknown command op %d from peer", cmd.Op))
			return
		}
	}
}

// handleExecute decodes an incoming unit of work and schedules it on the
// executor. Decode happens on the pump to preserve command ordering; the
// work itself runs on a worker.
func (ch *Channel) handleExecute(cmd *command) {
	kind, ok := lookupKind(cmd.Kind)
	if !ok {
		id, name := cmd.ID, cmd.Kind
		ch.executor.Go(func() {
			msg := fmt.Sprintf("callable kind %q is not registered on this side", name)
			if desc := ch.resolveKindFromPeer(name); desc != "" {
				msg = fmt.Sprintf("%s (sender describes it as %s)", msg, desc)
			}
			ch.writeCommand(&command{Op: opFailure, ID: id, Kind: name, Message: msg})
		})
		return
	}

	c := kind.New()
	if err := decodeValue(cmd.Payload, c); err != nil {
		ch.terminate(ch.Errorf("callable %q failed to decode: %s", cmd.Kind, err))
		return
	}

	id, name := cmd.ID, cmd.Kind
	ch.executor.Go(func() {
		result, err := runCallable(c, &CallContext{Channel: ch, Ctx: ch.ctx})
		if err != nil {
			ch.writeCommand(&command{Op: opFailure, ID: id, Kind: name, Message: err.Error()})
			return
		}
		payload, err := encodeValue(&resultBox{V: result})
		if err != nil {
			ch.writeCommand(&command{Op: opFailure, ID: id, Kind: name,
				Message: fmt.Sprintf("result of type %T failed to serialize: %s", result, err)})
			return
		}
		ch.writeCommand(&command{Op: opResult, ID: id, Payload: payload})
	})
}

// runCallable executes one unit of work, converting a panic into an ordinary
// execution failure so a buggy Callable cannot take down the worker.
func runCallable(c Callable, cc *CallContext) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Call(cc)
}

// resolveKindFromPeer asks the peer to describe a callable kind, caching the
// answer for the Channel's lifetime. Returns "" if the catalog capability is
// not negotiated, the peer does not know the kind either, or the Channel
// dies first.
func (ch *Channel) resolveKindFromPeer(name string) string {
	if !ch.cap.Has(CapCatalog) {
		return ""
	}
	if desc, ok := ch.cat.cached(name); ok {
		return desc
	}
	reply, first := ch.cat.subscribe(name)
	if first {
		if err := ch.writeCommand(&command{Op: opResolve, Kind: name}); err != nil {
			return ""
		}
	}
	select {
	case desc := <-reply:
		return desc
	case <-time.After(10 * time.Second):
		return ""
	case <-ch.terminated:
		return ""
	}
}

// takePending removes and returns the future for a call id, or nil if the
// call already resolved (e.g. the Channel terminated first).
func (ch *Channel) takePending(id uint64) *CallFuture {
	ch.callsMu.Lock()
	defer ch.callsMu.Unlock()
	f := ch.pending[id]
	delete(ch.pending, id)
	return f
}

// terminate is the single place a Channel dies. It fails every outstanding
// call with a closed-channel error, invalidates all exports, runs the
// termination hooks, closes the stream, and leaves the Channel in CLOSED.
// Idempotent; the first caller's error wins. err is nil for an orderly
// close and the transport fault otherwise.
func (ch *Channel) terminate(err error) {
	ch.termOnce.Do(func() {
		atomic.StoreInt32(&ch.state, int32(StateClosing))
		if err == io.EOF {
			// A clean EOF from the peer is an orderly close, not a fault.
			err = nil
		}
		ch.termErr = err

		if err != nil {
			ch.WLogf("terminating on transport failure: %s", err)
		} else {
			ch.DLogf("terminating (orderly close)")
		}

		ch.cat.failAll()

		ch.callsMu.Lock()
		pending := ch.pending
		ch.pending = nil
		ch.callsMu.Unlock()
		cce := &ChannelClosedError{Name: ch.name, Cause: err}
		for _, f := range pending {
			f.settle(nil, cce)
		}

		ch.exports.invalidateAll(cce)
		ch.cancel()

		// hooksDone flips under the same lock as registration, so a hook
		// arriving after this snapshot runs itself in OnTerminate.
		ch.hooksMu.Lock()
		ch.hooksDone = true
		hooks := ch.hooks
		ch.hooks = nil
		ch.hooksMu.Unlock()
		for _, hook := range hooks {
			hook(err)
		}

		ch.stream.Close()
		atomic.StoreInt32(&ch.state, int32(StateClosed))
		close(ch.terminated)
		ch.StartShutdown(err)
		ch.DLogf("closed; %s", ch.stats.snapshot())
	})
}
