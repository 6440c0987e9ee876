package remoting

import (
	"sync"
	"time"
)

// CallFuture is the handle returned by Channel.CallAsync. It resolves
// exactly once, with either the remote result, an ExecutionError, or a
// ChannelClosedError if the session died while the call was in flight.
type CallFuture struct {
	id   uint64
	done chan struct{}

	mu    sync.Mutex
	value interface{}
	err   error
}

func newCallFuture(id uint64) *CallFuture {
	return &CallFuture{
		id:   id,
		done: make(chan struct{}),
	}
}

// settle resolves the future. Later settlements are ignored, so a response
// that races Channel termination resolves the future only once.
func (f *CallFuture) settle(value interface{}, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.value = value
	f.err = err
	close(f.done)
}

// Done returns a channel that is closed when the future resolves.
func (f *CallFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves and returns its result.
func (f *CallFuture) Wait() (interface{}, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// WaitTimeout blocks up to d. The bool reports whether the future resolved;
// when it is false the call is still in flight and the returned values are
// meaningless.
func (f *CallFuture) WaitTimeout(d time.Duration) (interface{}, error, bool) {
	select {
	case <-f.done:
		v, err := f.Wait()
		return v, err, true
	case <-time.After(d):
		return nil, nil, false
	}
}
