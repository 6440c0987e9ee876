package remoting

import (
	"fmt"
)

// Invokable is the call surface an exported object presents to remote
// proxies: a small set of named operations over byte arguments. Exported
// objects that never need to be invoked remotely (pure identity tokens) may
// omit it; invoking them fails as an execution error.
type Invokable interface {
	RemoteInvoke(op string, arg []byte) ([]byte, error)
}

// Proxy is a local stand-in for an object owned by the peer. Invoking it
// issues a synchronous call back through the Channel naming the export
// handle; the result is whatever the owner's Invokable returned.
type Proxy struct {
	ch  *Channel
	ref Ref
}

// Ref returns the export handle this proxy is bound to.
func (p *Proxy) Ref() Ref {
	return p.ref
}

func (p *Proxy) String() string {
	return fmt.Sprintf("proxy(%s @%s)", p.ref, p.ch.Name())
}

// Invoke runs the named operation on the owning side and returns its reply.
// A failure of the operation itself surfaces as an ExecutionError; a dead
// Channel surfaces as a ChannelClosedError.
func (p *Proxy) Invoke(op string, arg []byte) ([]byte, error) {
	result, err := p.ch.Call(&invokeCallable{Target: p.ref, Op: op, Arg: arg})
	if err != nil {
		return nil, err
	}
	reply, _ := result.([]byte)
	return reply, nil
}

// Release tells the owner this proxy no longer needs the handle. The owner
// decrements the export's reference count and disposes the object at zero.
// Release is advisory on a dead Channel: termination already invalidated the
// table on the owning side.
func (p *Proxy) Release() {
	p.ch.sendRelease(p.ref, 1)
}

// invokeCallable is the unit of work behind every proxy invocation: it
// executes on the owning side, resolves the handle in the local export
// table, and dispatches to the object's Invokable surface.
type invokeCallable struct {
	Target Ref
	Op     string
	Arg    []byte
}

func (c *invokeCallable) Call(cc *CallContext) (interface{}, error) {
	obj, err := cc.Channel.exports.get(c.Target.Handle)
	if err != nil {
		return nil, err
	}
	inv, ok := obj.(Invokable)
	if !ok {
		return nil, fmt.Errorf("remoting: export %s (%T) does not accept remote invocations", c.Target, obj)
	}
	reply, err := inv.RemoteInvoke(c.Op, c.Arg)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func init() {
	RegisterCallable(CallableKind{
		Name:    "remoting.invoke",
		Version: "1",
		New:     func() Callable { return &invokeCallable{} },
	})
}
