package launcher

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/forgeci/remoting/pkg/remoting"
)

const (
	procOpJoin = "join"
	procOpKill = "kill"
)

// RemoteLauncher runs processes on the far side of an existing Channel. The
// launch crosses the wire as a unit of work; the process's standard streams
// come back over pipes on the same Channel, so one connection carries any
// number of concurrent remote processes.
type RemoteLauncher struct {
	remoting.Logger
	ch *remoting.Channel
}

// NewRemoteLauncher creates a launcher whose processes run wherever the
// peer of ch lives.
func NewRemoteLauncher(lg remoting.Logger, ch *remoting.Channel) *RemoteLauncher {
	return &RemoteLauncher{Logger: lg.ForkLogStr("RemoteLauncher"), ch: ch}
}

// Launch implements Launcher. The peer spawns the process; ps.Stdin is
// pulled across the wire on demand, and ps.Stdout/ps.Stderr receive output
// pushed back through pipes. Join on the returned Proc does not return
// until the output pipes have drained, so a caller never sees the exit code
// before the last output byte.
func (rl *RemoteLauncher) Launch(ps *ProcStarter) (Proc, error) {
	if len(ps.Cmd) == 0 {
		return nil, rl.Errorf("Launch requires a command")
	}
	c := &launchCallable{Cmd: ps.Cmd, Dir: ps.Dir, Env: ps.Env}
	drain := &sync.WaitGroup{}

	if ps.Stdin != nil {
		ref, err := remoting.ExportReader(rl.ch, io.NopCloser(ps.Stdin))
		if err != nil {
			return nil, err
		}
		c.Stdin = ref
	}
	attachOut := func(w io.Writer) (remoting.Ref, error) {
		pr, ref, err := remoting.NewReadPipe(rl.ch, 0)
		if err != nil {
			return remoting.Ref{}, err
		}
		drain.Add(1)
		go func() {
			defer drain.Done()
			io.Copy(w, pr)
		}()
		return ref, nil
	}
	if ps.Stdout != nil {
		ref, err := attachOut(ps.Stdout)
		if err != nil {
			return nil, err
		}
		c.Stdout = ref
	}
	if ps.Stderr != nil {
		ref, err := attachOut(ps.Stderr)
		if err != nil {
			return nil, err
		}
		c.Stderr = ref
	}

	result, err := rl.ch.Call(c)
	if err != nil {
		return nil, err
	}
	ref, ok := result.(remoting.Ref)
	if !ok || ref.IsNil() {
		return nil, rl.Errorf("remote launch returned %T instead of a process handle", result)
	}
	proxy, err := rl.ch.Proxy(ref)
	if err != nil {
		return nil, err
	}
	rl.DLogf("remote process started: %v -> %s", ps.Cmd, ref)
	return &RemoteProc{proxy: proxy, drain: drain}, nil
}

// LaunchChannel implements Launcher: the peer spawns cmd and this side
// layers a brand-new Channel over the process's stdio, tunnelled through
// pipes on the carrying Channel. The nested Channel's termination kills the
// remote process.
func (rl *RemoteLauncher) LaunchChannel(cmdline []string, stderr io.Writer, dir string, env []string) (*remoting.Channel, error) {
	if len(cmdline) == 0 {
		return nil, rl.Errorf("LaunchChannel requires a command")
	}
	c := &launchCallable{Cmd: cmdline, Dir: dir, Env: env}

	// Local writes reach the remote process's stdin through a pull pipe.
	inR, inW := io.Pipe()
	inRef, err := remoting.ExportReader(rl.ch, inR)
	if err != nil {
		return nil, err
	}
	c.Stdin = inRef

	// The remote process's stdout streams back through a push pipe.
	outR, outRef, err := remoting.NewReadPipe(rl.ch, 0)
	if err != nil {
		inR.Close()
		return nil, err
	}
	c.Stdout = outRef

	if stderr != nil {
		errR, errRef, err := remoting.NewReadPipe(rl.ch, 0)
		if err != nil {
			inR.Close()
			outR.Close()
			return nil, err
		}
		c.Stderr = errRef
		go io.Copy(stderr, errR)
	}

	result, err := rl.ch.Call(c)
	if err != nil {
		inR.Close()
		outR.Close()
		return nil, err
	}
	ref, ok := result.(remoting.Ref)
	if !ok || ref.IsNil() {
		inR.Close()
		outR.Close()
		return nil, rl.Errorf("remote launch returned %T instead of a process handle", result)
	}
	proxy, err := rl.ch.Proxy(ref)
	if err != nil {
		return nil, err
	}

	nested, err := remoting.NewChannel(rl.Logger, remoting.ChannelConfig{
		Name:   fmt.Sprintf("%s/nested", rl.ch.Name()),
		Stream: remoting.NewStreamPair(outR, inW, true, true),
	})
	if err != nil {
		proxy.Invoke(procOpKill, nil)
		proxy.Release()
		return nil, rl.Errorf("nested channel negotiation failed: %s", err)
	}
	nested.OnTerminate(func(error) {
		proxy.Invoke(procOpKill, nil)
		proxy.Release()
	})
	return nested, nil
}

// Kill implements Launcher: it asks the peer to kill any surviving process
// whose environment cookie matches env. Sent as an ordinary unit of work,
// so it fails with a ChannelClosedError once the Channel is dead.
func (rl *RemoteLauncher) Kill(env map[string]string) error {
	_, err := rl.ch.Call(&killCallable{Env: env})
	return err
}

// RemoteProc is a handle to a process running on the peer, held through an
// export of the peer's process handle.
type RemoteProc struct {
	proxy *remoting.Proxy
	drain *sync.WaitGroup

	joinOnce sync.Once
}

// Join blocks until the remote process exits and its output pipes drain,
// then returns the exit code. If the Channel dies first, Join returns -1
// and a ChannelClosedError: the process may still be running, but it is
// unreachable and must be treated as dead.
func (p *RemoteProc) Join() (int, error) {
	reply, err := p.proxy.Invoke(procOpJoin, nil)
	if err != nil {
		return -1, err
	}
	p.drain.Wait()
	p.joinOnce.Do(func() { p.proxy.Release() })
	if len(reply) != 4 {
		return -1, fmt.Errorf("launcher: malformed exit status from peer")
	}
	return int(int32(binary.BigEndian.Uint32(reply))), nil
}

// Kill forcibly terminates the remote process tree. On a dead Channel it
// returns a ChannelClosedError immediately.
func (p *RemoteProc) Kill() error {
	_, err := p.proxy.Invoke(procOpKill, nil)
	return err
}

// launchCallable is the unit of work behind RemoteLauncher.Launch: it runs
// on the receiving side, spawns the process there via a LocalLauncher, and
// returns a Ref to a procHandle the caller joins and kills through.
// Stdin/Stdout/Stderr are pipe refs created by the caller; a nil ref leaves
// that stream unattached.
type launchCallable struct {
	Cmd []string
	Dir string
	Env []string

	Stdin  remoting.Ref
	Stdout remoting.Ref
	Stderr remoting.Ref
}

func (c *launchCallable) Call(cc *remoting.CallContext) (interface{}, error) {
	ch := cc.Channel
	ps := &ProcStarter{Cmd: c.Cmd, Dir: c.Dir, Env: c.Env}
	h := &procHandle{}

	if !c.Stdin.IsNil() {
		src, err := remoting.OpenReader(ch, c.Stdin)
		if err != nil {
			return nil, err
		}
		ps.Stdin = src
		h.streams = append(h.streams, src)
	}
	openSink := func(ref remoting.Ref) (io.WriteCloser, error) {
		w, err := remoting.OpenWritePipe(ch, ref)
		if err != nil {
			return nil, err
		}
		h.streams = append(h.streams, w)
		return w, nil
	}
	if !c.Stdout.IsNil() {
		w, err := openSink(c.Stdout)
		if err != nil {
			h.closeStreams()
			return nil, err
		}
		ps.Stdout = w
	}
	if !c.Stderr.IsNil() {
		w, err := openSink(c.Stderr)
		if err != nil {
			h.closeStreams()
			return nil, err
		}
		ps.Stderr = w
	}

	proc, err := NewLocalLauncher(ch).Launch(ps)
	if err != nil {
		h.closeStreams()
		return nil, err
	}
	h.proc = proc
	return ch.Export(h)
}

// procHandle is the owner-side export behind a RemoteProc. Its Invokable
// surface carries join and kill; the export table disposes it (killing the
// process) when the last remote reference is released or the Channel dies.
type procHandle struct {
	proc    Proc
	streams []io.Closer

	closeOnce sync.Once
}

// closeStreams closes the process's remoted stream ends exactly once. For
// output pipes this sends end-of-stream, so the caller's copiers see a
// clean EOF after the last byte.
func (h *procHandle) closeStreams() {
	h.closeOnce.Do(func() {
		for _, s := range h.streams {
			s.Close()
		}
	})
}

func (h *procHandle) RemoteInvoke(op string, arg []byte) ([]byte, error) {
	switch op {
	case procOpJoin:
		code, err := h.proc.Join()
		h.closeStreams()
		if err != nil {
			return nil, err
		}
		var reply [4]byte
		binary.BigEndian.PutUint32(reply[:], uint32(int32(code)))
		return reply[:], nil
	case procOpKill:
		return nil, h.proc.Kill()
	}
	return nil, fmt.Errorf("launcher: unknown operation %q on process handle", op)
}

// Close implements the export table's disposal hook: dropping the last
// remote reference to a process handle kills the process rather than leak
// it, and closes its stream ends.
func (h *procHandle) Close() error {
	var err error
	if h.proc != nil {
		err = h.proc.Kill()
	}
	h.closeStreams()
	return err
}

// killCallable executes LocalLauncher.Kill on the receiving side: find
// survivors by environment cookie and kill their process trees.
type killCallable struct {
	Env map[string]string
}

func (c *killCallable) Call(cc *remoting.CallContext) (interface{}, error) {
	return nil, NewLocalLauncher(cc.Channel).Kill(c.Env)
}

func init() {
	remoting.RegisterCallable(remoting.CallableKind{
		Name:    "launcher.launch",
		Version: "1",
		New:     func() remoting.Callable { return &launchCallable{} },
	})
	remoting.RegisterCallable(remoting.CallableKind{
		Name:    "launcher.kill",
		Version: "1",
		New:     func() remoting.Callable { return &killCallable{} },
	})
}
