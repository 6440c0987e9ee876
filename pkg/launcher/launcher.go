// Package launcher couples OS process lifecycles to remoting Channels. It
// provides a small closed set of launcher variants behind one interface:
// Local spawns direct children of the current process, Remote packages the
// launch into a Callable executed by the peer of an existing Channel, and
// both can layer a brand-new Channel over a freshly spawned process's
// standard streams. Every spawned process is tagged with an environment
// cookie so it can be found and killed later even after PID reuse.
package launcher

import (
	"io"

	"github.com/forgeci/remoting/pkg/remoting"
)

// ProcStarter describes one process to launch.
type ProcStarter struct {
	// Cmd is the argv of the process; Cmd[0] is the executable.
	Cmd []string

	// Dir is the working directory; empty inherits the launcher's.
	Dir string

	// Env lists KEY=VALUE overrides applied on top of the inherited
	// environment.
	Env []string

	// Stdin, if non-nil, is streamed to the process's standard input.
	Stdin io.Reader

	// Stdout and Stderr receive the process's output. Nil discards.
	Stdout io.Writer
	Stderr io.Writer
}

// Proc is a handle to one spawned OS process, local or channel-remote.
type Proc interface {
	// Join blocks until the process's exit code is known and returns it;
	// 0 is success by convention. For a channel-remote process whose
	// Channel died mid-flight, Join returns -1 and a ChannelClosedError:
	// the process must be treated as dead even if it is technically still
	// running, since no further I/O or signal can reach it.
	Join() (int, error)

	// Kill forcibly terminates the process (and its process tree, for
	// local processes). Best effort; the error is diagnostic.
	Kill() error
}

// Launcher is the narrow contract through which all build work runs
// commands and opens fresh remote sessions. Callers depend only on this
// surface, never on Channel internals.
type Launcher interface {
	// Launch starts a process described by ps.
	Launch(ps *ProcStarter) (Proc, error)

	// LaunchChannel spawns cmd and layers a new Channel over its
	// stdin/stdout. The child is expected to speak the remoting protocol on
	// those streams (an agent binary). Its stderr is copied to stderr if
	// non-nil. The returned Channel's termination forcibly kills the child,
	// and the child's death terminates the Channel.
	LaunchChannel(cmd []string, stderr io.Writer, dir string, env []string) (*remoting.Channel, error)

	// Kill terminates any surviving processes previously started by this
	// launcher whose environment cookie matches env. A cookie mismatch
	// means "nothing to kill": a stale PID reused by an unrelated process
	// is never signalled.
	Kill(env map[string]string) error
}
