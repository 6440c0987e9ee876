package launcher

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/forgeci/remoting/pkg/remoting"
)

// LocalLauncher spawns processes as direct children of the current process.
// Each child runs in its own process group, tagged with a cookie in its
// environment, so Kill can take down the whole tree and later sessions can
// find strays by cookie instead of trusting PIDs.
type LocalLauncher struct {
	remoting.Logger
}

// NewLocalLauncher creates a LocalLauncher.
func NewLocalLauncher(lg remoting.Logger) *LocalLauncher {
	return &LocalLauncher{Logger: lg.ForkLogStr("LocalLauncher")}
}

// Launch implements Launcher.
func (l *LocalLauncher) Launch(ps *ProcStarter) (Proc, error) {
	if len(ps.Cmd) == 0 {
		return nil, l.Errorf("Launch requires a command")
	}
	cookie, err := NewCookie()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(ps.Cmd[0], ps.Cmd[1:]...)
	cmd.Dir = ps.Dir
	cmd.Env = mergeEnv(os.Environ(), append(append([]string{}, ps.Env...), cookieEnv(cookie)))
	cmd.Stdin = ps.Stdin
	cmd.Stdout = ps.Stdout
	cmd.Stderr = ps.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, l.Errorf("failed to start %v: %s", ps.Cmd, err)
	}
	l.DLogf("started pid %d: %v", cmd.Process.Pid, ps.Cmd)

	p := &localProc{
		lg:     l.Logger,
		cmd:    cmd,
		cookie: cookie,
		done:   make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

// LaunchChannel implements Launcher: it spawns cmd and wires the child's
// stdout/stdin directly as the byte streams of a brand-new Channel. A
// termination hook kills the child the moment the Channel dies, and the
// child's death (closing its stdio) terminates the Channel, keeping channel
// death and process death consistent in both directions.
func (l *LocalLauncher) LaunchChannel(cmdline []string, stderr io.Writer, dir string, env []string) (*remoting.Channel, error) {
	if len(cmdline) == 0 {
		return nil, l.Errorf("LaunchChannel requires a command")
	}
	cookie, err := NewCookie()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(cmdline[0], cmdline[1:]...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), append(append([]string{}, env...), cookieEnv(cookie)))
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, l.Errorf("failed to start %v: %s", cmdline, err)
	}
	pid := cmd.Process.Pid
	l.DLogf("started channel process pid %d: %v", pid, cmdline)

	ch, err := remoting.NewChannel(l.Logger, remoting.ChannelConfig{
		Name:   fmt.Sprintf("proc-%d", pid),
		Stream: remoting.NewStreamPair(stdout, stdin, true, true),
	})
	if err != nil {
		killProcessGroup(pid)
		cmd.Wait()
		return nil, l.Errorf("channel negotiation with pid %d failed: %s", pid, err)
	}

	ch.OnTerminate(func(terr error) {
		l.DLogf("channel for pid %d terminated; killing process tree", pid)
		killProcessGroup(pid)
	})
	// Reap the child so it never lingers as a zombie; its exit also closes
	// its stdio, which ends the Channel's reader pump.
	go cmd.Wait()
	return ch, nil
}

// Kill implements Launcher: it scans for live processes carrying the given
// cookie and kills their process groups. A missing or unmatched cookie
// kills nothing.
func (l *LocalLauncher) Kill(env map[string]string) error {
	cookie := env[CookieKey]
	if cookie == "" {
		return nil
	}
	pids, err := findByCookie(cookie)
	if err != nil {
		return err
	}
	for _, pid := range pids {
		l.DLogf("killing pid %d (cookie match)", pid)
		killProcessGroup(pid)
	}
	return nil
}

// localProc is a Proc backed by a direct child process.
type localProc struct {
	lg     remoting.Logger
	cmd    *exec.Cmd
	cookie string
	done   chan struct{}

	mu   sync.Mutex
	exit int
}

func (p *localProc) reap() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
	}
	p.mu.Lock()
	p.exit = code
	p.mu.Unlock()
	close(p.done)
}

// Join blocks until the process exits and returns its exit code.
func (p *localProc) Join() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, nil
}

// Kill terminates the process group rooted at the child.
func (p *localProc) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return killProcessGroup(p.cmd.Process.Pid)
}

// killProcessGroup signals the whole process group of pid, falling back to
// the single process if it has no group of its own.
func killProcessGroup(pid int) error {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		return unix.Kill(pid, unix.SIGKILL)
	}
	return nil
}

// findByCookie scans /proc for live processes whose environment carries the
// cookie. Only the cookie identifies a process; PIDs alone are never
// trusted.
func findByCookie(cookie string) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("launcher: cookie scan unavailable: %s", err)
	}
	needle := []byte(cookieEnv(cookie))
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		environ, err := os.ReadFile(filepath.Join("/proc", e.Name(), "environ"))
		if err != nil {
			// Not ours to inspect; skip.
			continue
		}
		for _, kv := range bytes.Split(environ, []byte{0}) {
			if bytes.Equal(kv, needle) {
				pids = append(pids, pid)
				break
			}
		}
	}
	return pids, nil
}
