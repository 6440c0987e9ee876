package launcher

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/forgeci/remoting/pkg/remoting"
)

func newLauncherPair(t *testing.T) (*RemoteLauncher, *remoting.Channel, *remoting.Channel) {
	lg := testLogger(t)
	chA, chB, err := remoting.NewLoopbackPair(lg, remoting.ChannelConfig{}, remoting.ChannelConfig{})
	if err != nil {
		t.Fatalf("NewLoopbackPair() returned error: %s", err)
	}
	t.Cleanup(func() {
		chA.Close()
		chB.Close()
	})
	return NewRemoteLauncher(lg, chA), chA, chB
}

func TestRemoteLaunchRoundTripsStdio(t *testing.T) {
	rl, _, _ := newLauncherPair(t)

	var stdout bytes.Buffer
	p, err := rl.Launch(&ProcStarter{
		Cmd:    []string{"/bin/cat"},
		Stdin:  strings.NewReader("across the wire\n"),
		Stdout: &stdout,
	})
	if err != nil {
		t.Fatalf("Launch() returned error: %s", err)
	}
	code, err := p.Join()
	if err != nil {
		t.Fatalf("Join() returned error: %s", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d; expected 0", code)
	}
	if got := stdout.String(); got != "across the wire\n" {
		t.Errorf("stdout = %q; expected %q", got, "across the wire\n")
	}
}

func TestRemoteLaunchReportsExitCode(t *testing.T) {
	rl, _, _ := newLauncherPair(t)

	p, err := rl.Launch(&ProcStarter{Cmd: []string{"/bin/sh", "-c", "exit 7"}})
	if err != nil {
		t.Fatalf("Launch() returned error: %s", err)
	}
	code, err := p.Join()
	if err != nil {
		t.Fatalf("Join() returned error: %s", err)
	}
	if code != 7 {
		t.Errorf("exit code = %d; expected 7", code)
	}
}

func TestRemoteProcStderr(t *testing.T) {
	rl, _, _ := newLauncherPair(t)

	var stdout, stderr bytes.Buffer
	p, err := rl.Launch(&ProcStarter{
		Cmd:    []string{"/bin/sh", "-c", "echo good; echo bad >&2"},
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		t.Fatalf("Launch() returned error: %s", err)
	}
	if code, _ := p.Join(); code != 0 {
		t.Errorf("exit code = %d; expected 0", code)
	}
	if got := stdout.String(); got != "good\n" {
		t.Errorf("stdout = %q; expected %q", got, "good\n")
	}
	if got := stderr.String(); got != "bad\n" {
		t.Errorf("stderr = %q; expected %q", got, "bad\n")
	}
}

func TestRemoteLaunchChannelTunnelsNestedSession(t *testing.T) {
	rl, _, _ := newLauncherPair(t)

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() returned error: %s", err)
	}

	// The peer spawns the agent; its stdio reaches us as pipes over the
	// carrying channel, and a second Channel negotiates across them.
	nested, err := rl.LaunchChannel(
		[]string{exe, "-test.run=TestHelperChannelAgent"},
		os.Stderr, "", []string{agentHelperEnv + "=1"},
	)
	if err != nil {
		t.Fatalf("LaunchChannel() returned error: %s", err)
	}

	result, err := nested.Call(&shoutCallable{S: "tunnelled"})
	if err != nil {
		t.Fatalf("Call over the nested channel returned error: %s", err)
	}
	if got, _ := result.(string); got != "TUNNELLED" {
		t.Errorf("Call returned %v; expected %q", result, "TUNNELLED")
	}

	if err := nested.Close(); err != nil {
		t.Errorf("Close() of the nested channel returned error: %s", err)
	}
}

func TestRemoteProcAfterChannelDeath(t *testing.T) {
	rl, chA, chB := newLauncherPair(t)

	p, err := rl.Launch(&ProcStarter{Cmd: []string{"/bin/sh", "-c", "sleep 30"}})
	if err != nil {
		t.Fatalf("Launch() returned error: %s", err)
	}

	chB.Close()
	chA.Join()

	// The process is unreachable: Kill must fail fast with the transport
	// error, and Join must report the proc as dead.
	start := time.Now()
	err = p.Kill()
	if !remoting.IsChannelClosed(err) {
		t.Errorf("Kill() after channel death returned %v; expected ChannelClosedError", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Kill() took %s; expected an immediate failure", elapsed)
	}

	code, err := p.Join()
	if code != -1 {
		t.Errorf("Join() after channel death returned code %d; expected -1", code)
	}
	if !remoting.IsChannelClosed(err) {
		t.Errorf("Join() after channel death returned %v; expected ChannelClosedError", err)
	}
}

func TestRemoteKillByCookieMismatchIsNoop(t *testing.T) {
	rl, _, _ := newLauncherPair(t)

	err := rl.Kill(map[string]string{CookieKey: "ffffffffffffffffffffffffffffffff"})
	if err != nil {
		t.Errorf("Kill() with unmatched cookie returned error: %s", err)
	}
}
