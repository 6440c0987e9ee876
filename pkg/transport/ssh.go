package transport

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/forgeci/remoting/pkg/launcher"
	"github.com/forgeci/remoting/pkg/remoting"
)

// SSHConfig configures an SSHLauncher.
type SSHConfig struct {
	// Addr is the host:port of the SSH server.
	Addr string

	// User is the login name.
	User string

	// Password, if non-empty, enables password authentication.
	Password string

	// KeyPEM, if non-empty, is a PEM private key for public-key
	// authentication.
	KeyPEM []byte

	// Fingerprint, if non-empty, pins the expected host key: the MD5
	// fingerprint of the presented key must have it as a prefix. Empty
	// accepts any host key.
	Fingerprint string

	// Timeout bounds the TCP connect and handshake; defaults to 30s.
	Timeout time.Duration
}

// SSHLauncher runs processes on a host reached over SSH. It implements the
// launcher.Launcher contract: Launch runs one command on a session, and
// LaunchChannel starts an agent command and layers a Channel over the
// session's stdio.
type SSHLauncher struct {
	Logger
	client *ssh.Client
}

// NewSSHLauncher dials the host and authenticates. The returned launcher
// multiplexes any number of sessions over the one SSH connection.
func NewSSHLauncher(lg Logger, cfg SSHConfig) (*SSHLauncher, error) {
	l := &SSHLauncher{Logger: lg.ForkLogStr(fmt.Sprintf("SSHLauncher(%s)", cfg.Addr))}
	var auth []ssh.AuthMethod
	if len(cfg.KeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.KeyPEM)
		if err != nil {
			return nil, l.Errorf("bad SSH key: %s", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		Timeout:         timeout,
		HostKeyCallback: l.hostKeyChecker(cfg.Fingerprint),
	}
	client, err := ssh.Dial("tcp", cfg.Addr, clientCfg)
	if err != nil {
		return nil, l.Errorf("SSH dial failed: %s", err)
	}
	l.client = client
	return l, nil
}

func (l *SSHLauncher) hostKeyChecker(expect string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		got := FingerprintKey(key)
		if expect != "" && !strings.HasPrefix(got, expect) {
			return fmt.Errorf("transport: host key fingerprint %s does not match pinned %s", got, expect)
		}
		l.DLogf("host key fingerprint %s", got)
		return nil
	}
}

// Launch implements launcher.Launcher: it runs the command on a fresh SSH
// session with the given stdio.
func (l *SSHLauncher) Launch(ps *launcher.ProcStarter) (launcher.Proc, error) {
	if len(ps.Cmd) == 0 {
		return nil, l.Errorf("Launch requires a command")
	}
	cookie, err := launcher.NewCookie()
	if err != nil {
		return nil, err
	}
	sess, err := l.client.NewSession()
	if err != nil {
		return nil, l.Errorf("SSH session failed: %s", err)
	}
	sess.Stdin = ps.Stdin
	sess.Stdout = ps.Stdout
	sess.Stderr = ps.Stderr

	cmdline := remoteCommand(ps.Cmd, ps.Dir, append(append([]string{}, ps.Env...), launcher.CookieKey+"="+cookie))
	if err := sess.Start(cmdline); err != nil {
		sess.Close()
		return nil, l.Errorf("failed to start %v: %s", ps.Cmd, err)
	}
	l.DLogf("started remote command: %s", cmdline)
	p := &sshProc{sess: sess, done: make(chan struct{})}
	go p.reap()
	return p, nil
}

// LaunchChannel implements launcher.Launcher: it starts cmd on a session
// and negotiates a Channel over the session's stdin/stdout. The command is
// expected to speak the remoting protocol there (an agent binary).
func (l *SSHLauncher) LaunchChannel(cmd []string, stderr io.Writer, dir string, env []string) (*remoting.Channel, error) {
	if len(cmd) == 0 {
		return nil, l.Errorf("LaunchChannel requires a command")
	}
	cookie, err := launcher.NewCookie()
	if err != nil {
		return nil, err
	}
	sess, err := l.client.NewSession()
	if err != nil {
		return nil, l.Errorf("SSH session failed: %s", err)
	}
	sess.Stderr = stderr
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	cmdline := remoteCommand(cmd, dir, append(append([]string{}, env...), launcher.CookieKey+"="+cookie))
	if err := sess.Start(cmdline); err != nil {
		sess.Close()
		return nil, l.Errorf("failed to start %v: %s", cmd, err)
	}

	ch, err := remoting.NewChannel(l.Logger, remoting.ChannelConfig{
		Name:   fmt.Sprintf("ssh(%s)", strings.Join(cmd, " ")),
		Stream: remoting.NewStreamPair(stdout, stdin, false, true),
	})
	if err != nil {
		sess.Close()
		return nil, l.Errorf("channel negotiation over SSH failed: %s", err)
	}
	ch.OnTerminate(func(error) {
		sess.Signal(ssh.SIGKILL)
		sess.Close()
	})
	go sess.Wait()
	return ch, nil
}

// Kill implements launcher.Launcher: it runs a cookie scan on the remote
// host and kills matching processes. A missing or unmatched cookie kills
// nothing.
func (l *SSHLauncher) Kill(env map[string]string) error {
	cookie := env[launcher.CookieKey]
	if cookie == "" {
		return nil
	}
	sess, err := l.client.NewSession()
	if err != nil {
		return l.Errorf("SSH session failed: %s", err)
	}
	defer sess.Close()
	// grep exits nonzero when nothing matches; that is the "nothing to
	// kill" case, not a failure.
	script := fmt.Sprintf(
		"pids=$(grep -lsz %s /proc/[0-9]*/environ | cut -d/ -f3); [ -z \"$pids\" ] || kill -9 $pids",
		shellQuote(launcher.CookieKey+"="+cookie))
	if err := sess.Run(script); err != nil {
		l.DLogf("remote cookie kill reported: %s", err)
	}
	return nil
}

// Close tears down the SSH connection and every session on it.
func (l *SSHLauncher) Close() error {
	return l.client.Close()
}

// sshProc is a Proc backed by an SSH session.
type sshProc struct {
	sess *ssh.Session
	done chan struct{}

	mu   sync.Mutex
	exit int
	err  error
}

func (p *sshProc) reap() {
	err := p.sess.Wait()
	code := 0
	if err != nil {
		code = -1
		if ee, ok := err.(*ssh.ExitError); ok {
			code = ee.ExitStatus()
			err = nil
		}
	}
	p.mu.Lock()
	p.exit = code
	p.err = err
	p.mu.Unlock()
	close(p.done)
	p.sess.Close()
}

// Join blocks until the remote command exits and returns its exit code.
func (p *sshProc) Join() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, p.err
}

// Kill signals the remote command and closes the session.
func (p *sshProc) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.sess.Signal(ssh.SIGKILL)
	return p.sess.Close()
}

// remoteCommand renders argv, a working directory, and env overrides into
// one POSIX shell command line for SSH's single-string exec request.
func remoteCommand(argv []string, dir string, env []string) string {
	var b strings.Builder
	if dir != "" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(dir))
	}
	b.WriteString("exec env")
	for _, kv := range env {
		b.WriteByte(' ')
		b.WriteString(shellQuote(kv))
	}
	for _, arg := range argv {
		b.WriteByte(' ')
		b.WriteString(shellQuote(arg))
	}
	return b.String()
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
