package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshTransport implements the ssh/scp schemes with a native
// golang.org/x/crypto/ssh client instead of shelling out to a system scp
// binary, since a well-maintained pure-Go client exists.
type sshTransport struct {
	dial func(ctx context.Context, host string) (*ssh.Client, error)
}

func newSSHTransport() *sshTransport {
	return &sshTransport{dial: dialSSH}
}

func dialSSH(ctx context.Context, hostport string) (*ssh.Client, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, "22"
	}

	config := &ssh.ClientConfig{
		User:            currentUser(),
		Auth:            sshAuthMethods(),
		HostKeyCallback: hostKeyCallback(),
		Timeout:         30 * time.Second,
	}

	addr := net.JoinHostPort(host, port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// runCancelable runs session, killing it if ctx is cancelled before it
// finishes — the one way to make a blocking SSH session observe
// cancellation, since golang.org/x/crypto/ssh.Session has no
// context-aware Run variant of its own.
func runCancelable(ctx context.Context, session *ssh.Session, cmd string) error {
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return ctx.Err()
	}
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}

func sshAuthMethods() []ssh.AuthMethod {
	// Real deployments supply an agent-backed signer; kiln reads
	// KILN_SSH to point at a private key file for non-interactive runs.
	if keyPath := os.Getenv("KILN_SSH"); keyPath != "" {
		if key, err := os.ReadFile(keyPath); err == nil {
			if signer, err := ssh.ParsePrivateKey(key); err == nil {
				return []ssh.AuthMethod{ssh.PublicKeys(signer)}
			}
		}
	}
	return nil
}

func hostKeyCallback() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err != nil {
		return ssh.InsecureIgnoreHostKey() //nolint:gosec // no HOME to resolve known_hosts from
	}
	cb, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
	if err != nil {
		return ssh.InsecureIgnoreHostKey() //nolint:gosec // no known_hosts file available
	}
	return cb
}

func (t *sshTransport) Fetch(ctx context.Context, u URL, localPath string) error {
	client, err := t.dial(ctx, u.Host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer client.Close()

	content, err := scpGet(ctx, client, u.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".transport-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return os.Rename(tmpPath, localPath)
}

func (t *sshTransport) Push(ctx context.Context, localPath string, u URL) error {
	client, err := t.dial(ctx, u.Host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer client.Close()

	content, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return scpPut(ctx, client, u.Path, content)
}

func (t *sshTransport) Mkdir(ctx context.Context, u URL) error {
	client, err := t.dial(ctx, u.Host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer session.Close()
	if err := runCancelable(ctx, session, "mkdir -p "+shellQuote(u.Path)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (t *sshTransport) Exists(ctx context.Context, u URL) (bool, error) {
	client, err := t.dial(ctx, u.Host)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer session.Close()
	err = runCancelable(ctx, session, "test -e "+shellQuote(u.Path))
	if err == nil {
		return true, nil
	}
	var exitErr *ssh.ExitError
	if asExitError(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrIO, err)
}

// scpGet and scpPut speak the minimal SCP protocol (a single-file
// source/sink exchange) over an ssh session's stdin/stdout pipes, as
// documented by the historical `scp` wire protocol. Each runs its
// exchange on a goroutine and races it against ctx, closing the session
// to unblock the pipes on cancellation — the same shape as
// runCancelable, since the exchange is more than one Session.Run call.
func scpGet(ctx context.Context, client *ssh.Client, remotePath string) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	if err := session.Start("scp -f " + shellQuote(remotePath)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf, err := scpGetExchange(stdin, stdout)
		done <- result{buf, err}
	}()

	select {
	case r := <-done:
		_ = session.Wait()
		return r.buf, r.err
	case <-ctx.Done():
		_ = session.Close()
		<-done
		return nil, ctx.Err()
	}
}

func scpGetExchange(stdin io.Writer, stdout io.Reader) ([]byte, error) {
	if _, err := stdin.Write([]byte{0}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	header, err := readSCPLine(stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var mode uint32
	var size int64
	var name string
	if _, err := fmt.Sscanf(header, "C%o %d %s", &mode, &size, &name); err != nil {
		return nil, fmt.Errorf("%w: malformed scp header %q", ErrIO, header)
	}

	if _, err := stdin.Write([]byte{0}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(stdout, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(stdout, ack); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return buf, nil
}

func scpPut(ctx context.Context, client *ssh.Client, remotePath string, content []byte) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	dir := filepath.Dir(remotePath)
	name := filepath.Base(remotePath)
	if err := session.Start("scp -t " + shellQuote(dir)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	done := make(chan error, 1)
	go func() { done <- scpPutExchange(stdin, stdout, name, content) }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return session.Wait()
	case <-ctx.Done():
		_ = session.Close()
		<-done
		return ctx.Err()
	}
}

func scpPutExchange(stdin io.WriteCloser, stdout io.Reader, name string, content []byte) error {
	if err := readAck(stdout); err != nil {
		return err
	}
	fmt.Fprintf(stdin, "C0644 %d %s\n", len(content), name)
	if err := readAck(stdout); err != nil {
		return err
	}
	stdin.Write(content)
	stdin.Write([]byte{0})
	if err := readAck(stdout); err != nil {
		return err
	}
	return stdin.Close()
}

func readAck(r io.Reader) error {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if buf[0] != 0 {
		line, _ := readSCPLine(r)
		return fmt.Errorf("%w: scp error: %s", ErrIO, line)
	}
	return nil
}

func readSCPLine(r io.Reader) (string, error) {
	var buf bytes.Buffer
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			break
		}
		buf.WriteByte(b[0])
	}
	return strings.TrimPrefix(buf.String(), "\x00"), nil
}

func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

func asExitError(err error, target **ssh.ExitError) bool {
	ee, ok := err.(*ssh.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}
