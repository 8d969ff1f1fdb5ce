//go:build e2e

package e2e

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

const testSecret = "e2e-secret"

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// sshxBinary builds the sshx binary once and returns its path.
func sshxBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "sshx")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/sshx")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build sshx: %v", buildErr)
	}
	return builtBinary
}

// sshxProcess represents a running sshx process with log capture.
type sshxProcess struct {
	cmd  *exec.Cmd
	logs *logBuffer
	done chan struct{}
	err  error
}

// logBuffer is a thread-safe buffer that captures log output line by line.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		lb.lines = append(lb.lines, data[:i])
		data = data[i+1:]
	}
	lb.partial = data
	return len(p), nil
}

// String returns all captured log lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// find returns the n-th (zero-based) line containing substr.
func (lb *logBuffer) find(substr string, n int) (string, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			if n == 0 {
				return line, true
			}
			n--
		}
	}
	return "", false
}

// waitFor polls until the n-th line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, n int, timeout time.Duration) (string, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if line, ok := lb.find(substr, n); ok {
			return line, true
		}
		if time.Now().After(deadline) {
			return "", false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// startSSHX starts an sshx process with the given args. The process is
// killed on test cleanup.
func startSSHX(t *testing.T, args ...string) *sshxProcess {
	t.Helper()
	binary := sshxBinary(t)

	cmd := exec.Command(binary, args...)
	cmd.Env = os.Environ()
	logs := &logBuffer{}
	cmd.Stderr = logs // sshx logs to stderr
	cmd.Stdout = io.Discard

	if err := cmd.Start(); err != nil {
		t.Fatalf("start sshx %v: %v", args, err)
	}
	proc := &sshxProcess{cmd: cmd, logs: logs, done: make(chan struct{})}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-proc.done
		if t.Failed() {
			t.Logf("sshx %v logs:\n%s", args, logs.String())
		}
	})
	return proc
}

// interrupt sends SIGINT and waits for the process to exit.
func (p *sshxProcess) interrupt(t *testing.T) error {
	t.Helper()
	_ = p.cmd.Process.Signal(syscall.SIGINT)
	select {
	case <-p.done:
		return p.err
	case <-time.After(15 * time.Second):
		t.Fatal("sshx did not exit after SIGINT")
		return nil
	}
}

// wait waits for the process to exit on its own.
func (p *sshxProcess) wait(t *testing.T, timeout time.Duration) error {
	t.Helper()
	select {
	case <-p.done:
		return p.err
	case <-time.After(timeout):
		t.Fatal("sshx did not exit")
		return nil
	}
}

// waitForLog waits for the n-th (zero-based) log line containing substr.
func waitForLog(t *testing.T, proc *sshxProcess, substr string, n int, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, n, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q\n%s", substr, proc.logs.String())
	}
	return line
}

var (
	portRe = regexp.MustCompile(`\bport=(\d+)`)
	addrRe = regexp.MustCompile(`\baddr=([^\s]+)`)
)

// logField extracts a field from a log line.
func logField(t *testing.T, re *regexp.Regexp, line string) string {
	t.Helper()
	m := re.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no %s in log line: %s", re, line)
	}
	return m[1]
}

// waitForTunnel waits for the n-th registration of a client and returns
// the public address on the loopback relay.
func waitForTunnel(t *testing.T, c *sshxProcess, n int) string {
	t.Helper()
	line := waitForLog(t, c, "tunnel registered", n, 30*time.Second)
	port, err := strconv.Atoi(logField(t, portRe, line))
	if err != nil {
		t.Fatal(err)
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// freePort returns a loopback TCP port that is free at the time of the call.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// relayProcess is a running relay and the port clients dial.
type relayProcess struct {
	*sshxProcess
	controlPort int
}

func (r *relayProcess) server() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(r.controlPort))
}

// startRelay starts a relay on loopback with a tunnel port range of
// [41000, 41999] unless extraArgs override it.
func startRelay(t *testing.T, controlPort int, extraArgs ...string) *relayProcess {
	t.Helper()
	if controlPort == 0 {
		controlPort = freePort(t)
	}
	args := append([]string{
		"relay",
		"--bind", "127.0.0.1",
		"--control-port", strconv.Itoa(controlPort),
		"--min-port", "41000",
		"--max-port", "41999",
		"--secret", testSecret,
		"--log-level", "debug",
	}, extraArgs...)
	p := startSSHX(t, args...)
	waitForLog(t, p, "relay listening", 0, 15*time.Second)
	return &relayProcess{sshxProcess: p, controlPort: controlPort}
}

// startClient starts a client exposing localPort through r.
func startClient(t *testing.T, r *relayProcess, localPort uint16, extraArgs ...string) *sshxProcess {
	t.Helper()
	args := append([]string{
		"client",
		"--server", r.server(),
		"--secret", testSecret,
		"-s", "e2e",
		"-p", strconv.Itoa(int(localPort)),
		"--local-host", "127.0.0.1",
		"--tcp",
		"--quiet",
		"--log-level", "debug",
	}, extraArgs...)
	return startSSHX(t, args...)
}

// startEchoServer starts a TCP echo server on a random port.
func startEchoServer(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}
