//go:build e2e

package e2e

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"testing"

	"golang.org/x/crypto/ssh"
)

// sshServer is the service published through the tunnel in the SSH
// tests. It trusts one generated key, which doubles as its host key.
type sshServer struct {
	addr   string
	port   uint16
	signer ssh.Signer
}

// startSSHServer listens on an ephemeral loopback port.
func startSSHServer(t *testing.T) *sshServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	trusted := signer.PublicKey().Marshal()

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if !bytes.Equal(key.Marshal(), trusted) {
				return nil, fmt.Errorf("key for %s not trusted", meta.User())
			}
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go acceptLoop(ln, config)

	return &sshServer{
		addr:   ln.Addr().String(),
		port:   uint16(ln.Addr().(*net.TCPAddr).Port),
		signer: signer,
	}
}

// clientConfig returns an SSH client config that authenticates to s.
func (s *sshServer) clientConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            "e2etest",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		HostKeyCallback: ssh.FixedHostKey(s.signer.PublicKey()),
	}
}

func acceptLoop(ln net.Listener, config *ssh.ServerConfig) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		go serveSSH(nc, config)
	}
}

func serveSSH(nc net.Conn, config *ssh.ServerConfig) {
	defer nc.Close()
	sc, chans, reqs, err := ssh.NewServerConn(nc, config)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, nch.ChannelType())
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			return
		}
		go execSession(ch, requests)
	}
}

// execSession runs a single exec request through sh and reports its exit
// status. Shells and ptys are refused.
func execSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		var payload struct{ Command string }
		if req.Type != "exec" || ssh.Unmarshal(req.Payload, &payload) != nil {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		_ = req.Reply(true, nil)

		status := runCommand(ch, payload.Command)
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func runCommand(ch ssh.Channel, command string) uint32 {
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = ch, ch, ch.Stderr()
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return uint32(ee.ExitCode())
		}
		return 255
	}
	return 0
}
