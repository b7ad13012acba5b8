package hop

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/icotes/fabric/internal/types"
)

// sshClientConfig builds the auth method chain for a credential: password,
// private key (optionally passphrase-protected), or ssh-agent forwarding.
// Host key verification is intentionally disabled, matching the original
// service's trusted-network assumption (spec §4.F Non-goals: no host key
// pinning).
func (s *Service) sshClientConfig(cred types.HopCredential, password, passphrase string) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch cred.Auth {
	case types.HopAuthPassword:
		auth = append(auth, ssh.Password(password))
	case types.HopAuthPrivateKey:
		if cred.PrivateKeyID == "" {
			return nil, fmt.Errorf("private key auth requires a stored key")
		}
		keyBytes, err := readKeyFile(s.store.keyPath(cred.PrivateKeyID))
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := parsePrivateKey(keyBytes, passphrase)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	case types.HopAuthAgent:
		signers, err := agentSigners()
		if err != nil {
			return nil, fmt.Errorf("ssh agent: %w", err)
		}
		auth = append(auth, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) { return signers, nil }))
	default:
		return nil, fmt.Errorf("unsupported auth method %q", cred.Auth)
	}

	return &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.cfg.ConnectionTimeout,
	}, nil
}

func parsePrivateKey(keyBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(keyBytes)
}

// dialSSHContext dials addr with clientCfg, honoring ctx cancellation for
// the network dial itself (ssh.Dial has no native context support).
func dialSSHContext(ctx context.Context, addr string, clientCfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			resCh <- result{nil, err}
			return
		}
		resCh <- result{ssh.NewClient(c, chans, reqs), nil}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.client, nil
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	}
}

// probeRemoteCWD determines a sensible default working directory for a
// session whose credential carries no DefaultPath: try $HOME, then pwd,
// accepting the first candidate SFTP confirms is a real directory (spec
// §4.F "probe $HOME then pwd, validate via SFTP stat"). When sftpClient
// is nil the first probe result is accepted without validation. Falls
// back to "/" if neither probe returns output or no candidate validates.
func probeRemoteCWD(ctx context.Context, client *ssh.Client, sftpClient *sftp.Client, timeout time.Duration) string {
	var candidates []string
	if home, err := runShortCommand(ctx, client, "echo $HOME", timeout); err == nil {
		if home = strings.TrimSpace(home); home != "" {
			candidates = append(candidates, home)
		}
	}
	if pwd, err := runShortCommand(ctx, client, "pwd", timeout); err == nil {
		if pwd = strings.TrimSpace(pwd); pwd != "" {
			candidates = append(candidates, pwd)
		}
	}

	for _, c := range candidates {
		if sftpClient == nil {
			return c
		}
		if info, err := sftpClient.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return "/"
}

// runShortCommand runs cmd in a fresh SSH session bounded by timeout,
// returning its stdout. Used only for the cheap $HOME/pwd probes above,
// never for anything that streams output.
func runShortCommand(ctx context.Context, client *ssh.Client, cmd string, timeout time.Duration) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.Output(cmd)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		return string(res.out), res.err
	case <-time.After(timeout):
		return "", fmt.Errorf("timeout running %q", cmd)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
