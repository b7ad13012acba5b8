package hop

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func readKeyFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// agentSigners connects to the user's ssh-agent over SSH_AUTH_SOCK and
// returns its available signers, used for HopAuthAgent credentials.
func agentSigners() ([]ssh.Signer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("dial ssh-agent: %w", err)
	}
	client := agent.NewClient(conn)
	return client.Signers()
}
