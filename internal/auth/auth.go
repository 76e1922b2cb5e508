// Package auth builds golang.org/x/crypto/ssh authentication methods and
// host-key verification policies for the transport layer. Connect offers
// a key file, then ssh-agent signing (only when the caller opts in), then
// a password, in that fixed order — never a caller-supplied list.
package auth

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// Authenticator produces a single ssh.AuthMethod.
type Authenticator interface {
	GetAuthMethod() (ssh.AuthMethod, error)
}

// KeyAuthenticator authenticates with a private key file, optionally
// passphrase-protected. This is tried first during Connect.
type KeyAuthenticator struct {
	KeyPath    string
	Passphrase string
}

func (k *KeyAuthenticator) GetAuthMethod() (ssh.AuthMethod, error) {
	expanded, err := ExpandPath(k.KeyPath)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", expanded, err)
	}

	var signer ssh.Signer
	if k.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(k.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

// PasswordAuthenticator authenticates with a plaintext password. This is
// tried only after key auth during Connect.
type PasswordAuthenticator struct {
	Password string
}

func (p *PasswordAuthenticator) GetAuthMethod() (ssh.AuthMethod, error) {
	return ssh.Password(p.Password), nil
}

// AgentAuthenticator delegates signing to a running ssh-agent. Offered as
// a pluggable Authenticator for callers that want it; Connect's default
// try-order never reaches for it implicitly.
type AgentAuthenticator struct {
	Socket string
}

// NewAgentAuthenticator reads SSH_AUTH_SOCK from the environment.
func NewAgentAuthenticator() *AgentAuthenticator {
	return &AgentAuthenticator{Socket: os.Getenv("SSH_AUTH_SOCK")}
}

func (a *AgentAuthenticator) GetAuthMethod() (ssh.AuthMethod, error) {
	if a.Socket == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set and no socket configured")
	}
	conn, err := net.Dial("unix", a.Socket)
	if err != nil {
		return nil, fmt.Errorf("dial ssh-agent at %s: %w", a.Socket, err)
	}
	client := agent.NewClient(conn)
	return ssh.PublicKeysCallback(client.Signers), nil
}

// HostKeyPolicy selects an ssh.HostKeyCallback. Accept-all is the
// default, with a pluggable strict variant for stricter deployments.
type HostKeyPolicy interface {
	Callback() ssh.HostKeyCallback
}

// InsecureAcceptAll is the default policy: unknown host keys are
// accepted without verification. Documented as insecure on hostile
// networks per the design notes.
type InsecureAcceptAll struct{}

func (InsecureAcceptAll) Callback() ssh.HostKeyCallback {
	return ssh.InsecureIgnoreHostKey()
}

// KnownHosts verifies host keys against a known_hosts file, falling back
// to accept-all only if the file cannot be parsed at all (so a missing
// file doesn't wedge every Connect call before the user has ever
// connected anywhere).
type KnownHosts struct {
	Path string
}

// NewKnownHosts defaults Path to ~/.ssh/known_hosts when empty.
func NewKnownHosts(path string) *KnownHosts {
	if path == "" {
		path = os.ExpandEnv("$HOME/.ssh/known_hosts")
	}
	return &KnownHosts{Path: path}
}

func (k *KnownHosts) Callback() ssh.HostKeyCallback {
	cb, err := knownhosts.New(k.Path)
	if err != nil {
		return ssh.InsecureIgnoreHostKey()
	}
	return cb
}
