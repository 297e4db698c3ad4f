package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/froyoplay/pkg/inventory"
)

type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	// AuthMethodAgent signs with the agent listening on SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

const defaultConnectionTimeout = 30 * time.Second

// defaultKeys are tried in order when key auth has no PrivateKeyPath.
var defaultKeys = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// Config is everything needed to open one connection. ConfigForHost
// derives it from an inventory.Host plus the pool-wide Settings.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// With StrictHostKeyChecking, hosts missing from KnownHostsPath are
	// refused; without it any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	// ConnectionTimeout bounds the dial and handshake together.
	ConnectionTimeout time.Duration
	// KeepAliveInterval of zero sends no keep-alives.
	KeepAliveInterval time.Duration
}

// Settings apply to every host a Pool connects to. Secrets come from the
// environment rather than the settings file.
type Settings struct {
	KnownHostsPath    string
	Password          string
	KeyPassphrase     string
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	UseAgent          bool
}

func sshDir() string {
	return filepath.Join(os.Getenv("HOME"), ".ssh")
}

// DefaultSettings reads host keys from ~/.ssh/known_hosts.
func DefaultSettings() Settings {
	return Settings{
		KnownHostsPath:    filepath.Join(sshDir(), "known_hosts"),
		ConnectionTimeout: defaultConnectionTimeout,
	}
}

// ConfigForHost picks password auth when a password is set, the agent when
// asked for and the host names no identity file, and key auth otherwise.
func ConfigForHost(h inventory.Host, s Settings) *Config {
	cfg := &Config{
		Host:                  h.Address,
		Port:                  h.Port,
		User:                  h.User,
		AuthMethod:            AuthMethodKey,
		PrivateKeyPath:        h.IdentityFile,
		PrivateKeyPassphrase:  s.KeyPassphrase,
		KnownHostsPath:        s.KnownHostsPath,
		StrictHostKeyChecking: h.StrictHostKeyChecking,
		ConnectionTimeout:     s.ConnectionTimeout,
		KeepAliveInterval:     s.KeepAliveInterval,
	}
	if s.Password != "" {
		cfg.AuthMethod, cfg.Password = AuthMethodPassword, s.Password
	} else if s.UseAgent && h.IdentityFile == "" {
		cfg.AuthMethod = AuthMethodAgent
	}
	if cfg.Port == 0 {
		cfg.Port = inventory.DefaultSSHPort
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = defaultConnectionTimeout
	}
	return cfg
}

// Validate checks c before any network traffic. Key auth with no
// PrivateKeyPath adopts the first of the default keys present in ~/.ssh.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("ssh host is empty")
	case c.User == "":
		return errors.New("ssh user is empty")
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("ssh port %d out of range", c.Port)
	case c.ConnectionTimeout <= 0:
		return errors.New("ssh connection timeout must be positive")
	case c.StrictHostKeyChecking && c.KnownHostsPath == "":
		return errors.New("strict host key checking needs a known_hosts file")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password auth without a password")
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return errors.New("agent auth but SSH_AUTH_SOCK is unset")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = findDefaultKey()
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("key auth without an identity file and none of %v in %s", defaultKeys, sshDir())
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("identity file: %w", err)
		}
	default:
		return fmt.Errorf("unknown ssh auth method %q", c.AuthMethod)
	}
	return nil
}

func findDefaultKey() string {
	for _, name := range defaultKeys {
		path := filepath.Join(sshDir(), name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// BuildSSHClientConfig turns c into an x/crypto ssh.ClientConfig. The
// returned func closes the agent socket when agent auth opened one.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, func(), error) {
	auth, release, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking {
		if hostKeys, err = knownhosts.New(c.KnownHostsPath); err != nil {
			release()
			return nil, nil, fmt.Errorf("loading %s: %w", c.KnownHostsPath, err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, release, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Servers that disable plain password auth usually still accept the
		// same secret over keyboard-interactive.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, noop, nil

	case AuthMethodAgent:
		sock, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, nil, fmt.Errorf("ssh agent: %w", err)
		}
		release := func() { _ = sock.Close() }
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(sock).Signers)}, release, nil

	default:
		pem, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading identity file: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase == "" {
			signer, err = ssh.ParsePrivateKey(pem)
		} else {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
		}
		if err != nil {
			return nil, nil, fmt.Errorf("parsing identity file %s: %w", c.PrivateKeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil
	}
}

// Address is host:port, bracketing IPv6 literals.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
