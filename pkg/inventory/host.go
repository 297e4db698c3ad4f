// Package inventory resolves host strings into immutable Host values.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultSSHPort is used when a host string carries no port.
const DefaultSSHPort = 22

// Host identifies a target machine and how to reach it.
// Host is comparable and is used as a map key throughout the engine.
type Host struct {
	// Name is the label the host was declared with (defaults to Address).
	Name string `json:"name"`

	// Address is the network address (hostname or IP).
	Address string `json:"address" validate:"required"`

	// Port is the SSH port.
	Port int `json:"port" validate:"min=1,max=65535"`

	// User is the SSH user.
	User string `json:"user" validate:"required"`

	// IdentityFile is the private key path, empty for the transport default.
	IdentityFile string `json:"identity_file,omitempty"`

	// StrictHostKeyChecking rejects hosts missing from known_hosts.
	StrictHostKeyChecking bool `json:"strict_host_key_checking"`
}

// Defaults supplies the fields a host string may omit.
type Defaults struct {
	User                  string
	Port                  int
	IdentityFile          string
	StrictHostKeyChecking bool
}

// DefaultDefaults returns defaults derived from the current environment.
func DefaultDefaults() Defaults {
	user := os.Getenv("USER")
	if user == "" {
		user = "root"
	}
	return Defaults{
		User:                  user,
		Port:                  DefaultSSHPort,
		StrictHostKeyChecking: true,
	}
}

// Local returns the host describing the machine the engine runs on.
func Local() Host {
	d := DefaultDefaults()
	return Host{
		Name:    "localhost",
		Address: "localhost",
		Port:    d.Port,
		User:    d.User,
	}
}

// IsLocal reports whether commands for the host run as local subprocesses.
func (h Host) IsLocal() bool {
	switch strings.ToLower(h.Address) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// SSHAddress returns host:port for dialing.
func (h Host) SSHAddress() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// String renders the host as user@address:port, or its name when set.
func (h Host) String() string {
	if h.Name != "" && h.Name != h.Address {
		return h.Name
	}
	if h.Port == DefaultSSHPort || h.Port == 0 {
		return fmt.Sprintf("%s@%s", h.User, h.Address)
	}
	return fmt.Sprintf("%s@%s", h.User, h.SSHAddress())
}

// ConfigError reports an invalid host declaration.
type ConfigError struct {
	// Input is the host string or field that failed.
	Input string

	// Reason describes the problem.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid host %q: %s: %v", e.Input, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid host %q: %s", e.Input, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is a host configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

var validate = validator.New()

// Parse turns "user@address:port" (user and port optional) into a Host.
func Parse(spec string, d Defaults) (Host, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Host{}, &ConfigError{Input: spec, Reason: "empty host"}
	}

	user := d.User
	rest := spec
	if at := strings.LastIndex(spec, "@"); at >= 0 {
		user = spec[:at]
		rest = spec[at+1:]
		if user == "" {
			return Host{}, &ConfigError{Input: spec, Reason: "empty user before @"}
		}
	}

	address, port, err := splitAddress(rest, d.Port)
	if err != nil {
		return Host{}, &ConfigError{Input: spec, Reason: "malformed address", Err: err}
	}

	h := Host{
		Name:                  address,
		Address:               address,
		Port:                  port,
		User:                  user,
		IdentityFile:          expandHome(d.IdentityFile),
		StrictHostKeyChecking: d.StrictHostKeyChecking,
	}

	if err := Validate(h); err != nil {
		return Host{}, &ConfigError{Input: spec, Reason: "validation failed", Err: err}
	}
	return h, nil
}

// ParseAll parses every host string, failing on the first invalid one.
func ParseAll(specs []string, d Defaults) ([]Host, error) {
	hosts := make([]Host, 0, len(specs))
	for _, spec := range specs {
		h, err := Parse(spec, d)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// Resolve parses spec and checks that its address resolves.
// IP literals and local hosts skip the lookup.
func Resolve(ctx context.Context, resolver *net.Resolver, spec string, d Defaults) (Host, error) {
	h, err := Parse(spec, d)
	if err != nil {
		return Host{}, err
	}
	if h.IsLocal() || net.ParseIP(h.Address) != nil {
		return h, nil
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if _, err := resolver.LookupHost(ctx, h.Address); err != nil {
		return Host{}, &ConfigError{Input: spec, Reason: "address does not resolve", Err: err}
	}
	return h, nil
}

// Validate checks the struct constraints of a Host.
func Validate(h Host) error {
	return validate.Struct(h)
}

func splitAddress(s string, defaultPort int) (string, int, error) {
	if defaultPort == 0 {
		defaultPort = DefaultSSHPort
	}

	// Bracketed IPv6 with or without port, or host:port.
	if strings.HasPrefix(s, "[") || strings.Count(s, ":") == 1 {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
				return strings.Trim(s, "[]"), defaultPort, nil
			}
			return "", 0, err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, fmt.Errorf("port %q: %w", portStr, err)
		}
		if host == "" {
			return "", 0, fmt.Errorf("missing address")
		}
		return host, port, nil
	}

	// Bare hostname or unbracketed IPv6 literal.
	return s, defaultPort, nil
}

func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
