// Package profile describes RouterOS device endpoints and credentials.
package profile

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// TransportKind identifies one of the two device control surfaces.
type TransportKind string

const (
	// TransportAPI is the RouterOS binary API (default TCP 8728).
	TransportAPI TransportKind = "api"
	// TransportShell is the RouterOS CLI over SSH (default TCP 22).
	TransportShell TransportKind = "ssh"
)

// TargetProfile describes a single RouterOS device. Profiles are immutable
// after construction; many commands share one profile.
type TargetProfile struct {
	Name     string `yaml:"name" validate:"required,min=1"`
	Host     string `yaml:"host" validate:"required,min=1"`
	APIPort  int    `yaml:"api_port" validate:"min=0,max=65535"`
	SSHPort  int    `yaml:"ssh_port" validate:"min=0,max=65535"`
	Username string `yaml:"username" validate:"required,min=1"`
	Password string `yaml:"password"`

	// PrivateKey is optional PEM material for SSH key auth.
	PrivateKey string `yaml:"private_key,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"`

	// SNMPCommunity, when set, lets the verifier probe reachability over SNMP
	// instead of a plain TCP dial.
	SNMPCommunity string `yaml:"snmp_community,omitempty"`

	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`
	CommandTimeoutMS int `yaml:"command_timeout_ms"`

	// PreferredTransport hints which surface to try first. Empty means API.
	PreferredTransport TransportKind `yaml:"preferred_transport,omitempty"`
}

const (
	defaultAPIPort        = 8728
	defaultSSHPort        = 22
	defaultConnectTimeout = 10 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

var validate = validator.New()

// Validate checks the profile for field-level and cross-field problems.
func (p *TargetProfile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("profile %q: %w", p.Name, err)
	}
	if p.Password == "" && p.PrivateKey == "" {
		return fmt.Errorf("profile %q: either password or private_key is required", p.Name)
	}
	switch p.PreferredTransport {
	case "", TransportAPI, TransportShell:
	default:
		return fmt.Errorf("profile %q: invalid preferred_transport %q", p.Name, p.PreferredTransport)
	}
	return nil
}

// Key returns the registry identity of the profile. Two profiles with the
// same key share sessions.
func (p *TargetProfile) Key() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.apiPort())) + "/" + p.Username
}

// APIAddr returns the host:port of the binary API endpoint.
func (p *TargetProfile) APIAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.apiPort()))
}

// SSHAddr returns the host:port of the SSH endpoint.
func (p *TargetProfile) SSHAddr() string {
	port := p.SSHPort
	if port == 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

func (p *TargetProfile) apiPort() int {
	if p.APIPort == 0 {
		return defaultAPIPort
	}
	return p.APIPort
}

// ConnectTimeout returns the connect deadline as a duration.
func (p *TargetProfile) ConnectTimeout() time.Duration {
	if p.ConnectTimeoutMS <= 0 {
		return defaultConnectTimeout
	}
	return time.Duration(p.ConnectTimeoutMS) * time.Millisecond
}

// CommandTimeout returns the per-command deadline as a duration.
func (p *TargetProfile) CommandTimeout() time.Duration {
	if p.CommandTimeoutMS <= 0 {
		return defaultCommandTimeout
	}
	return time.Duration(p.CommandTimeoutMS) * time.Millisecond
}
