package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kevinpez/mikrotik-ops/internal/command"
	"github.com/kevinpez/mikrotik-ops/internal/profile"
)

// ShellClient executes CLI commands over an SSH connection. RouterOS runs
// non-interactive SSH exec requests directly in the CLI, so each command is
// one exec on a fresh ssh session over the shared connection.
type ShellClient struct {
	client  *ssh.Client
	profile *profile.TargetProfile
	closed  bool
}

// DialShell connects and authenticates the SSH surface.
func DialShell(ctx context.Context, p *profile.TargetProfile) (Transport, error) {
	var authMethods []ssh.AuthMethod
	if p.Password != "" {
		authMethods = append(authMethods, ssh.Password(p.Password))
	}
	if p.PrivateKey != "" {
		var key ssh.Signer
		var err error
		if p.Passphrase != "" {
			key, err = ssh.ParsePrivateKeyWithPassphrase([]byte(p.PrivateKey), []byte(p.Passphrase))
		} else {
			key, err = ssh.ParsePrivateKey([]byte(p.PrivateKey))
		}
		if err != nil {
			return nil, NewFailure(profile.TransportShell, FailureAuth,
				fmt.Errorf("parse private key: %w", err))
		}
		authMethods = append(authMethods, ssh.PublicKeys(key))
	}

	config := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.ConnectTimeout(),
	}

	type dialOut struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialOut, 1)
	go func() {
		cl, err := ssh.Dial("tcp", p.SSHAddr(), config)
		ch <- dialOut{cl, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if out := <-ch; out.client != nil {
				out.client.Close()
			}
		}()
		return nil, NewFailure(profile.TransportShell, FailureTimeout,
			fmt.Errorf("dial %s: %w", p.SSHAddr(), ctx.Err()))
	case out := <-ch:
		if out.err != nil {
			return nil, ClassifyErr(profile.TransportShell,
				fmt.Errorf("dial %s: %w", p.SSHAddr(), out.err))
		}
		return &ShellClient{client: out.client, profile: p}, nil
	}
}

// Kind implements Transport.
func (c *ShellClient) Kind() profile.TransportKind { return profile.TransportShell }

// Run implements Transport.
func (c *ShellClient) Run(ctx context.Context, cmd *command.Command) (*Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, ClassifyErr(profile.TransportShell, fmt.Errorf("new session: %w", err))
	}
	defer session.Close()

	runCtx, cancel := context.WithTimeout(ctx, c.profile.CommandTimeout())
	defer cancel()

	type execOut struct {
		output []byte
		err    error
	}
	ch := make(chan execOut, 1)
	start := time.Now()
	go func() {
		out, err := session.CombinedOutput(cmd.ShellText())
		ch <- execOut{out, err}
	}()

	select {
	case <-runCtx.Done():
		// The remote command may still be running; killing the session is
		// the only lever we have, and the session must not be reused.
		session.Close()
		return nil, NewFailure(profile.TransportShell, FailureTimeout,
			fmt.Errorf("run %s: %w", cmd.Path(), runCtx.Err()))
	case out := <-ch:
		elapsed := time.Since(start)
		raw := string(out.output)
		if out.err != nil {
			if _, ok := out.err.(*ssh.ExitError); !ok {
				return nil, ClassifyErr(profile.TransportShell,
					fmt.Errorf("run %s: %w", cmd.Path(), out.err))
			}
			// Non-zero exit is the device rejecting the command.
		}
		if devMsg := deviceErrorLine(raw); devMsg != "" || out.err != nil {
			if devMsg == "" {
				devMsg = strings.TrimSpace(raw)
			}
			return &Result{
				Transport:   profile.TransportShell,
				Raw:         raw,
				OK:          false,
				Elapsed:     elapsed,
				DeviceError: devMsg,
			}, nil
		}
		return &Result{
			Transport: profile.TransportShell,
			Raw:       raw,
			OK:        true,
			Elapsed:   elapsed,
		}, nil
	}
}

// Close implements Transport.
func (c *ShellClient) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

// deviceErrorLine scans CLI output for RouterOS rejection markers. The CLI
// reports errors inline with exit code 0, so the text is the only signal.
func deviceErrorLine(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "failure:") ||
			strings.HasPrefix(lower, "syntax error") ||
			strings.HasPrefix(lower, "bad command name") ||
			strings.HasPrefix(lower, "expected end of command") ||
			strings.HasPrefix(lower, "input does not match any value") ||
			strings.HasPrefix(lower, "no such item") {
			return trimmed
		}
	}
	return ""
}
