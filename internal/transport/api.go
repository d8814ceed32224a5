package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-routeros/routeros/v3"

	"github.com/kevinpez/mikrotik-ops/internal/command"
	"github.com/kevinpez/mikrotik-ops/internal/profile"
)

// APIClient talks the RouterOS binary API protocol.
type APIClient struct {
	client  *routeros.Client
	profile *profile.TargetProfile
	closed  bool
}

// DialAPI connects and authenticates against the binary API endpoint.
func DialAPI(ctx context.Context, p *profile.TargetProfile) (Transport, error) {
	timeout := p.ConnectTimeout()
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	cl, err := routeros.DialTimeout(p.APIAddr(), p.Username, p.Password, timeout)
	if err != nil {
		return nil, ClassifyErr(profile.TransportAPI, fmt.Errorf("dial %s: %w", p.APIAddr(), err))
	}
	return &APIClient{client: cl, profile: p}, nil
}

// Kind implements Transport.
func (c *APIClient) Kind() profile.TransportKind { return profile.TransportAPI }

// Run implements Transport. A !trap reply is the device rejecting the
// command and is reported inside the Result, not as an error.
func (c *APIClient) Run(ctx context.Context, cmd *command.Command) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.profile.CommandTimeout())
	defer cancel()

	start := time.Now()
	reply, err := c.client.RunContext(runCtx, cmd.APIWords()...)
	elapsed := time.Since(start)

	if err != nil {
		var devErr *routeros.DeviceError
		if errors.As(err, &devErr) {
			return &Result{
				Transport:   profile.TransportAPI,
				OK:          false,
				Elapsed:     elapsed,
				DeviceError: devErr.Error(),
			}, nil
		}
		if runCtx.Err() != nil {
			err = fmt.Errorf("run %s: %w", cmd.Path(), runCtx.Err())
		}
		return nil, ClassifyErr(profile.TransportAPI, err)
	}

	return &Result{
		Transport: profile.TransportAPI,
		Raw:       formatReply(reply),
		OK:        true,
		Elapsed:   elapsed,
	}, nil
}

// Close implements Transport.
func (c *APIClient) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.client.Close()
	return nil
}

// formatReply flattens API sentences into the line-per-entry text shape the
// caller-side parsers consume.
func formatReply(reply *routeros.Reply) string {
	var b strings.Builder
	for i, re := range reply.Re {
		if i > 0 {
			b.WriteByte('\n')
		}
		for j, pair := range re.List {
			if j > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(pair.Key)
			b.WriteByte('=')
			b.WriteString(pair.Value)
		}
	}
	if reply.Done != nil && len(reply.Done.List) > 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		for j, pair := range reply.Done.List {
			if j > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(pair.Key)
			b.WriteByte('=')
			b.WriteString(pair.Value)
		}
	}
	return b.String()
}
