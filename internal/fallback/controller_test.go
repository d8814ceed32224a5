package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinpez/mikrotik-ops/internal/command"
	"github.com/kevinpez/mikrotik-ops/internal/pool"
	"github.com/kevinpez/mikrotik-ops/internal/profile"
	"github.com/kevinpez/mikrotik-ops/internal/transport"
)

// scriptedTransport runs a caller-supplied function per command.
type scriptedTransport struct {
	kind profile.TransportKind
	run  func(ctx context.Context, cmd *command.Command) (*transport.Result, error)
}

func (s *scriptedTransport) Kind() profile.TransportKind { return s.kind }
func (s *scriptedTransport) Close() error                { return nil }

func (s *scriptedTransport) Run(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
	if s.run != nil {
		return s.run(ctx, cmd)
	}
	return &transport.Result{Transport: s.kind, OK: true, Raw: "ok"}, nil
}

// harness bundles a controller whose API and shell behaviours are scripted.
type harness struct {
	controller *Controller
	registry   *pool.Registry
	apiDials   atomic.Int64
	shellDials atomic.Int64
	apiRun     func(ctx context.Context, cmd *command.Command) (*transport.Result, error)
	shellRun   func(ctx context.Context, cmd *command.Command) (*transport.Result, error)
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{}
	dialer := func(ctx context.Context, p *profile.TargetProfile, kind profile.TransportKind) (transport.Transport, error) {
		if kind == profile.TransportAPI {
			h.apiDials.Add(1)
			return &scriptedTransport{kind: kind, run: func(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
				return h.apiRun(ctx, cmd)
			}}, nil
		}
		h.shellDials.Add(1)
		return &scriptedTransport{kind: kind, run: func(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
			return h.shellRun(ctx, cmd)
		}}, nil
	}
	h.registry = pool.NewRegistry(dialer, slog.Default(), pool.Config{})
	t.Cleanup(h.registry.Close)
	h.controller = NewController(h.registry, slog.Default(), cfg)

	// Defaults: both surfaces succeed.
	ok := func(kind profile.TransportKind) func(context.Context, *command.Command) (*transport.Result, error) {
		return func(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
			return &transport.Result{Transport: kind, OK: true, Raw: "ok"}, nil
		}
	}
	h.apiRun = ok(profile.TransportAPI)
	h.shellRun = ok(profile.TransportShell)
	return h
}

func mustCmd(t *testing.T, text string) *command.Command {
	t.Helper()
	cmd, err := command.Parse(text)
	require.NoError(t, err)
	return cmd
}

func testProfile() *profile.TargetProfile {
	return &profile.TargetProfile{
		Name:             "lab",
		Host:             "192.0.2.10",
		Username:         "admin",
		Password:         "secret",
		ConnectTimeoutMS: 1000,
		CommandTimeoutMS: 1000,
	}
}

func TestExecutePrefersAPI(t *testing.T) {
	h := newHarness(t, Config{})
	res, err := h.controller.Execute(context.Background(), testProfile(), mustCmd(t, "/interface print"))
	require.NoError(t, err)
	assert.Equal(t, profile.TransportAPI, res.Transport)
	assert.Equal(t, int64(0), h.shellDials.Load())
}

func TestDeviceLogicalErrorDoesNotFallBack(t *testing.T) {
	h := newHarness(t, Config{})
	h.apiRun = func(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
		return &transport.Result{
			Transport:   profile.TransportAPI,
			OK:          false,
			DeviceError: "no such item",
		}, nil
	}

	res, err := h.controller.Execute(context.Background(), testProfile(), mustCmd(t, "/ip address remove numbers=99"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, profile.TransportAPI, res.Transport)
	assert.Equal(t, int64(0), h.shellDials.Load(),
		"a device rejection is the command's answer, never retried on the shell")
}

func TestTimeoutRetriesOnceThenFallsBack(t *testing.T) {
	h := newHarness(t, Config{})
	h.apiRun = func(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
		return nil, transport.NewFailure(profile.TransportAPI, transport.FailureTimeout, context.DeadlineExceeded)
	}

	res, err := h.controller.Execute(context.Background(), testProfile(), mustCmd(t, "/interface print"))
	require.NoError(t, err)
	assert.Equal(t, profile.TransportShell, res.Transport)
	assert.Equal(t, int64(2), h.apiDials.Load(),
		"transient timeout earns exactly one fresh-session retry before fallback")
}

func TestConnectionFailureFallsBackImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	h.apiRun = func(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
		return nil, transport.NewFailure(profile.TransportAPI, transport.FailureConnection,
			fmt.Errorf("connection refused"))
	}

	res, err := h.controller.Execute(context.Background(), testProfile(), mustCmd(t, "/interface print"))
	require.NoError(t, err)
	assert.Equal(t, profile.TransportShell, res.Transport)
	assert.Equal(t, int64(1), h.apiDials.Load(), "connection failure skips the same-transport retry")
}

func TestAuthFailureSurfacesWithoutFallback(t *testing.T) {
	h := newHarness(t, Config{})
	h.apiRun = func(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
		return nil, transport.NewFailure(profile.TransportAPI, transport.FailureAuth,
			fmt.Errorf("invalid user name or password"))
	}

	_, err := h.controller.Execute(context.Background(), testProfile(), mustCmd(t, "/interface print"))
	require.Error(t, err)

	var f *transport.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, transport.FailureAuth, f.Class)
	assert.Equal(t, int64(0), h.shellDials.Load())
}

func TestAuthFailureDoesNotOpenCooldown(t *testing.T) {
	h := newHarness(t, Config{Cooldown: time.Minute})
	h.apiRun = func(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
		return nil, transport.NewFailure(profile.TransportAPI, transport.FailureAuth,
			fmt.Errorf("invalid user name or password"))
	}
	p := testProfile()

	_, err := h.controller.Execute(context.Background(), p, mustCmd(t, "/interface print"))
	require.Error(t, err)

	// The next command must try the API again and surface the same auth
	// error, not sneak onto the shell through an opened breaker.
	_, err = h.controller.Execute(context.Background(), p, mustCmd(t, "/interface print"))
	require.Error(t, err)
	var f *transport.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, transport.FailureAuth, f.Class)
	assert.Equal(t, int64(0), h.shellDials.Load())
}

func TestBothTransportsFailingReportsBothCauses(t *testing.T) {
	h := newHarness(t, Config{})
	h.apiRun = func(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
		return nil, transport.NewFailure(profile.TransportAPI, transport.FailureConnection,
			fmt.Errorf("api refused"))
	}
	h.shellRun = func(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
		return nil, transport.NewFailure(profile.TransportShell, transport.FailureConnection,
			fmt.Errorf("ssh refused"))
	}

	_, err := h.controller.Execute(context.Background(), testProfile(), mustCmd(t, "/interface print"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllTransportsFailed))
	assert.Contains(t, err.Error(), "api refused")
	assert.Contains(t, err.Error(), "ssh refused")
}

func TestCooldownSkipsAPIUntilExpiry(t *testing.T) {
	h := newHarness(t, Config{Cooldown: 80 * time.Millisecond})
	h.apiRun = func(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
		return nil, transport.NewFailure(profile.TransportAPI, transport.FailureConnection,
			fmt.Errorf("connection refused"))
	}
	p := testProfile()

	// First command opens the breaker and lands on the shell.
	res, err := h.controller.Execute(context.Background(), p, mustCmd(t, "/interface print"))
	require.NoError(t, err)
	assert.Equal(t, profile.TransportShell, res.Transport)
	dialsAfterFirst := h.apiDials.Load()

	// While the cooldown holds, the API is not even dialed.
	res, err = h.controller.Execute(context.Background(), p, mustCmd(t, "/ip route print"))
	require.NoError(t, err)
	assert.Equal(t, profile.TransportShell, res.Transport)
	assert.Equal(t, dialsAfterFirst, h.apiDials.Load(),
		"commands inside the cooldown window must go straight to shell")

	// After expiry the half-open trial probes the API again; let it succeed.
	h.apiRun = func(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
		return &transport.Result{Transport: profile.TransportAPI, OK: true}, nil
	}
	time.Sleep(100 * time.Millisecond)
	res, err = h.controller.Execute(context.Background(), p, mustCmd(t, "/interface print"))
	require.NoError(t, err)
	assert.Equal(t, profile.TransportAPI, res.Transport)
}

func TestPreferredShellSkipsAPI(t *testing.T) {
	h := newHarness(t, Config{})
	p := testProfile()
	p.PreferredTransport = profile.TransportShell

	res, err := h.controller.Execute(context.Background(), p, mustCmd(t, "/interface print"))
	require.NoError(t, err)
	assert.Equal(t, profile.TransportShell, res.Transport)
	assert.Equal(t, int64(0), h.apiDials.Load())
}
