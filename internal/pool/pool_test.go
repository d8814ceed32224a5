package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinpez/mikrotik-ops/internal/command"
	"github.com/kevinpez/mikrotik-ops/internal/profile"
	"github.com/kevinpez/mikrotik-ops/internal/transport"
)

type fakeTransport struct {
	kind   profile.TransportKind
	closed atomic.Bool
}

func (f *fakeTransport) Kind() profile.TransportKind { return f.kind }

func (f *fakeTransport) Run(ctx context.Context, cmd *command.Command) (*transport.Result, error) {
	return &transport.Result{Transport: f.kind, OK: true}, nil
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

func testProfile() *profile.TargetProfile {
	return &profile.TargetProfile{
		Name:             "lab",
		Host:             "192.0.2.1",
		Username:         "admin",
		Password:         "secret",
		ConnectTimeoutMS: 2000,
		CommandTimeoutMS: 2000,
	}
}

func testLogger() *slog.Logger {
	return slog.Default()
}

func countingDialer(dials *atomic.Int64) transport.Dialer {
	return func(ctx context.Context, p *profile.TargetProfile, kind profile.TransportKind) (transport.Transport, error) {
		dials.Add(1)
		return &fakeTransport{kind: kind}, nil
	}
}

func TestAcquireReusesSingleSession(t *testing.T) {
	var dials atomic.Int64
	r := NewRegistry(countingDialer(&dials), testLogger(), Config{})
	defer r.Close()

	p := testProfile()
	for i := 0; i < 5; i++ {
		s, err := r.Acquire(context.Background(), p, profile.TransportAPI)
		require.NoError(t, err)
		r.Release(s)
	}
	assert.Equal(t, int64(1), dials.Load(), "repeated acquire must reuse the session")
}

func TestConcurrentAcquireNeverDuplicatesSessions(t *testing.T) {
	var dials atomic.Int64
	dialer := func(ctx context.Context, p *profile.TargetProfile, kind profile.TransportKind) (transport.Transport, error) {
		dials.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		return &fakeTransport{kind: kind}, nil
	}
	r := NewRegistry(dialer, testLogger(), Config{})
	defer r.Close()

	p := testProfile()
	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Acquire(context.Background(), p, profile.TransportAPI)
			if err != nil {
				t.Error(err)
				return
			}
			r.Release(s)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), dials.Load(), "concurrent acquirers for one key must share one dial")
}

func TestAcquireSerializesSameKey(t *testing.T) {
	var dials atomic.Int64
	r := NewRegistry(countingDialer(&dials), testLogger(), Config{})
	defer r.Close()

	p := testProfile()
	const holdFor = 50 * time.Millisecond

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Acquire(context.Background(), p, profile.TransportAPI)
			if err != nil {
				t.Error(err)
				return
			}
			time.Sleep(holdFor) // simulate an in-flight command
			r.Release(s)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 2*holdFor,
		"second caller must block until the first releases the session")
}

func TestInvalidateForcesFreshDial(t *testing.T) {
	var dials atomic.Int64
	r := NewRegistry(countingDialer(&dials), testLogger(), Config{})
	defer r.Close()

	p := testProfile()
	s, err := r.Acquire(context.Background(), p, profile.TransportAPI)
	require.NoError(t, err)
	ft := s.Transport.(*fakeTransport)
	r.Invalidate(s)

	assert.True(t, ft.closed.Load(), "invalidated session must be closed")

	s2, err := r.Acquire(context.Background(), p, profile.TransportAPI)
	require.NoError(t, err)
	r.Release(s2)
	assert.Equal(t, int64(2), dials.Load(), "degraded session must never be reused")
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	var dials atomic.Int64
	dialer := func(ctx context.Context, p *profile.TargetProfile, kind profile.TransportKind) (transport.Transport, error) {
		dials.Add(1)
		return nil, transport.NewFailure(kind, transport.FailureAuth, fmt.Errorf("invalid user name or password"))
	}
	r := NewRegistry(dialer, testLogger(), Config{DialRetries: 3})
	defer r.Close()

	_, err := r.Acquire(context.Background(), testProfile(), profile.TransportAPI)
	require.Error(t, err)
	assert.Equal(t, int64(1), dials.Load(), "auth failures are fatal, not retried")
}

func TestTransientDialFailureIsRetried(t *testing.T) {
	var dials atomic.Int64
	dialer := func(ctx context.Context, p *profile.TargetProfile, kind profile.TransportKind) (transport.Transport, error) {
		if dials.Add(1) < 3 {
			return nil, fmt.Errorf("dial tcp: connection refused")
		}
		return &fakeTransport{kind: kind}, nil
	}
	r := NewRegistry(dialer, testLogger(), Config{DialRetries: 3, DialBackoff: time.Millisecond})
	defer r.Close()

	s, err := r.Acquire(context.Background(), testProfile(), profile.TransportAPI)
	require.NoError(t, err)
	r.Release(s)
	assert.Equal(t, int64(3), dials.Load())
}

func TestReleaseAfterCloseShutsSessionDown(t *testing.T) {
	var dials atomic.Int64
	r := NewRegistry(countingDialer(&dials), testLogger(), Config{})

	s, err := r.Acquire(context.Background(), testProfile(), profile.TransportAPI)
	require.NoError(t, err)
	ft := s.Transport.(*fakeTransport)

	// Close cannot touch the session while its holder has the slot.
	r.Close()
	require.False(t, ft.closed.Load())

	r.Release(s)
	assert.True(t, ft.closed.Load(),
		"a session released after shutdown has no registry to return to")
}

func TestIdleSessionIsReaped(t *testing.T) {
	var dials atomic.Int64
	r := NewRegistry(countingDialer(&dials), testLogger(), Config{IdleTimeout: 30 * time.Millisecond})
	defer r.Close()

	p := testProfile()
	s, err := r.Acquire(context.Background(), p, profile.TransportAPI)
	require.NoError(t, err)
	ft := s.Transport.(*fakeTransport)
	r.Release(s)

	require.Eventually(t, func() bool { return ft.closed.Load() },
		3*time.Second, 10*time.Millisecond, "idle session should be closed by the reaper")

	s2, err := r.Acquire(context.Background(), p, profile.TransportAPI)
	require.NoError(t, err)
	r.Release(s2)
	assert.Equal(t, int64(2), dials.Load())
}

func TestSeparateKeysDoNotContend(t *testing.T) {
	block := make(chan struct{})
	dialer := func(ctx context.Context, p *profile.TargetProfile, kind profile.TransportKind) (transport.Transport, error) {
		if kind == profile.TransportAPI {
			<-block
		}
		return &fakeTransport{kind: kind}, nil
	}
	r := NewRegistry(dialer, testLogger(), Config{})
	defer r.Close()
	defer close(block)

	p := testProfile()
	go func() {
		// Holds the API key's slot inside the dial.
		s, err := r.Acquire(context.Background(), p, profile.TransportAPI)
		if err == nil {
			r.Release(s)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := r.Acquire(ctx, p, profile.TransportShell)
	require.NoError(t, err, "a different transport key must not block on the API dial")
	r.Release(s)
}
