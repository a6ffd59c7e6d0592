package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
	"github.com/shinji-kodama/sandboxpipe/internal/sandbox"
	"github.com/shinji-kodama/sandboxpipe/internal/sandboxtest"
)

var testCfg = model.SessionConfig{Name: "guarded", Image: "alpine"}

func TestScope_ReleasesOnceOnSuccess(t *testing.T) {
	sess := sandboxtest.NewSession("guarded")
	provider := sandboxtest.NewProvider(sess)

	var seen sandbox.Session
	err := Scope(context.Background(), provider, testCfg, nil, func(_ context.Context, s sandbox.Session) error {
		seen = s
		assert.True(t, s.Alive())
		return nil
	})

	require.NoError(t, err)
	assert.Same(t, sess, seen)
	assert.Equal(t, 1, provider.CreateCalls())
	assert.Equal(t, 1, sess.DeleteCalls())
	assert.False(t, sess.Alive())
}

func TestScope_ReleasesOnceOnError(t *testing.T) {
	sess := sandboxtest.NewSession("guarded")
	boom := errors.New("step 2 failed")

	err := Scope(context.Background(), sandboxtest.NewProvider(sess), testCfg, nil, func(context.Context, sandbox.Session) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, sess.DeleteCalls())
}

func TestScope_ReleasesOnceOnPanic(t *testing.T) {
	sess := sandboxtest.NewSession("guarded")

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = Scope(context.Background(), sandboxtest.NewProvider(sess), testCfg, nil, func(context.Context, sandbox.Session) error {
			panic("kaboom")
		})
	})
	assert.Equal(t, 1, sess.DeleteCalls())
}

func TestScope_ReleasesAfterCancellation(t *testing.T) {
	sess := sandboxtest.NewSession("guarded")
	ctx, cancel := context.WithCancel(context.Background())

	err := Scope(ctx, sandboxtest.NewProvider(sess), testCfg, nil, func(ctx context.Context, _ sandbox.Session) error {
		cancel()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sess.DeleteCalls())
	assert.False(t, sess.Alive())
}

func TestScope_AcquireFailure(t *testing.T) {
	provider := sandboxtest.NewProvider(sandboxtest.NewSession("guarded"))
	provider.CreateErr = errors.New("quota exceeded")
	called := false

	err := Scope(context.Background(), provider, testCfg, nil, func(context.Context, sandbox.Session) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.False(t, called)
	assert.Equal(t, 0, provider.Session.DeleteCalls())
}

func TestScope_TeardownErrorDoesNotMaskFailure(t *testing.T) {
	sess := sandboxtest.NewSession("guarded")
	sess.DeleteErr = errors.New("daemon gone")
	boom := errors.New("artifact missing")

	err := Scope(context.Background(), sandboxtest.NewProvider(sess), testCfg, nil, func(context.Context, sandbox.Session) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NotContains(t, err.Error(), "daemon gone")
	assert.Equal(t, 1, sess.DeleteCalls())
}

func TestScope_TeardownErrorReportedAfterSuccess(t *testing.T) {
	sess := sandboxtest.NewSession("guarded")
	sess.DeleteErr = errors.New("daemon gone")

	err := Scope(context.Background(), sandboxtest.NewProvider(sess), testCfg, nil, func(context.Context, sandbox.Session) error {
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon gone")
}

func TestScope_TeardownErrorNotReturnedOverInterrupt(t *testing.T) {
	sess := sandboxtest.NewSession("guarded")
	sess.DeleteErr = errors.New("daemon gone")
	ctx, cancel := context.WithCancel(context.Background())

	err := Scope(ctx, sandboxtest.NewProvider(sess), testCfg, nil, func(context.Context, sandbox.Session) error {
		cancel()
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, sess.DeleteCalls())
}

func TestGuard_ReleaseIdempotent(t *testing.T) {
	sess := sandboxtest.NewSession("guarded")
	sess.DeleteErr = errors.New("first failure")

	guard, err := Acquire(context.Background(), sandboxtest.NewProvider(sess), testCfg, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = guard.Release(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, sess.DeleteCalls())
	for _, e := range errs {
		assert.EqualError(t, e, "destroy sandbox guarded: first failure")
	}
}

func TestGuard_ReleaseWithoutSession(t *testing.T) {
	var g Guard
	assert.NoError(t, g.Release(context.Background()))
	assert.Nil(t, g.Session())

	provider := sandboxtest.NewProvider(nil)
	provider.CreateErr = errors.New("no capacity")
	guard, err := Acquire(context.Background(), provider, testCfg, nil)
	require.Error(t, err)
	require.NotNil(t, guard)
	assert.NoError(t, guard.Release(context.Background()))
}

// slowDeleteSession observes the context its Delete receives.
type slowDeleteSession struct {
	*sandboxtest.Session
	deleteCtxErr error
	deadline     bool
}

func (s *slowDeleteSession) Delete(ctx context.Context) error {
	s.deleteCtxErr = ctx.Err()
	_, s.deadline = ctx.Deadline()
	return s.Session.Delete(ctx)
}

func TestGuard_ReleaseIgnoresCallerCancellation(t *testing.T) {
	sess := &slowDeleteSession{Session: sandboxtest.NewSession("guarded")}
	guard := &Guard{session: sess, Timeout: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, guard.Release(ctx))
	assert.NoError(t, sess.deleteCtxErr, "teardown context must not inherit cancellation")
	assert.True(t, sess.deadline, "teardown context must carry its own timeout")
}
