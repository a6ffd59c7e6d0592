// Package lifecycle implements the Lifecycle Guard: scoped acquisition of a
// sandbox session whose release runs exactly once on every exit path.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
	"github.com/shinji-kodama/sandboxpipe/internal/sandbox"
)

// DefaultReleaseTimeout bounds a single teardown attempt.
const DefaultReleaseTimeout = 60 * time.Second

// Guard owns one session. The zero Guard holds no session and releases
// nothing.
type Guard struct {
	// Timeout bounds Release. Zero means DefaultReleaseTimeout.
	Timeout time.Duration

	session sandbox.Session
	logger  *slog.Logger

	once sync.Once
	err  error
}

// Acquire requests a session from provider. The returned Guard is never nil,
// so callers may defer Release before checking the error.
func Acquire(ctx context.Context, provider sandbox.Provider, cfg model.SessionConfig, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g := &Guard{logger: logger}

	logger.Info("creating sandbox", "sandbox", cfg.Name, "image", cfg.Image)
	sess, err := provider.Create(ctx, cfg)
	if err != nil {
		return g, fmt.Errorf("acquire sandbox %s: %w", cfg.Name, err)
	}
	g.session = sess
	logger.Info("sandbox created", "sandbox", sess.Name())
	return g, nil
}

// Session returns the guarded session, or nil if acquisition failed.
func (g *Guard) Session() sandbox.Session {
	return g.session
}

// Release destroys the session. Only the first call does any work; later
// calls return the first call's result. Teardown runs on a context that
// ignores ctx's cancellation so an interrupt cannot abort it.
func (g *Guard) Release(ctx context.Context) error {
	g.once.Do(func() {
		if g.session == nil {
			return
		}
		timeout := g.Timeout
		if timeout <= 0 {
			timeout = DefaultReleaseTimeout
		}
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		logger := g.logger
		if logger == nil {
			logger = slog.New(slog.DiscardHandler)
		}
		name := g.session.Name()
		logger.Info("destroying sandbox", "sandbox", name)
		if err := g.session.Delete(releaseCtx); err != nil {
			g.err = fmt.Errorf("destroy sandbox %s: %w", name, err)
			return
		}
		logger.Info("sandbox destroyed", "sandbox", name)
	})
	return g.err
}

// Scope acquires a session, runs fn with it, and releases the session once
// whether fn returns, fails or panics. A release failure is logged; it is
// returned only when fn itself succeeded and ctx was not cancelled, never
// over an in-flight error or interrupt.
func Scope(ctx context.Context, provider sandbox.Provider, cfg model.SessionConfig, logger *slog.Logger,
	fn func(ctx context.Context, sess sandbox.Session) error) (err error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	guard, err := Acquire(ctx, provider, cfg, logger)
	defer func() {
		if relErr := guard.Release(ctx); relErr != nil {
			logger.Error("sandbox teardown failed", "sandbox", cfg.Name, "error", relErr)
			if err == nil && ctx.Err() == nil {
				err = relErr
			}
		}
	}()
	if err != nil {
		return err
	}

	return fn(ctx, guard.Session())
}
