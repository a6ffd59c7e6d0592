package port

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
)

const (
	// DefaultProbeInterval is the delay between two readiness attempts.
	DefaultProbeInterval = 500 * time.Millisecond

	// DefaultProbeTimeout bounds the whole readiness wait.
	DefaultProbeTimeout = 60 * time.Second
)

// ProbeMode selects how readiness is checked.
type ProbeMode string

const (
	// ProbeHTTP waits for any HTTP response. docker-proxy accepts TCP
	// connections on published ports even when nothing listens inside the
	// container, so a bare dial is not enough for published ports.
	ProbeHTTP ProbeMode = "http"

	// ProbeTCP waits for a successful TCP dial.
	ProbeTCP ProbeMode = "tcp"
)

// Probe polls an address until the service behind it answers.
type Probe struct {
	Interval time.Duration
	Timeout  time.Duration
	Mode     ProbeMode

	client *http.Client
}

// NewProbe returns an HTTP probe with the default interval and timeout.
func NewProbe() *Probe {
	return &Probe{
		Interval: DefaultProbeInterval,
		Timeout:  DefaultProbeTimeout,
		Mode:     ProbeHTTP,
	}
}

// WaitReady blocks until address ("host:port") answers, the probe timeout
// elapses (model.ErrTimeout), or ctx is cancelled (ctx.Err()).
func (p *Probe) WaitReady(ctx context.Context, address string) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = p.attempt(probeCtx, address, interval); lastErr == nil {
			return nil
		}

		select {
		case <-probeCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s not ready after %s: %v", model.ErrTimeout, address, timeout, lastErr)
		case <-ticker.C:
		}
	}
}

func (p *Probe) attempt(ctx context.Context, address string, limit time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	if p.Mode == ProbeTCP {
		var d net.Dialer
		conn, err := d.DialContext(attemptCtx, "tcp", address)
		if err != nil {
			return err
		}
		return conn.Close()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, "http://"+address+"/", nil)
	if err != nil {
		return err
	}
	client := p.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	// Any status counts: the service is up and speaking HTTP.
	return resp.Body.Close()
}
