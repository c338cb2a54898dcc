// Package probe implements readiness probes for stack services.
//
// A probe answers one question: is this service actually able to serve,
// as opposed to merely having a started container. What "ready" means is
// a required configuration input per service (tcp accept, postgres ping,
// redis ping); the package never guesses.
package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/stackd/stackd/pkg/config"
)

// Prober checks a single readiness condition once.
type Prober interface {
	// Check performs one probe attempt. A nil return means ready; errors
	// are treated as "not yet ready" until the attempt budget runs out.
	Check(ctx context.Context) error

	// Describe names the probe target for logs and errors.
	Describe() string
}

// Registry resolves probe configurations into probers and polls them.
// It implements the engine's ReadinessProber boundary.
type Registry struct {
	// observer is notified after every attempt; used to feed metrics.
	observer AttemptObserver
}

// AttemptObserver receives the outcome of every probe attempt.
type AttemptObserver interface {
	ProbeAttempt(service string, probeType config.ProbeType, ready bool, elapsed time.Duration)
}

// NewRegistry creates a probe registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// SetObserver registers an attempt observer.
func (r *Registry) SetObserver(o AttemptObserver) {
	r.observer = o
}

// Await polls the service's configured probe until it reports ready, the
// attempt budget is exhausted, or the context is cancelled.
func (r *Registry) Await(ctx context.Context, svc config.Service, host string) error {
	if svc.Readiness == nil || svc.Readiness.Type == config.ProbeNone {
		return nil
	}

	prober, err := r.ProberFor(svc, host)
	if err != nil {
		return err
	}

	cfg := *svc.Readiness
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		start := time.Now()
		lastErr = prober.Check(attemptCtx)
		cancel()

		if r.observer != nil {
			r.observer.ProbeAttempt(svc.Name, cfg.Type, lastErr == nil, time.Since(start))
		}

		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt < cfg.MaxAttempts {
			select {
			case <-time.After(cfg.Interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("%s not ready after %d attempts: %w",
		prober.Describe(), cfg.MaxAttempts, lastErr)
}

// ProberFor builds the prober for a service's readiness configuration.
func (r *Registry) ProberFor(svc config.Service, host string) (Prober, error) {
	cfg := svc.Readiness
	addr := net.JoinHostPort(host, strconv.Itoa(hostPortFor(svc, cfg.Port)))

	switch cfg.Type {
	case config.ProbeTCP:
		return NewTCPProber(addr), nil
	case config.ProbePostgres:
		return NewPostgresProber(addr, cfg.User, cfg.Password, cfg.Database), nil
	case config.ProbeRedis:
		return NewRedisProber(addr, cfg.Password), nil
	default:
		return nil, fmt.Errorf("unknown probe type %q for service %s", cfg.Type, svc.Name)
	}
}

// hostPortFor maps the probe's container port to the published host port.
func hostPortFor(svc config.Service, containerPort int) int {
	for _, p := range svc.Ports {
		if p.Container == containerPort {
			return p.Host
		}
	}
	return containerPort
}

// TCPProber considers the target ready once a TCP connection succeeds.
type TCPProber struct {
	addr   string
	dialer net.Dialer
}

// NewTCPProber creates a TCP accept probe for addr ("host:port").
func NewTCPProber(addr string) *TCPProber {
	return &TCPProber{addr: addr}
}

// Check dials the target once.
func (p *TCPProber) Check(ctx context.Context) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("tcp dial %s: %w", p.addr, err)
	}
	return conn.Close()
}

// Describe names the probe target.
func (p *TCPProber) Describe() string {
	return "tcp " + p.addr
}
