package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/rules"
)

// probeKind selects the check a loop performs.
type probeKind string

const (
	kindHTTP probeKind = "http"
	kindTCP  probeKind = "tcp"
	kindGRPC probeKind = "grpc"
)

// Probe path prefixes that override the protocol-derived probe kind.
const (
	grpcPathPrefix = "grpc://"
	tcpPathPrefix  = "tcp://"
)

// outcome is the result of one probe execution.
type outcome struct {
	ok      bool
	timeout bool
	reason  string
}

// probeKindFor derives the probe kind and its argument from a rule's
// protocol and probe path. A grpc:// prefix selects the gRPC health
// protocol with the remainder as service name; tcp:// forces a plain
// dial; stream rules with a bare path dial too.
func probeKindFor(protocol rules.Protocol, path string) (probeKind, string) {
	switch {
	case strings.HasPrefix(path, grpcPathPrefix):
		return kindGRPC, strings.TrimPrefix(path, grpcPathPrefix)
	case strings.HasPrefix(path, tcpPathPrefix):
		return kindTCP, ""
	case protocol.IsStream():
		return kindTCP, ""
	default:
		return kindHTTP, path
	}
}

// newProbeClient builds the shared HTTP client for probe requests.
// Backend certificates are typically self-signed, so verification is
// off; the probe asserts reachability and status, not identity.
func newProbeClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // internal health checks
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// probeHTTP issues a GET against the target and classifies the status
// code against the accepted ranges.
func (s *Scheduler) probeHTTP(ctx context.Context, addr string, spec probeSpec) outcome {
	url := spec.scheme + "://" + addr + spec.path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return outcome{reason: "build request: " + err.Error()}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return failureOutcome(ctx, err)
	}
	defer resp.Body.Close()

	if !spec.accept.Contains(resp.StatusCode) {
		return outcome{reason: "status " + resp.Status + " outside " + spec.accept.String()}
	}
	return outcome{ok: true}
}

// probeTCP dials the target; a completed handshake is a success.
func probeTCP(ctx context.Context, addr string) outcome {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return failureOutcome(ctx, err)
	}
	conn.Close()
	return outcome{ok: true}
}

// probeGRPC calls the standard gRPC health service on the target.
func (s *Scheduler) probeGRPC(ctx context.Context, addr, service string) outcome {
	conn, err := s.grpcConns.get(addr)
	if err != nil {
		return outcome{reason: "grpc connect: " + err.Error()}
	}

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		// Drop the connection so the next probe redials instead of
		// reusing a wedged channel.
		s.grpcConns.drop(addr)
		return failureOutcome(ctx, err)
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return outcome{reason: "grpc status " + resp.GetStatus().String()}
	}
	return outcome{ok: true}
}

// failureOutcome classifies a transport error, marking deadline
// overruns so metrics can distinguish timeouts from refusals.
func failureOutcome(ctx context.Context, err error) outcome {
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	return outcome{timeout: timedOut, reason: err.Error()}
}

// grpcConnPool reuses client connections per target address.
type grpcConnPool struct {
	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	logger observability.Logger
}

func newGRPCConnPool(logger observability.Logger) *grpcConnPool {
	return &grpcConnPool{
		conns:  make(map[string]*grpc.ClientConn),
		logger: logger,
	}
}

// get returns a pooled connection for addr, replacing shut-down or
// failed ones.
func (p *grpcConnPool) get(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		p.closeLocked(addr, conn)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	return conn, nil
}

// drop closes and removes the connection for addr.
func (p *grpcConnPool) drop(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		p.closeLocked(addr, conn)
	}
}

// closeAll closes every pooled connection.
func (p *grpcConnPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		p.closeLocked(addr, conn)
	}
}

func (p *grpcConnPool) closeLocked(addr string, conn *grpc.ClientConn) {
	if err := conn.Close(); err != nil {
		p.logger.Warn("failed to close gRPC connection",
			observability.String("addr", addr),
			observability.Error(err),
		)
	}
	delete(p.conns, addr)
}
