// Package supervisor implements the Runtime Supervisor (§4.8): it brings up
// the enclave interior in a fixed order, emits a single banner line before
// redirecting further output off the console (C4), and drains in-flight
// requests on SIGTERM within a bounded deadline, in the idiom of the
// teacher's cmd/server/main.go signal-handling loop.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tee-rex/tee-rex/internal/bridge"
)

const (
	readinessPollInterval = 10 * time.Millisecond
	readinessTimeout      = 10 * time.Second
	defaultDrainDeadline  = 30 * time.Second
)

// Config wires the two listening surfaces the Supervisor orders startup of.
type Config struct {
	// InnerAddr is the loopback address the enclave-resident HTTP server
	// (apiserver, backed by the Key Vault and Prove Service) listens on.
	InnerAddr string
	// Handler answers the enclave-resident HTTP server.
	Handler http.Handler

	// OuterAddr is the host-facing address the Enclave Bridge listens on.
	OuterAddr string

	// DrainDeadline bounds how long SIGTERM waits for in-flight requests
	// before forcing shutdown. Defaults to 30s.
	DrainDeadline time.Duration

	// Banner is written once to Console before output redirection.
	// Console defaults to os.Stdout.
	Banner  string
	Console io.Writer
}

func (c Config) drainDeadline() time.Duration {
	if c.DrainDeadline > 0 {
		return c.DrainDeadline
	}
	return defaultDrainDeadline
}

func (c Config) console() io.Writer {
	if c.Console != nil {
		return c.Console
	}
	return os.Stdout
}

// Run executes the fixed startup order of §4.8 and blocks until ctx is
// canceled or a SIGTERM/SIGINT arrives, then drains and exits. Output of the
// standard log package is redirected to the provided devNull writer
// (os.DevNull in production, something observable in tests) immediately
// after the banner line; os.Stdout and os.Stderr are left as they are.
func Run(ctx context.Context, cfg Config, devNull io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Step 1: assign loopback address (the listener below binds it).
	innerListener, err := net.Listen("tcp", cfg.InnerAddr)
	if err != nil {
		return fmt.Errorf("supervisor: binding inner address: %w", err)
	}

	innerServer := &http.Server{Handler: cfg.Handler}

	group, groupCtx := errgroup.WithContext(ctx)

	// Step 2: start the prove service (the enclave-resident HTTP server)
	// and wait for readiness before proceeding.
	group.Go(func() error {
		if err := innerServer.Serve(innerListener); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("supervisor: inner server: %w", err)
		}
		return nil
	})

	if err := waitForReadiness(innerListener.Addr().String()); err != nil {
		return fmt.Errorf("supervisor: prove service did not become ready: %w", err)
	}

	// Step 3: start the bridge, forwarding host traffic to the now-ready
	// inner listener.
	b := bridge.New(bridge.Config{ListenAddr: cfg.OuterAddr, ChannelAddr: innerListener.Addr().String()})
	group.Go(func() error {
		if err := b.Serve(); err != nil {
			return fmt.Errorf("supervisor: bridge: %w", err)
		}
		return nil
	})

	bridgeAddr, err := waitForBridgeAddr(b)
	if err != nil {
		return fmt.Errorf("supervisor: bridge did not become ready: %w", err)
	}

	// Step 4: emit a single startup banner line, then redirect.
	banner := cfg.Banner
	if banner == "" {
		banner = fmt.Sprintf("tee-rex enclave ready: bridge=%s prove=%s", bridgeAddr, innerListener.Addr())
	}
	fmt.Fprintln(cfg.console(), banner)

	// Step 5: redirect subsequent output away from the console (C4).
	log.SetOutput(devNull)

	<-groupCtx.Done()
	return shutdown(innerServer, b, cfg.drainDeadline())
}

// waitForReadiness polls addr until something accepts a TCP connection,
// signaling the inner HTTP server's listener is live.
func waitForReadiness(addr string) error {
	deadline := time.Now().Add(readinessTimeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, readinessPollInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(readinessPollInterval)
	}
	return fmt.Errorf("timed out waiting for %s", addr)
}

// waitForBridgeAddr polls b.Addr() until Serve has bound its listener.
func waitForBridgeAddr(b *bridge.Bridge) (net.Addr, error) {
	deadline := time.Now().Add(readinessTimeout)
	for time.Now().Before(deadline) {
		if addr := b.Addr(); addr != nil {
			return addr, nil
		}
		time.Sleep(readinessPollInterval)
	}
	return nil, fmt.Errorf("bridge listener never appeared")
}

// shutdown stops accepting new requests and lets in-flight work drain up to
// deadline before forcing close, matching the teacher's graceful-shutdown
// shape in cmd/server/main.go.
func shutdown(innerServer *http.Server, b *bridge.Bridge, deadline time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	var firstErr error
	if err := b.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing bridge: %w", err)
	}
	if err := innerServer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shutting down prove service: %w", err)
	}
	return firstErr
}
