package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// stopStep is one component torn down during shutdown.
type stopStep struct {
	name string
	fn   func(context.Context) error
}

// drain waits out the readiness drain period so load balancers stop routing
// here. A second signal cuts it short.
func drain(L log.Logger, d time.Duration) {
	ctx := context.Background()
	L.Info(ctx, "draining", "drain_seconds", d.Seconds())

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	select {
	case <-time.After(d):
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// shutdown runs steps in order, giving each an equal slice of budget. Steps
// with a nil fn are skipped. Failures are logged and do not stop later steps.
func shutdown(L log.Logger, budget time.Duration, steps []stopStep) {
	var live []stopStep
	for _, s := range steps {
		if s.fn != nil {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	slice := budget / time.Duration(len(live))

	for _, s := range live {
		sctx, scancel := context.WithTimeout(ctx, slice)
		if err := s.fn(sctx); err != nil {
			L.Error(context.Background(), err, "shutdown step failed", "step", s.name)
		}
		scancel()
	}
}

// notifySystemd reports readiness when running as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, unixgram has no context dial
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
