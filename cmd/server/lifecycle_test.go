package main

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestShutdown_RunsStepsInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	step := func(name string, err error) stopStep {
		return stopStep{name: name, fn: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("%s: context has no deadline", name)
			}
			order = append(order, name)
			return err
		}}
	}

	shutdown(nopLogger(), time.Second, []stopStep{
		step("api", nil),
		{name: "otel"}, // nil fn is skipped
		step("consumers", errors.New("stuck")),
		step("ops", nil),
	})

	want := []string{"api", "consumers", "ops"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestShutdown_SlicesBudget(t *testing.T) {
	t.Parallel()

	var got time.Duration
	shutdown(nopLogger(), 2*time.Second, []stopStep{
		{name: "a", fn: func(ctx context.Context) error {
			dl, _ := ctx.Deadline()
			got = time.Until(dl)
			return nil
		}},
		{name: "b", fn: func(context.Context) error { return nil }},
	})
	if got > time.Second || got < 900*time.Millisecond {
		t.Errorf("per-step budget = %v, want about 1s", got)
	}
}

func TestShutdown_NoSteps(t *testing.T) {
	t.Parallel()
	shutdown(nopLogger(), time.Second, []stopStep{{name: "nil"}})
}

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil || !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %v, want dial failure", err)
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)
	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 64)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("payload = %q, want READY=1", got)
	}
}
