package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/geoedge/internal/health"
	"github.com/keithlinneman/geoedge/internal/log"
	"github.com/keithlinneman/geoedge/internal/xerrors"
)

// shutdownTimeout bounds listener shutdown after the drain delay.
const shutdownTimeout = 10 * time.Second

// drain fails readiness and waits for the load balancer to notice before
// listeners stop. A second signal cuts the wait short.
func drain(L log.Logger, gate *health.ShutdownGate, delay time.Duration) {
	ctx := context.Background()
	gate.Set("draining")
	L.Info(ctx, "draining", "drain_delay", delay.String())

	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(again)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		L.Info(ctx, "drain complete")
	case sig := <-again:
		L.Warn(ctx, "drain cut short", "signal", sig.String())
	}
}

// notifySystemd sends state to the socket systemd passes to Type=notify
// units.
func notifySystemd(state string) error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		return xerrors.Wrap(err, "dial notify socket")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		return xerrors.Wrap(err, "write notify socket")
	}
	return nil
}
