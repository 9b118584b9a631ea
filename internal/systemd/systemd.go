// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package systemd lets a service signal readiness and keep the watchdog
// timestamp fresh using the sd_notify protocol.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// State defines a sd-notify protocol state.
// See https://www.freedesktop.org/software/systemd/man/sd_notify.html.
type State string

const (
	// Ready tells the service manager that service startup is finished.
	Ready State = "READY=1"
	// Stopping tells the service manager that the service is shutting down.
	Stopping State = "STOPPING=1"
	// Watchdog tells the service manager to update the watchdog timestamp.
	Watchdog State = "WATCHDOG=1"
)

// Notifier talks to the service manager. The zero value and a nil Notifier do
// nothing, which is what you get when not running under systemd.
type Notifier struct {
	socket   string
	interval time.Duration
	logger   *slog.Logger
}

// FromEnv returns a Notifier configured from the NOTIFY_SOCKET and
// WATCHDOG_USEC environment variables, or nil if NOTIFY_SOCKET is unset.
func FromEnv(getenv func(string) string, logger *slog.Logger) *Notifier {
	socket := getenv("NOTIFY_SOCKET")
	if socket == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{socket: socket, logger: logger}
	if usec := getenv("WATCHDOG_USEC"); usec != "" {
		interval, err := watchdogInterval(usec)
		if err != nil {
			logger.Warn("watchdog disabled", "err", err)
		} else {
			n.interval = interval
		}
	}
	return n
}

// Notify sends state to the service manager. Errors are logged.
func (n *Notifier) Notify(state State) {
	if n == nil || n.socket == "" {
		return
	}
	addr := &net.UnixAddr{Net: "unixgram", Name: n.socket}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		n.logger.Error("systemd: notifying failed", "state", string(state), "err", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		n.logger.Error("systemd: notifying failed", "state", string(state), "err", err)
	}
}

// WatchdogLoop updates the watchdog timestamp until ctx is canceled. It
// returns immediately if the watchdog isn't enabled.
func (n *Notifier) WatchdogLoop(ctx context.Context) {
	if n == nil || n.interval == 0 {
		return
	}
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.Notify(Watchdog)
		case <-ctx.Done():
			return
		}
	}
}

// watchdogInterval returns half of WATCHDOG_USEC.
func watchdogInterval(usec string) (time.Duration, error) {
	s, err := strconv.Atoi(usec)
	if err != nil {
		return 0, fmt.Errorf("systemd: parsing WATCHDOG_USEC: %w", err)
	}
	if s <= 0 {
		return 0, errors.New("systemd: WATCHDOG_USEC must be a positive number")
	}
	return time.Duration(s) * time.Microsecond / 2, nil
}
