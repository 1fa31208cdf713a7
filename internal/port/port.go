// Package port finds a free loopback TCP port in the reserved range and
// waits for a server to accept connections on it.
package port

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/loykin/pgdesk/internal/fault"
)

const (
	Loopback = "127.0.0.1"

	DefaultRangeStart = 54329
	DefaultRangeEnd   = 54399
	DefaultPreferred  = DefaultRangeStart

	dialTimeout = 500 * time.Millisecond
)

func addr(host string, port int) string {
	if host == "" {
		host = Loopback
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// IsFree binds a loopback listener on port and releases it immediately.
func IsFree(port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	ln, err := net.Listen("tcp", addr(Loopback, port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindFreePort tries preferred first, then scans [start, end] in ascending order.
func FindFreePort(preferred, start, end int) (int, error) {
	if preferred > 0 && IsFree(preferred) {
		return preferred, nil
	}
	for p := start; p <= end; p++ {
		if p == preferred {
			continue
		}
		if IsFree(p) {
			return p, nil
		}
	}
	return 0, fault.Newf(fault.NoFreePort, "port.find_free",
		"no free port in range %d-%d (preferred %d)", start, end, preferred)
}

// IsListening reports whether a TCP connection to host:port succeeds.
func IsListening(port int, host string) bool {
	c, err := net.DialTimeout("tcp", addr(host, port), dialTimeout)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// WaitUntilListening polls IsListening every interval until timeout elapses
// or ctx is done. A timeout is reported as false, not as an error.
func WaitUntilListening(ctx context.Context, port int, timeout, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if IsListening(port, Loopback) {
		return true
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if IsListening(port, Loopback) {
				return true
			}
		}
	}
}

// WaitUntilClosed is the inverse of WaitUntilListening.
func WaitUntilClosed(ctx context.Context, port int, timeout, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !IsListening(port, Loopback) {
		return true
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !IsListening(port, Loopback) {
				return true
			}
		}
	}
}
