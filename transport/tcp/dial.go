package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// dial connects to peer ("host:port"), racing every address the host resolves to.
func dial(ctx context.Context, peer string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(peer)
	if err != nil {
		return nil, err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", peer, err)
	}

	var addrs []netip.Addr

	if ip, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{ip}
	} else {
		addrs, err = net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("failed to lookup %s: %w", host, err)
		}

		if len(addrs) == 0 {
			return nil, fmt.Errorf("DNS for %s returned no IP addresses", host)
		}
	}

	type dialResult struct {
		c net.Conn
		e error
	}

	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()

	results := make(chan dialResult)

	returned := make(chan struct{})
	defer close(returned)

	for _, addr := range addrs {
		ap := netip.AddrPortFrom(addr, uint16(port))
		go func() {
			conn, err := dialOne(dialCtx, ap)

			select {
			case results <- dialResult{c: conn, e: err}:
			case <-returned:
				if conn != nil {
					if err := conn.Close(); err != nil {
						slog.Error("failed to close tcp connection while multi-dialing", "err", err)
					}
				}
			}
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var errs []error

	for {
		select {
		case <-timer.C:
			return nil, fmt.Errorf("dial timeout: %w", errors.Join(errs...))
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-results:
			if res.e == nil {
				return res.c, nil
			}

			errs = append(errs, res.e)
			if len(errs) >= len(addrs) {
				return nil, fmt.Errorf("dial failure: %w", errors.Join(errs...))
			}
		}
	}
}

func dialOne(ctx context.Context, ap netip.AddrPort) (net.Conn, error) {
	var d net.Dialer
	d.KeepAlive = 10 * time.Second

	return d.DialContext(ctx, "tcp", ap.String())
}
