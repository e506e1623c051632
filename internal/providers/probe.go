package providers

import (
	"context"
	"net"
)

// dialProbe is the shared reachability check network-backed adapters use
// to gate admission into the fallback chain (spec.md §4.9).
func dialProbe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
