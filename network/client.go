package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// Dial connects to a receiver at address and completes the TLS handshake
// when settings.TLS is set. Connection failures wrap ErrConnectionLost;
// handshake and peer verification failures wrap ErrHandshakeFailed.
func Dial(ctx context.Context, address string, settings Settings) (net.Conn, error) {
	opts := settings.withDefaults()

	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, connectionLost(fmt.Errorf("dial %q: %w", address, err))
	}
	if opts.TLS == nil {
		return conn, nil
	}

	tlsConn := tls.Client(conn, opts.TLS)
	if err := handshake(ctx, tlsConn, opts.Timeout); err != nil {
		_ = conn.Close()
		return nil, &TransferError{Kind: ErrHandshakeFailed, Path: address, Err: err}
	}
	return tlsConn, nil
}
