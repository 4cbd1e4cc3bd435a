package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// ServerOptions configures a transfer listener.
type ServerOptions struct {
	// Settings returns the snapshot used for each accepted connection.
	Settings func() Settings
	// Observer receives lifecycle events of inbound sessions.
	Observer Observer
	// OnSession is called with every inbound session once it is running.
	OnSession func(*Session)
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Settings == nil {
		out.Settings = func() Settings { return Settings{} }
	}
	return out
}

// Server accepts inbound connections and runs a receiver session on each.
type Server struct {
	listener net.Listener
	options  ServerOptions

	ctx    context.Context
	cancel context.CancelFunc

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds bindAddress:port and starts the accept loop. A bind failure is
// returned as *ListenError.
func Listen(bindAddress string, port int, options ServerOptions) (*Server, error) {
	address := net.JoinHostPort(bindAddress, strconv.Itoa(port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, &ListenError{Port: port, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		options:  options.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous accept and handshake errors. Sessions report
// their own failures through events.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, cancels inbound sessions, and closes Errors.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	settings := s.options.Settings().withDefaults()
	if settings.TLS != nil {
		tlsConn, err := serverHandshake(s.ctx, conn, settings)
		if err != nil {
			_ = conn.Close()
			s.reportError(err)
			return
		}
		conn = tlsConn
	}

	session := Receive(s.ctx, conn, settings, s.options.Observer)
	if s.options.OnSession != nil {
		s.options.OnSession(session)
	}
}

func serverHandshake(ctx context.Context, conn net.Conn, settings Settings) (net.Conn, error) {
	tlsConn := tls.Server(conn, settings.TLS)
	if err := handshake(ctx, tlsConn, settings.Timeout); err != nil {
		return nil, fmt.Errorf("%w with %s: %v", ErrHandshakeFailed, conn.RemoteAddr(), err)
	}
	return tlsConn, nil
}

func handshake(ctx context.Context, conn *tls.Conn, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set handshake deadline: %w", err)
		}
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		return err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}
	return nil
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Listener shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
