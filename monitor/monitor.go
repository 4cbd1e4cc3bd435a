package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"lanxfer/logging"
	"lanxfer/models"
	"lanxfer/network"
	"lanxfer/registry"

	"github.com/gorilla/websocket"
)

const (
	// MessageSnapshot carries every known transfer; it is sent first.
	MessageSnapshot = "snapshot"
	// MessageUpdate carries one registry change.
	MessageUpdate = "update"

	writeTimeout = 5 * time.Second
)

// ErrNotLoopback is returned when the monitor would be reachable from the network.
var ErrNotLoopback = errors.New("monitor: address is not a loopback address")

// Source is the registry view the monitor publishes.
type Source interface {
	Transfers() []models.Transfer
	Subscribe() (<-chan registry.Update, func())
}

// Message is one JSON frame on the event feed.
type Message struct {
	Type      string            `json:"type"`
	Event     network.EventType `json:"event,omitempty"`
	Transfer  *models.Transfer  `json:"transfer,omitempty"`
	Transfers []models.Transfer `json:"transfers,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return isLoopbackHost(parsed.Hostname())
	},
}

// Server is a read-only HTTP/WebSocket feed of transfer activity.
type Server struct {
	source   Source
	listener net.Listener
	http     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor for source without binding a listener. Its Handler
// can be mounted on any HTTP server.
func New(source Source) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		source: source,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds address, which must be a loopback address, and serves
// GET /transfers and GET /events.
func Start(address string, source Source) (*Server, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("parse monitor address %q: %w", address, err)
	}
	if !isLoopbackHost(host) {
		return nil, fmt.Errorf("%w: %s", ErrNotLoopback, address)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to start monitor: %w", err)
	}

	s := New(source)
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("monitor stopped: %v", err)
		}
	}()

	return s, nil
}

// Handler returns the monitor routes without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /transfers", s.handleTransfers)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

// Addr returns the listening address, or nil for a server made with New.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the HTTP server, if any, and disconnects every feed client.
func (s *Server) Close() error {
	s.cancel()
	if s.http == nil {
		return nil
	}
	err := s.http.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Transfers()); err != nil {
		logging.Debug("monitor: write transfers: %v", err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Subscribe before the snapshot so no change falls between the two.
	updates, unsubscribe := s.source.Subscribe()
	defer unsubscribe()

	logging.Debug("monitor: client %s connected", r.RemoteAddr)
	defer logging.Debug("monitor: client %s disconnected", r.RemoteAddr)

	if err := writeMessage(conn, Message{Type: MessageSnapshot, Transfers: s.source.Transfers()}); err != nil {
		return
	}

	// The feed is read-only; reading only detects the client going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			transfer := update.Transfer
			if err := writeMessage(conn, Message{Type: MessageUpdate, Event: update.Event, Transfer: &transfer}); err != nil {
				return
			}
		case <-clientGone:
			return
		case <-s.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor stopped"),
				time.Now().Add(writeTimeout))
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, message Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(message)
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
