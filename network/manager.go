package network

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrManagerStopped is returned by operations on a stopped Manager.
var ErrManagerStopped = errors.New("network: manager stopped")

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Settings Settings

	// BindAddress and Port locate the transfer listener started by Start.
	BindAddress string
	Port        int

	// Observer receives events of every inbound and outbound session.
	Observer Observer
}

// Manager is the engine entry point: it owns the transfer listener, starts
// outbound transfers, and tracks active sessions.
type Manager struct {
	options  ManagerOptions
	settings atomic.Pointer[Settings]

	// mu guards server and stopped, and orders wg.Add against Stop.
	mu      sync.Mutex
	server  *Server
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	sessionMu sync.RWMutex
	sessions  map[string]*Session

	errors chan error
}

// NewManager creates a manager. Outbound transfers are available right away;
// Start enables inbound ones.
func NewManager(options ManagerOptions) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	manager := &Manager{
		options:  options,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		errors:   make(chan error, 64),
	}
	manager.UpdateSettings(options.Settings)
	return manager
}

// Start binds the transfer listener. A bind failure is a *ListenError and is
// not retried.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrManagerStopped
	}
	if m.server != nil {
		return nil
	}

	server, err := Listen(m.options.BindAddress, m.options.Port, ServerOptions{
		Settings:  m.Settings,
		Observer:  m.options.Observer,
		OnSession: m.track,
	})
	if err != nil {
		return err
	}
	m.server = server

	m.wg.Add(1)
	go m.serverLoop(server.Errors())
	return nil
}

// Stop cancels every active session, closes the listener, and waits for
// session goroutines to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		server := m.server
		m.mu.Unlock()

		m.cancel()
		if server != nil {
			_ = server.Close()
		}
		m.wg.Wait()
		close(m.errors)
	})
}

// Addr returns the listening address, or nil before Start.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Errors returns asynchronous listener errors.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// Settings returns the current configuration snapshot.
func (m *Manager) Settings() Settings {
	return *m.settings.Load()
}

// UpdateSettings replaces the snapshot used by sessions created afterwards.
// Running sessions keep the settings they started with; the listener port is
// fixed at Start.
func (m *Manager) UpdateSettings(settings Settings) {
	next := settings.withDefaults()
	m.settings.Store(&next)
}

// SendFiles starts an outbound transfer of paths to the receiver at address.
// Paths are expanded before connecting; an unreadable path is returned as an
// error and no session is created.
func (m *Manager) SendFiles(address string, paths []string) (*Session, error) {
	if m.isStopped() {
		return nil, ErrManagerStopped
	}
	bundle, err := NewBundle(paths)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrManagerStopped
	}
	session := newSession(m.ctx, RoleSender, address, m.Settings(), m.options.Observer)
	m.trackLocked(session)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		session.emit(EventConnecting, nil)
		conn, err := Dial(session.ctx, address, session.settings)
		if err != nil {
			session.fail(err)
			return
		}
		session.attach(conn)
		session.runSend(bundle)
	}()
	return session, nil
}

// Cancel cancels the active session with id and reports whether it existed.
func (m *Manager) Cancel(id string) bool {
	session := m.Session(id)
	if session == nil {
		return false
	}
	session.Cancel()
	return true
}

// Session returns the active session with id, or nil.
func (m *Manager) Session(id string) *Session {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	return m.sessions[id]
}

// Sessions returns active sessions ordered by start time.
func (m *Manager) Sessions() []*Session {
	m.sessionMu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessionMu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].startedAt.Before(sessions[j].startedAt)
	})
	return sessions
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// track registers an inbound session. Sessions accepted while stopping are
// canceled right away.
func (m *Manager) track(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		session.Cancel()
		return
	}
	m.trackLocked(session)
}

func (m *Manager) trackLocked(session *Session) {
	m.sessionMu.Lock()
	m.sessions[session.ID()] = session
	m.sessionMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-session.Done():
		case <-m.ctx.Done():
			session.Cancel()
			<-session.Done()
		}
		m.sessionMu.Lock()
		delete(m.sessions, session.ID())
		m.sessionMu.Unlock()
	}()
}

func (m *Manager) serverLoop(errs <-chan error) {
	defer m.wg.Done()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			m.reportError(err)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}
