package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the direction a session drives.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// State is the transfer state machine position. For receivers it names the
// packet expected next; for senders it names the packet written next.
type State string

const (
	StateIdle           State = "idle"
	StateTransferHeader State = "awaiting_transfer_header"
	StateItemHeader     State = "awaiting_item_header"
	StateItemContent    State = "receiving_content"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
	StateCanceled       State = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// EventType is the lifecycle notification kind.
type EventType string

const (
	EventConnecting EventType = "connecting"
	EventInProgress EventType = "in_progress"
	EventSucceeded  EventType = "succeeded"
	EventFailed     EventType = "failed"
	EventCanceled   EventType = "canceled"
)

// Event is a lifecycle notification for one session.
type Event struct {
	SessionID  string
	Role       Role
	DeviceName string
	Type       EventType
	Progress   float64
	Err        error
	Time       time.Time
	// Snapshot is the session state at the time of the event.
	Snapshot SessionSnapshot
}

// Observer receives session lifecycle events. HandleEvent is called from the
// session goroutine and must not block for long.
type Observer interface {
	HandleEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) HandleEvent(event Event) {
	f(event)
}

// SessionSnapshot is a point-in-time copy of session state.
type SessionSnapshot struct {
	ID               string
	Role             Role
	DeviceName       string
	State            State
	CurrentItem      string
	BytesRemaining   uint64
	ItemsTotal       uint64
	ItemsCompleted   uint64
	BytesTotal       uint64
	BytesTransferred uint64
	Progress         float64
	Items            []string
	Err              error
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Session is one connection's worth of transfer in either role.
type Session struct {
	id       string
	role     Role
	settings Settings
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.RWMutex
	conn             net.Conn
	state            State
	deviceName       string
	currentItem      string
	bytesRemaining   uint64
	itemsTotal       uint64
	itemsCompleted   uint64
	bytesTotal       uint64
	bytesTransferred uint64
	sizeKnown        bool
	items            []string
	err              error
	lastPercent      int
	startedAt        time.Time
	finishedAt       time.Time

	done       chan struct{}
	finishOnce sync.Once
}

func newSession(ctx context.Context, role Role, deviceName string, settings Settings, observer Observer) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	return &Session{
		id:          uuid.NewString(),
		role:        role,
		settings:    settings.withDefaults(),
		observer:    observer,
		ctx:         sessionCtx,
		cancel:      cancel,
		state:       StateIdle,
		deviceName:  deviceName,
		lastPercent: -1,
		startedAt:   time.Now(),
		done:        make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Role() Role {
	return s.role
}

// DeviceName returns the peer display name. Receivers learn it from the
// transfer header.
func (s *Session) DeviceName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceName
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the terminal error, or nil while running and after success.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed once the session reaches a terminal state and its
// connection is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session finishes or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cooperative cancellation. Pending reads and writes are
// unblocked by closing the connection; the session ends Canceled.
func (s *Session) Cancel() {
	s.cancel()
}

// Progress returns completion in [0, 1]: bytes when the total size is known,
// items otherwise.
func (s *Session) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progressLocked()
}

// Items returns the relative paths of every completed item.
func (s *Session) Items() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.items...)
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() SessionSnapshot {
	return SessionSnapshot{
		ID:               s.id,
		Role:             s.role,
		DeviceName:       s.deviceName,
		State:            s.state,
		CurrentItem:      s.currentItem,
		BytesRemaining:   s.bytesRemaining,
		ItemsTotal:       s.itemsTotal,
		ItemsCompleted:   s.itemsCompleted,
		BytesTotal:       s.bytesTotal,
		BytesTransferred: s.bytesTransferred,
		Progress:         s.progressLocked(),
		Items:            append([]string(nil), s.items...),
		Err:              s.err,
		StartedAt:        s.startedAt,
		FinishedAt:       s.finishedAt,
	}
}

func (s *Session) progressLocked() float64 {
	if s.state == StateSucceeded {
		return 1
	}
	var fraction float64
	switch {
	case s.sizeKnown && s.bytesTotal > 0:
		fraction = float64(s.bytesTransferred) / float64(s.bytesTotal)
	case s.itemsTotal > 0:
		fraction = float64(s.itemsCompleted) / float64(s.itemsTotal)
	}
	if fraction > 1 {
		fraction = 1
	}
	return fraction
}

// attach binds conn to the session. The connection is closed as soon as the
// session context ends.
func (s *Session) attach(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	context.AfterFunc(s.ctx, func() {
		_ = conn.Close()
	})
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) beginTransfer(header TransferHeader, state State) {
	s.mu.Lock()
	s.state = state
	if s.role == RoleReceiver {
		s.deviceName = header.Name
	}
	s.itemsTotal = header.Count
	if header.Size != nil {
		s.bytesTotal = *header.Size
		s.sizeKnown = true
	}
	s.mu.Unlock()
}

func (s *Session) beginItem(path string, size uint64) {
	s.mu.Lock()
	s.state = StateItemContent
	s.currentItem = path
	s.bytesRemaining = size
	s.mu.Unlock()
}

func (s *Session) advance(n uint64) {
	s.mu.Lock()
	s.bytesRemaining -= n
	s.bytesTransferred += n
	s.mu.Unlock()
	s.emitProgress()
}

// completeItem records path and reports whether every declared item is done.
func (s *Session) completeItem(path string) bool {
	s.mu.Lock()
	s.state = StateItemHeader
	s.currentItem = ""
	s.bytesRemaining = 0
	s.itemsCompleted++
	s.items = append(s.items, path)
	complete := s.itemsCompleted >= s.itemsTotal
	s.mu.Unlock()
	s.emitProgress()
	return complete
}

func (s *Session) remaining() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytesRemaining
}

func (s *Session) readPacket() (Packet, error) {
	if s.settings.Timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.settings.Timeout)); err != nil {
			return Packet{}, err
		}
	}
	return ReadPacket(s.conn)
}

func (s *Session) writePacket(payload []byte) error {
	if err := s.setWriteDeadline(); err != nil {
		return err
	}
	return WritePacket(s.conn, payload)
}

func (s *Session) writeJSON(message any) error {
	if err := s.setWriteDeadline(); err != nil {
		return err
	}
	return WriteJSONPacket(s.conn, message)
}

func (s *Session) setWriteDeadline() error {
	if s.settings.Timeout <= 0 {
		return nil
	}
	return s.conn.SetWriteDeadline(time.Now().Add(s.settings.Timeout))
}

// readFailure maps a codec error to the session failure it causes.
func readFailure(err error) error {
	switch {
	case errors.Is(err, ErrEmptyPacket), errors.Is(err, ErrPacketTooLarge):
		return err
	case errors.Is(err, io.EOF):
		return connectionLost(io.EOF)
	default:
		return connectionLost(err)
	}
}

// fail ends the session Failed with err, or Canceled if cancellation was
// requested.
func (s *Session) fail(err error) {
	if s.ctx.Err() != nil {
		s.finish(StateCanceled, ErrCanceled)
		return
	}
	s.finish(StateFailed, err)
}

func (s *Session) finish(state State, err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = state
		s.err = err
		s.finishedAt = time.Now()
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		s.cancel()

		switch state {
		case StateSucceeded:
			s.emit(EventSucceeded, nil)
		case StateCanceled:
			s.emit(EventCanceled, err)
		default:
			s.emit(EventFailed, err)
		}
		close(s.done)
	})
}

func (s *Session) emitProgress() {
	s.mu.Lock()
	percent := int(s.progressLocked() * 100)
	changed := percent != s.lastPercent
	s.lastPercent = percent
	s.mu.Unlock()
	if changed {
		s.emit(EventInProgress, nil)
	}
}

func (s *Session) emit(eventType EventType, err error) {
	if s.observer == nil {
		return
	}
	s.mu.RLock()
	event := Event{
		SessionID:  s.id,
		Role:       s.role,
		DeviceName: s.deviceName,
		Type:       eventType,
		Progress:   s.progressLocked(),
		Err:        err,
		Time:       time.Now(),
		Snapshot:   s.snapshotLocked(),
	}
	s.mu.RUnlock()
	s.observer.HandleEvent(event)
}
