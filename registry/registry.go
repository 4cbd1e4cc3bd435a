package registry

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"lanxfer/models"
	"lanxfer/network"
)

const (
	// DefaultSubscriberBuffer is the per-subscriber update queue size.
	DefaultSubscriberBuffer = 64
	// DefaultFinishedRetained bounds finished transfers kept in memory.
	DefaultFinishedRetained = 100
)

// Store persists transfer records. *storage.Store satisfies it.
type Store interface {
	SaveTransfer(transfer models.Transfer) error
	ListTransfers(limit int) ([]models.Transfer, error)
}

// Update is one registry change delivered to subscribers.
type Update struct {
	Event    network.EventType `json:"event"`
	Transfer models.Transfer   `json:"transfer"`
}

// Options configures a Registry.
type Options struct {
	Store            Store
	SubscriberBuffer int
	FinishedRetained int
}

func (o Options) withDefaults() Options {
	out := o
	if out.SubscriberBuffer <= 0 {
		out.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if out.FinishedRetained <= 0 {
		out.FinishedRetained = DefaultFinishedRetained
	}
	return out
}

// Registry keeps one record per transfer session, fans changes out to
// subscribers, and persists a record whenever its lifecycle stage changes.
// Progress ticks within a stage are not persisted.
type Registry struct {
	options Options

	mu          sync.RWMutex
	transfers   map[string]*models.Transfer
	persisted   map[string]network.EventType
	subscribers map[int]chan Update
	nextSubID   int
	closed      bool

	errs chan error
}

// New creates a registry. A nil Options.Store keeps records in memory only.
func New(options Options) *Registry {
	return &Registry{
		options:     options.withDefaults(),
		transfers:   make(map[string]*models.Transfer),
		persisted:   make(map[string]network.EventType),
		subscribers: make(map[int]chan Update),
		errs:        make(chan error, 16),
	}
}

// HandleEvent implements network.Observer.
func (r *Registry) HandleEvent(event network.Event) {
	transfer := recordFromEvent(event)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.transfers[transfer.TransferID] = &transfer
	persist := r.options.Store != nil && r.persisted[transfer.TransferID] != event.Type
	if persist {
		r.persisted[transfer.TransferID] = event.Type
	}
	if transfer.Finished() {
		delete(r.persisted, transfer.TransferID)
		r.evictFinishedLocked()
	}
	update := Update{Event: event.Type, Transfer: transfer}
	for _, ch := range r.subscribers {
		select {
		case ch <- update:
		default:
		}
	}
	r.mu.Unlock()

	if persist {
		if err := r.options.Store.SaveTransfer(transfer); err != nil {
			r.reportError(fmt.Errorf("persist transfer %s: %w", transfer.TransferID, err))
		}
	}
}

// Subscribe registers a listener. Updates are dropped when its queue is full.
// The returned function unsubscribes and closes the channel.
func (r *Registry) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, r.options.SubscriberBuffer)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := r.subscribers[id]; ok {
				delete(r.subscribers, id)
				close(sub)
			}
		})
	}
}

// Transfers returns the in-memory records, oldest first.
func (r *Registry) Transfers() []models.Transfer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Transfer, 0, len(r.transfers))
	for _, transfer := range r.transfers {
		out = append(out, *transfer)
	}
	sortByStart(out)
	return out
}

// Transfer returns the in-memory record of one session.
func (r *Registry) Transfer(id string) (models.Transfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	transfer, ok := r.transfers[id]
	if !ok {
		return models.Transfer{}, false
	}
	return *transfer, true
}

// History returns persisted transfers newest first, or the in-memory records
// when no store is configured.
func (r *Registry) History(limit int) ([]models.Transfer, error) {
	if r.options.Store != nil {
		return r.options.Store.ListTransfers(limit)
	}

	out := r.Transfers()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Errors returns persistence errors. It is closed by Close.
func (r *Registry) Errors() <-chan error {
	return r.errs
}

// Close detaches every subscriber. Later events are ignored.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.subscribers {
		delete(r.subscribers, id)
		close(ch)
	}
	close(r.errs)
}

func (r *Registry) evictFinishedLocked() {
	var finished []*models.Transfer
	for _, transfer := range r.transfers {
		if transfer.Finished() {
			finished = append(finished, transfer)
		}
	}
	excess := len(finished) - r.options.FinishedRetained
	if excess <= 0 {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].FinishedAt < finished[j].FinishedAt
	})
	for _, transfer := range finished[:excess] {
		delete(r.transfers, transfer.TransferID)
	}
}

func (r *Registry) reportError(err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.errs <- err:
	default:
	}
}

func recordFromEvent(event network.Event) models.Transfer {
	snapshot := event.Snapshot
	id := snapshot.ID
	if id == "" {
		id = event.SessionID
	}

	direction := models.DirectionReceive
	if event.Role == network.RoleSender {
		direction = models.DirectionSend
	}

	transfer := models.Transfer{
		TransferID:       id,
		Direction:        direction,
		DeviceName:       event.DeviceName,
		State:            string(snapshot.State),
		Progress:         event.Progress,
		ItemsTotal:       clampInt64(snapshot.ItemsTotal),
		ItemsCompleted:   clampInt64(snapshot.ItemsCompleted),
		BytesTotal:       clampInt64(snapshot.BytesTotal),
		BytesTransferred: clampInt64(snapshot.BytesTransferred),
		Items:            snapshot.Items,
		UpdatedAt:        event.Time.UnixMilli(),
	}
	if event.Time.IsZero() {
		transfer.UpdatedAt = time.Now().UnixMilli()
	}
	if transfer.State == "" {
		transfer.State = string(network.StateIdle)
	}
	if !snapshot.StartedAt.IsZero() {
		transfer.StartedAt = snapshot.StartedAt.UnixMilli()
	}
	if !snapshot.FinishedAt.IsZero() {
		transfer.FinishedAt = snapshot.FinishedAt.UnixMilli()
	}
	if event.Err != nil {
		transfer.Error = event.Err.Error()
	}
	return transfer
}

func sortByStart(transfers []models.Transfer) {
	sort.Slice(transfers, func(i, j int) bool {
		if transfers[i].StartedAt == transfers[j].StartedAt {
			return transfers[i].TransferID < transfers[j].TransferID
		}
		return transfers[i].StartedAt < transfers[j].StartedAt
	})
}

// clampInt64 converts a peer-supplied counter for SQLite, which has no
// unsigned integers.
func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
