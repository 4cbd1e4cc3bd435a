package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ErrPeerNotFound is returned by Lookup when no listener has the requested name.
var ErrPeerNotFound = errors.New("discovery: peer not found")

// EventType identifies peer discovery updates.
type EventType string

const (
	EventPeerFound EventType = "peer_found"
	EventPeerLost  EventType = "peer_lost"
)

// Event reports a change between two browses.
type Event struct {
	Type EventType
	Peer Peer
}

// Peer is a transfer listener seen on the network.
type Peer struct {
	DeviceID   string
	DeviceName string
	Version    int
	TLS        bool
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

// Address returns a dialable host:port. IPv4 addresses win over IPv6 ones,
// and the advertised host name is used when no address was resolved.
func (p Peer) Address() string {
	host := strings.TrimSuffix(p.HostName, ".")
	var v6 string
	for _, addr := range p.Addresses {
		ip := net.ParseIP(addr)
		switch {
		case ip == nil:
		case ip.To4() != nil:
			return net.JoinHostPort(addr, strconv.Itoa(p.Port))
		case v6 == "":
			v6 = addr
		}
	}
	if v6 != "" {
		host = v6
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

func (p Peer) sameAs(other Peer) bool {
	return p.DeviceID == other.DeviceID &&
		p.DeviceName == other.DeviceName &&
		p.Version == other.Version &&
		p.TLS == other.TLS &&
		p.HostName == other.HostName &&
		p.Port == other.Port &&
		slices.Equal(p.Addresses, other.Addresses)
}

// Browser finds transfer listeners. Each browse listens for one window.
type Browser struct {
	cfg Config

	mu    sync.RWMutex
	peers map[string]Peer
}

// NewBrowser creates a browser. Listeners advertising config.DeviceID are
// ignored.
func NewBrowser(config Config) *Browser {
	return &Browser{
		cfg:   config.withDefaults(),
		peers: make(map[string]Peer),
	}
}

// Browse listens for one window and returns every listener that answered,
// sorted by name. The result replaces the browser's known peers.
func (b *Browser) Browse(ctx context.Context) ([]Peer, error) {
	found := make(map[string]Peer)
	err := b.browseWindow(ctx, func(peer Peer) bool {
		found[peer.DeviceID] = peer
		return true
	})
	if err != nil {
		return nil, err
	}
	b.replace(found)
	return sortPeers(found), nil
}

// Lookup returns the listener whose device name matches name, ignoring case.
// Known peers are checked first; otherwise it browses until a match answers
// or the window ends.
func (b *Browser) Lookup(ctx context.Context, name string) (Peer, error) {
	name = strings.TrimSpace(name)
	for _, peer := range b.Peers() {
		if strings.EqualFold(peer.DeviceName, name) {
			return peer, nil
		}
	}

	var match Peer
	var found bool
	err := b.browseWindow(ctx, func(peer Peer) bool {
		b.remember(peer)
		if strings.EqualFold(peer.DeviceName, name) {
			match, found = peer, true
			return false
		}
		return true
	})
	if err != nil {
		return Peer{}, err
	}
	if !found {
		return Peer{}, fmt.Errorf("%w: %q", ErrPeerNotFound, name)
	}
	return match, nil
}

// Peers returns the peers known from earlier browses, sorted by name.
func (b *Browser) Peers() []Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortPeers(b.peers)
}

// Watch browses repeatedly until ctx ends and reports differences between
// consecutive browses. The channel is closed when watching stops.
func (b *Browser) Watch(ctx context.Context) <-chan Event {
	events := make(chan Event, 32)
	go func() {
		defer close(events)
		for {
			before := b.snapshot()
			if _, err := b.Browse(ctx); err == nil {
				for _, event := range diffPeers(before, b.snapshot()) {
					select {
					case events <- event:
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.Interval):
			}
		}
	}()
	return events
}

// browseWindow feeds every listener answering within the window to visit
// until visit returns false. Only cancellation of ctx is an error; a deadline
// on ctx just ends the window early.
func (b *Browser) browseWindow(ctx context.Context, visit func(Peer) bool) error {
	windowCtx, cancel := context.WithTimeout(ctx, b.cfg.Window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- b.cfg.browseFn(windowCtx, b.cfg.Service, b.cfg.Domain, entries)
	}()

	for {
		select {
		case <-windowCtx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return nil
		case err := <-browseErr:
			browseErr = nil
			if err != nil && windowCtx.Err() == nil {
				return fmt.Errorf("browse %s: %w", b.cfg.Service, err)
			}
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			peer, ok := peerFromEntry(entry, b.cfg.DeviceID)
			if !ok {
				continue
			}
			if !visit(peer) {
				return nil
			}
		}
	}
}

func (b *Browser) replace(peers map[string]Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers = peers
}

func (b *Browser) remember(peer Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[peer.DeviceID] = peer
}

func (b *Browser) snapshot() map[string]Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Peer, len(b.peers))
	for id, peer := range b.peers {
		out[id] = peer
	}
	return out
}

func diffPeers(before, after map[string]Peer) []Event {
	var events []Event
	for _, peer := range sortPeers(after) {
		if old, ok := before[peer.DeviceID]; !ok || !old.sameAs(peer) {
			events = append(events, Event{Type: EventPeerFound, Peer: peer})
		}
	}
	for _, peer := range sortPeers(before) {
		if _, ok := after[peer.DeviceID]; !ok {
			events = append(events, Event{Type: EventPeerLost, Peer: peer})
		}
	}
	return events
}

func sortPeers(peers map[string]Peer) []Peer {
	out := make([]Peer, 0, len(peers))
	for _, peer := range peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// peerFromEntry converts a browse answer. Answers without a device ID, and
// answers from selfID, are skipped.
func peerFromEntry(entry *zeroconf.ServiceEntry, selfID string) (Peer, bool) {
	if entry == nil {
		return Peer{}, false
	}
	announcement := parseAnnouncement(entry.Text)
	if announcement.DeviceID == "" || announcement.DeviceID == selfID {
		return Peer{}, false
	}

	var addresses []string
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		if addr := ip.String(); !slices.Contains(addresses, addr) {
			addresses = append(addresses, addr)
		}
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(entry.HostName, ".")
	}
	if name == "" {
		name = announcement.DeviceID
	}

	return Peer{
		DeviceID:   announcement.DeviceID,
		DeviceName: name,
		Version:    announcement.Version,
		TLS:        announcement.TLS,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
		LastSeen:   time.Now(),
	}, true
}
