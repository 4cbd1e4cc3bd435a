package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestBrowseFiltersSelfAndAnonymousListeners(t *testing.T) {
	browser := NewBrowser(Config{
		DeviceID: "self-device",
		Window:   30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService || domain != DefaultDomain {
				t.Errorf("unexpected browse target %q %q", service, domain)
			}
			entries <- testServiceEntry("self-device", "Self", 40818, "10.0.0.1")
			entries <- testServiceEntry("peer-2", "Carol", 40820, "10.0.0.3")
			entries <- testServiceEntry("peer-1", "Bob", 40818, "10.0.0.2")
			entries <- &zeroconf.ServiceEntry{ServiceRecord: zeroconf.ServiceRecord{Instance: "printer"}, Port: 631}
			<-ctx.Done()
			return ctx.Err()
		},
	})

	peers, err := browser.Browse(context.Background())
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(peers) != 2 || peers[0].DeviceName != "Bob" || peers[1].DeviceName != "Carol" {
		t.Fatalf("unexpected peers: %+v", peers)
	}
	if len(browser.Peers()) != 2 {
		t.Fatalf("expected browse result to be remembered")
	}
}

func TestBrowseReportsBrowseFailure(t *testing.T) {
	browser := NewBrowser(Config{
		Window: time.Second,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return errors.New("no multicast interface")
		},
	})
	if _, err := browser.Browse(context.Background()); err == nil {
		t.Fatalf("expected browse error")
	}
}

func TestBrowseStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	browser := NewBrowser(Config{
		Window: time.Second,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	})
	if _, err := browser.Browse(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLookupReturnsOnFirstMatch(t *testing.T) {
	var browses atomic.Int32
	browser := NewBrowser(Config{
		DeviceID: "self-device",
		Window:   time.Hour,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			browses.Add(1)
			entries <- testServiceEntry("peer-1", "Bob", 40818, "10.0.0.2")
			entries <- testServiceEntry("peer-2", "Carol", 40820, "10.0.0.3")
			return nil
		},
	})

	// The window is an hour long; Lookup must not wait it out.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, err := browser.Lookup(ctx, " carol ")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if peer.DeviceID != "peer-2" || peer.Address() != "10.0.0.3:40820" {
		t.Fatalf("unexpected peer: %+v (%s)", peer, peer.Address())
	}

	// Bob was seen along the way and is answered without browsing.
	if _, err := browser.Lookup(ctx, "BOB"); err != nil {
		t.Fatalf("Lookup of remembered peer failed: %v", err)
	}
	if n := browses.Load(); n != 1 {
		t.Fatalf("expected a single browse, got %d", n)
	}
}

func TestLookupNotFound(t *testing.T) {
	browser := NewBrowser(Config{
		Window: 20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 40818, "10.0.0.2")
			return nil
		},
	})
	if _, err := browser.Lookup(context.Background(), "Mallory"); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("expected ErrPeerNotFound, got %v", err)
	}
}

func TestWatchReportsFoundAndLostPeers(t *testing.T) {
	var browses atomic.Int32
	browser := NewBrowser(Config{
		Window:   10 * time.Millisecond,
		Interval: 10 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if browses.Add(1) == 1 {
				entries <- testServiceEntry("peer-1", "Bob", 40818, "10.0.0.2")
			}
			entries <- testServiceEntry("peer-2", "Carol", 40820, "10.0.0.3")
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := browser.Watch(ctx)

	if !waitForEvent(events, EventPeerFound, "peer-1", 2*time.Second) {
		t.Fatalf("expected peer-1 to be found")
	}
	if !waitForEvent(events, EventPeerLost, "peer-1", 2*time.Second) {
		t.Fatalf("expected peer-1 to be lost")
	}
}

func TestPeerAddress(t *testing.T) {
	tests := []struct {
		name string
		peer Peer
		want string
	}{
		{name: "prefers ipv4", peer: Peer{Port: 1, Addresses: []string{"fe80::1", "10.0.0.5"}}, want: "10.0.0.5:1"},
		{name: "ipv6 only", peer: Peer{Port: 2, Addresses: []string{"fe80::1"}}, want: "[fe80::1]:2"},
		{name: "host name fallback", peer: Peer{Port: 3, HostName: "bob.local."}, want: "bob.local:3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.peer.Address(); got != tt.want {
				t.Fatalf("Address() = %q, want %q", got, tt.want)
			}
		})
	}
}

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"version=1",
			"tls=false",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForEvent(events <-chan Event, eventType EventType, deviceID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.DeviceID == deviceID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
