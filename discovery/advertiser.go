package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service type of a transfer listener.
	DefaultService = "_lanxfer._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// ProtocolVersion is advertised so incompatible listeners can be told apart.
	ProtocolVersion = 1
	// DefaultWindow bounds one browse.
	DefaultWindow = 3 * time.Second
	// DefaultInterval is the pause between browses while watching.
	DefaultInterval = 10 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config describes the local listener and how peers are browsed.
type Config struct {
	Service string
	Domain  string

	// DeviceID is advertised, and filtered out of browse results.
	DeviceID   string
	DeviceName string
	Port       int
	TLS        bool

	Window   time.Duration
	Interval time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = browseOnce
	}
	return out
}

// browseOnce browses with a dedicated resolver; a zeroconf resolver shuts its
// sockets down when the browse context ends and cannot be reused.
func browseOnce(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Announcement is the TXT payload of an advertised listener.
type Announcement struct {
	DeviceID string
	Version  int
	TLS      bool
}

func (a Announcement) records() []string {
	return []string{
		"device_id=" + a.DeviceID,
		"version=" + strconv.Itoa(a.Version),
		"tls=" + strconv.FormatBool(a.TLS),
	}
}

func parseAnnouncement(text []string) Announcement {
	var a Announcement
	for _, record := range text {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "device_id":
			a.DeviceID = value
		case "version":
			a.Version, _ = strconv.Atoi(value)
		case "tls":
			a.TLS, _ = strconv.ParseBool(value)
		}
	}
	return a
}

// Advertiser publishes the local transfer listener.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the listener described by config under its device name.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	switch {
	case strings.TrimSpace(cfg.DeviceID) == "":
		return nil, errors.New("discovery: device ID is required")
	case strings.TrimSpace(cfg.DeviceName) == "":
		return nil, errors.New("discovery: device name is required")
	case cfg.Port <= 0 || cfg.Port > 65535:
		return nil, fmt.Errorf("discovery: invalid port %d", cfg.Port)
	}

	announcement := Announcement{DeviceID: cfg.DeviceID, Version: ProtocolVersion, TLS: cfg.TLS}
	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.Port, announcement.records(), nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", cfg.Service, err)
	}
	return &Advertiser{server: server}, nil
}

// Close withdraws the advertisement.
func (a *Advertiser) Close() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service advertises the listener and watches for other listeners.
type Service struct {
	advertiser *Advertiser
	events     <-chan Event
	cancel     context.CancelFunc
}

// Start advertises config and starts watching for peers.
func Start(config Config) (*Service, error) {
	advertiser, err := Advertise(config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		advertiser: advertiser,
		events:     NewBrowser(config).Watch(ctx),
		cancel:     cancel,
	}, nil
}

// Events reports peers appearing and disappearing. It is closed after Close.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Close stops watching and withdraws the advertisement.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.cancel()
	s.advertiser.Close()
}
