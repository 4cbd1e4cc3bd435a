package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"lanxfer/config"
	"lanxfer/crypto"
	"lanxfer/discovery"
	"lanxfer/logging"
	"lanxfer/models"
	"lanxfer/monitor"
	"lanxfer/network"
	"lanxfer/registry"
	"lanxfer/storage"
)

func runListen(ctx context.Context, cfg *config.DeviceConfig, dataDir string, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	port := fs.Int("port", cfg.TransferPort, "Transfer listener port, 1~65535")
	dir := fs.String("dir", cfg.TransferDirectory, "Directory received items are written to")
	bind := fs.String("bind", "", "Address to bind (all interfaces when empty)")
	noDiscovery := fs.Bool("no-discovery", false, "Do not advertise the listener with mDNS")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *debug {
		logging.EnableDebug()
	}
	if *port < 1 || *port > 65535 {
		return fmt.Errorf("invalid -port %d (must be 1~65535)", *port)
	}

	settings, err := cfg.TransferSettings()
	if err != nil {
		return err
	}
	settings.Directory = *dir

	store := openHistory(cfg, dataDir)
	if store != nil {
		defer closeHistory(store)
	}
	reg := registry.New(registry.Options{Store: historyStore(store)})
	defer reg.Close()

	updates, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	manager := network.NewManager(network.ManagerOptions{
		Settings:    settings,
		BindAddress: *bind,
		Port:        *port,
		Observer:    reg,
	})
	if err := manager.Start(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer manager.Stop()

	logging.Info("listening on %s as %q (tls=%t), saving to %s", manager.Addr(), settings.DeviceName, settings.TLS != nil, settings.Directory)

	if cfg.MonitorAddress != "" {
		mon, err := monitor.Start(cfg.MonitorAddress, reg)
		if err != nil {
			logging.Warn("monitor disabled: %v", err)
		} else {
			defer func() {
				_ = mon.Close()
			}()
			logging.Info("monitor feed on ws://%s/events", mon.Addr())
		}
	}

	if !*noDiscovery {
		listenPort := *port
		if addr, ok := manager.Addr().(*net.TCPAddr); ok {
			listenPort = addr.Port
		}
		svc, err := discovery.Start(discovery.Config{
			DeviceID:   cfg.DeviceID,
			DeviceName: settings.DeviceName,
			Port:       listenPort,
			TLS:        settings.TLS != nil,
		})
		if err != nil {
			logging.Warn("discovery startup failed: %v", err)
		} else {
			defer svc.Close()
			go logDiscoveryEvents(svc.Events())
		}
	}

	registryErrors := reg.Errors()
	for {
		select {
		case <-ctx.Done():
			logging.Info("shutting down")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			logUpdate(update)
		case err, ok := <-manager.Errors():
			if ok {
				logging.Warn("listener: %v", err)
			}
		case err, ok := <-registryErrors:
			if !ok {
				registryErrors = nil
				continue
			}
			logging.Warn("history: %v", err)
		}
	}
}

func runSend(ctx context.Context, cfg *config.DeviceConfig, dataDir string, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	to := fs.String("to", "", "Receiver address host:port")
	peerName := fs.String("peer", "", "Receiver device name, resolved with mDNS")
	lookupTimeout := fs.Duration("lookup-timeout", 5*time.Second, "How long to search for -peer")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *debug {
		logging.EnableDebug()
	}

	paths := fs.Args()
	if len(paths) == 0 {
		return errors.New("send: at least one path is required")
	}

	address := *to
	switch {
	case address != "" && *peerName != "":
		return errors.New("send: use either -to or -peer, not both")
	case address == "" && *peerName == "":
		return errors.New("send: missing -to or -peer")
	case address == "":
		resolved, err := lookupPeer(ctx, cfg.DeviceID, *peerName, *lookupTimeout)
		if err != nil {
			return err
		}
		address = resolved
	}

	settings, err := cfg.TransferSettings()
	if err != nil {
		return err
	}

	store := openHistory(cfg, dataDir)
	if store != nil {
		defer closeHistory(store)
	}
	reg := registry.New(registry.Options{Store: historyStore(store)})
	defer reg.Close()

	progress := newProgressReporter(fmt.Sprintf("Sending to %s", address))
	manager := network.NewManager(network.ManagerOptions{
		Settings: settings,
		Observer: network.ObserverFunc(func(event network.Event) {
			reg.HandleEvent(event)
			progress.HandleEvent(event)
		}),
	})
	defer manager.Stop()

	session, err := manager.SendFiles(address, paths)
	if err != nil {
		return err
	}
	stopCancel := context.AfterFunc(ctx, session.Cancel)
	defer stopCancel()

	<-session.Done()
	progress.Stop()

	snapshot := session.Snapshot()
	switch snapshot.State {
	case network.StateSucceeded:
		pterm.Success.Printfln("sent %d item(s), %s, to %s", snapshot.ItemsCompleted, formatBytes(snapshot.BytesTransferred), address)
		return nil
	case network.StateCanceled:
		return errors.New("transfer canceled")
	default:
		if snapshot.Err == nil {
			return errors.New("transfer failed")
		}
		return fmt.Errorf("transfer failed: %w", snapshot.Err)
	}
}

func runPeers(ctx context.Context, cfg *config.DeviceConfig, args []string) error {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	timeout := fs.Duration("timeout", discovery.DefaultWindow, "How long to browse for receivers")
	if err := fs.Parse(args); err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start("Browsing for receivers...")
	browser := discovery.NewBrowser(discovery.Config{DeviceID: cfg.DeviceID, Window: *timeout})
	peers, err := browser.Browse(ctx)
	if spinner != nil {
		_ = spinner.Stop()
	}
	if err != nil {
		return fmt.Errorf("discover peers: %w", err)
	}
	if len(peers) == 0 {
		pterm.Info.Println("no receivers found")
		return nil
	}

	data := pterm.TableData{{"Name", "Address", "TLS", "Device ID"}}
	for _, peer := range peers {
		data = append(data, []string{peer.DeviceName, peer.Address(), strconv.FormatBool(peer.TLS), peer.DeviceID})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runHistory(cfg *config.DeviceConfig, dataDir string, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "Number of transfers to show, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, _, err := storage.Open(dataDir, cfg.HistoryOptions())
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer closeHistory(store)

	transfers, err := store.ListTransfers(*limit)
	if err != nil {
		return err
	}
	if len(transfers) == 0 {
		pterm.Info.Println("no transfers recorded")
		return nil
	}

	data := pterm.TableData{{"Started", "Direction", "Device", "State", "Items", "Size", "Error"}}
	for _, transfer := range transfers {
		data = append(data, historyRow(transfer))
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runCerts(cfg *config.DeviceConfig, dataDir string, args []string) error {
	fs := flag.NewFlagSet("certs", flag.ContinueOnError)
	hosts := fs.String("hosts", "", "Comma-separated host names or IPs to include in the device certificate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Devices that should trust each other share ca.pem and ca.key.
	caKeyPath := filepath.Join(filepath.Dir(cfg.TLSCACertificate), "ca.key")
	var ca *crypto.KeyPair
	if _, err := os.Stat(cfg.TLSCACertificate); errors.Is(err, os.ErrNotExist) {
		ca, err = crypto.GenerateCA(cfg.DeviceName + " lanxfer CA")
		if err != nil {
			return err
		}
		if err := ca.Save(cfg.TLSCACertificate, caKeyPath, ""); err != nil {
			return err
		}
		logging.Info("created CA %s", cfg.TLSCACertificate)
	} else {
		ca, err = crypto.LoadKeyPair(cfg.TLSCACertificate, caKeyPath, "")
		if err != nil {
			return fmt.Errorf("load CA: %w", err)
		}
	}

	var hostList []string
	for _, host := range strings.Split(*hosts, ",") {
		if host = strings.TrimSpace(host); host != "" {
			hostList = append(hostList, host)
		}
	}
	device, err := crypto.IssueDeviceCertificate(ca, cfg.DeviceName, hostList...)
	if err != nil {
		return err
	}
	if err := device.Save(cfg.TLSCertificate, cfg.TLSPrivateKey, cfg.TLSPrivateKeyPassphrase); err != nil {
		return err
	}

	cfg.TLSEnabled = true
	if err := config.Save(config.ConfigPath(dataDir), cfg); err != nil {
		return err
	}

	pterm.Success.Printfln("device certificate %s", cfg.TLSCertificate)
	pterm.Info.Printfln("fingerprint %s", crypto.FormatFingerprint(crypto.CertificateFingerprint(device.Certificate)))
	return nil
}

func lookupPeer(ctx context.Context, selfID, name string, timeout time.Duration) (string, error) {
	browser := discovery.NewBrowser(discovery.Config{DeviceID: selfID, Window: timeout})
	peer, err := browser.Lookup(ctx, name)
	if err != nil {
		return "", err
	}
	logging.Debug("resolved %q to %s", name, peer.Address())
	return peer.Address(), nil
}

// openHistory opens the history database. Transfers still run without it.
func openHistory(cfg *config.DeviceConfig, dataDir string) *storage.Store {
	store, _, err := storage.Open(dataDir, cfg.HistoryOptions())
	if err != nil {
		logging.Warn("transfer history disabled: %v", err)
		return nil
	}
	return store
}

func closeHistory(store *storage.Store) {
	if err := store.Close(); err != nil {
		logging.Warn("history close error: %v", err)
	}
}

// historyStore avoids handing the registry a typed nil interface.
func historyStore(store *storage.Store) registry.Store {
	if store == nil {
		return nil
	}
	return store
}

func logUpdate(update registry.Update) {
	transfer := update.Transfer
	switch update.Event {
	case network.EventConnecting:
		logging.Info("%s transfer %s started", transfer.Direction, shortID(transfer.TransferID))
	case network.EventInProgress:
		logging.Debug("%s %s: %.0f%% (%d/%d items)", shortID(transfer.TransferID), transfer.DeviceName, transfer.Progress*100, transfer.ItemsCompleted, transfer.ItemsTotal)
	case network.EventSucceeded:
		logging.Fields("transfer succeeded", map[string]any{
			"id":     shortID(transfer.TransferID),
			"device": transfer.DeviceName,
			"items":  transfer.ItemsCompleted,
			"size":   formatBytes(uint64(transfer.BytesTransferred)),
		})
	case network.EventCanceled:
		logging.Warn("transfer %s from %s canceled", shortID(transfer.TransferID), transfer.DeviceName)
	case network.EventFailed:
		logging.Error("transfer %s from %s failed: %s", shortID(transfer.TransferID), transfer.DeviceName, transfer.Error)
	}
}

func logDiscoveryEvents(events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventPeerFound:
			logging.Debug("peer %s at %s", event.Peer.DeviceName, event.Peer.Address())
		case discovery.EventPeerLost:
			logging.Debug("peer %s left", event.Peer.DeviceName)
		}
	}
}

func historyRow(transfer models.Transfer) []string {
	started := time.UnixMilli(transfer.StartedAt).Format("02 Jan 15:04:05")
	items := fmt.Sprintf("%d/%d", transfer.ItemsCompleted, transfer.ItemsTotal)
	return []string{
		started,
		transfer.Direction,
		transfer.DeviceName,
		transfer.State,
		items,
		formatBytes(uint64(transfer.BytesTransferred)),
		transfer.Error,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count like "1.5 KiB".
func formatBytes(n uint64) string {
	b := float64(n)
	unitIdx := 0
	for b >= 1024 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}
	if unitIdx == 0 {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%.1f %s", b, byteUnits[unitIdx])
}

// progressReporter renders a session's progress as a pterm progress bar.
type progressReporter struct {
	mu      sync.Mutex
	bar     *pterm.ProgressbarPrinter
	title   string
	current int
}

func newProgressReporter(title string) *progressReporter {
	return &progressReporter{title: title}
}

func (p *progressReporter) HandleEvent(event network.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil {
		bar, err := pterm.DefaultProgressbar.WithTotal(100).WithTitle(p.title).Start()
		if err != nil {
			return
		}
		p.bar = bar
	}
	percent := int(event.Progress * 100)
	if percent > p.current {
		p.bar.Add(percent - p.current)
		p.current = percent
	}
}

func (p *progressReporter) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_, _ = p.bar.Stop()
	}
}
