package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lanxfer/models"
	"lanxfer/network"
	"lanxfer/registry"

	"github.com/gorilla/websocket"
)

func receiverEvent(id string, eventType network.EventType, state network.State, progress float64) network.Event {
	now := time.Now()
	return network.Event{
		SessionID:  id,
		Role:       network.RoleReceiver,
		DeviceName: "laptop",
		Type:       eventType,
		Progress:   progress,
		Time:       now,
		Snapshot: network.SessionSnapshot{
			ID:        id,
			Role:      network.RoleReceiver,
			State:     state,
			StartedAt: now,
		},
	}
}

func newTestMonitor(t *testing.T) (*registry.Registry, *httptest.Server) {
	t.Helper()
	reg := registry.New(registry.Options{})
	mon := New(reg)
	server := httptest.NewServer(mon.Handler())
	t.Cleanup(func() {
		_ = mon.Close()
		server.Close()
		reg.Close()
	})
	return reg, server
}

func TestTransfersEndpointListsRegistry(t *testing.T) {
	reg, server := newTestMonitor(t)
	reg.HandleEvent(receiverEvent("s-1", network.EventConnecting, network.StateTransferHeader, 0))

	resp, err := http.Get(server.URL + "/transfers")
	if err != nil {
		t.Fatalf("GET /transfers failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var transfers []models.Transfer
	if err := json.NewDecoder(resp.Body).Decode(&transfers); err != nil {
		t.Fatalf("decode transfers failed: %v", err)
	}
	if len(transfers) != 1 || transfers[0].TransferID != "s-1" {
		t.Fatalf("unexpected transfers: %+v", transfers)
	}
}

func TestTransfersEndpointIsReadOnly(t *testing.T) {
	_, server := newTestMonitor(t)

	resp, err := http.Post(server.URL+"/transfers", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST /transfers failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestEventsFeedSendsSnapshotThenUpdates(t *testing.T) {
	reg, server := newTestMonitor(t)
	reg.HandleEvent(receiverEvent("existing", network.EventConnecting, network.StateTransferHeader, 0))

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}

	var snapshot Message
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot failed: %v", err)
	}
	if snapshot.Type != MessageSnapshot || len(snapshot.Transfers) != 1 || snapshot.Transfers[0].TransferID != "existing" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	reg.HandleEvent(receiverEvent("existing", network.EventSucceeded, network.StateSucceeded, 1))

	var update Message
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update failed: %v", err)
	}
	if update.Type != MessageUpdate || update.Event != network.EventSucceeded {
		t.Fatalf("unexpected update: %+v", update)
	}
	if update.Transfer == nil || update.Transfer.State != string(network.StateSucceeded) {
		t.Fatalf("unexpected update transfer: %+v", update.Transfer)
	}
}

func TestEventsFeedRejectsForeignOrigin(t *testing.T) {
	_, server := newTestMonitor(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("expected foreign origin to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 response, got %+v", resp)
	}
}

func TestStartRequiresLoopbackAddress(t *testing.T) {
	reg := registry.New(registry.Options{})
	defer reg.Close()

	if _, err := Start("0.0.0.0:0", reg); !errors.Is(err, ErrNotLoopback) {
		t.Fatalf("expected ErrNotLoopback, got %v", err)
	}

	mon, err := Start("127.0.0.1:0", reg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if mon.Addr() == nil {
		t.Fatalf("expected bound address")
	}
	if err := mon.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
