package storage

import (
	"testing"

	"lanxfer/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, Options{})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func sampleTransfer(id string, startedAt int64) models.Transfer {
	return models.Transfer{
		TransferID: id,
		Direction:  models.DirectionReceive,
		DeviceName: "laptop",
		State:      "awaiting_item_header",
		ItemsTotal: 2,
		BytesTotal: 4096,
		StartedAt:  startedAt,
		UpdatedAt:  startedAt,
	}
}
