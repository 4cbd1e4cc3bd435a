package models

const (
	// DirectionSend marks an outbound transfer.
	DirectionSend = "send"
	// DirectionReceive marks an inbound transfer.
	DirectionReceive = "receive"
)

// Transfer is the shared record of one transfer session.
type Transfer struct {
	TransferID       string   `json:"transfer_id"`
	Direction        string   `json:"direction"`
	DeviceName       string   `json:"device_name"`
	State            string   `json:"state"`
	Progress         float64  `json:"progress"`
	ItemsTotal       int64    `json:"items_total"`
	ItemsCompleted   int64    `json:"items_completed"`
	BytesTotal       int64    `json:"bytes_total"`
	BytesTransferred int64    `json:"bytes_transferred"`
	Error            string   `json:"error,omitempty"`
	Items            []string `json:"items,omitempty"`
	StartedAt        int64    `json:"started_at"`
	FinishedAt       int64    `json:"finished_at,omitempty"`
	UpdatedAt        int64    `json:"updated_at"`
}

// Finished reports whether the transfer reached a terminal state.
func (t Transfer) Finished() bool {
	return t.FinishedAt != 0
}
