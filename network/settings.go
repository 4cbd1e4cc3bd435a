package network

import (
	"crypto/tls"
	"time"
)

const (
	DefaultBufferSize = 64 * 1024
	DefaultTimeout    = 30 * time.Second
)

// Settings is the resolved configuration snapshot a session or listener is
// created with. Sessions never observe later changes.
type Settings struct {
	// DeviceName is announced to receivers in the transfer header.
	DeviceName string
	// BufferSize is the maximum binary chunk size in bytes.
	BufferSize int
	// Timeout is the per-packet read and write deadline.
	Timeout time.Duration
	// Directory is the receive destination root.
	Directory string
	// Overwrite replaces existing files instead of picking a unique name.
	Overwrite bool
	// TLS enables TLS on both the listener and outbound connections when
	// non-nil. It must not be mutated after use.
	TLS *tls.Config
}

func (s Settings) withDefaults() Settings {
	out := s
	if out.DeviceName == "" {
		out.DeviceName = UnknownDeviceName
	}
	if out.BufferSize <= 0 {
		out.BufferSize = DefaultBufferSize
	}
	if out.BufferSize > MaxPacketSize {
		out.BufferSize = MaxPacketSize
	}
	if out.Timeout == 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Directory == "" {
		out.Directory = "."
	}
	return out
}
