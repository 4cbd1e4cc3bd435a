package network

import (
	"errors"
	"fmt"
	"strconv"
)

// Framing errors.
var (
	// ErrEmptyPacket indicates a zero-length packet.
	ErrEmptyPacket = errors.New("network: empty packet")
	// ErrPacketTooLarge indicates a length prefix above MaxPacketSize.
	ErrPacketTooLarge = errors.New("network: packet exceeds max size")
	// ErrUnrecognizedPacket indicates a JSON packet that is not a known message shape.
	ErrUnrecognizedPacket = errors.New("network: unrecognized packet")
	// ErrUnexpectedPacket indicates a packet kind that is invalid for the current state.
	ErrUnexpectedPacket = errors.New("network: unexpected packet")
	// ErrCannotReadHeader indicates a transfer header without a usable item count.
	ErrCannotReadHeader = errors.New("network: unable to read transfer header")
)

// Ordering errors.
var (
	ErrBinaryBeforeItemHeader           = errors.New("network: binary packet received before item header")
	ErrItemHeaderBeforePreviousContents = errors.New("network: item header received before previous file contents")
	ErrBinaryExceedsDeclaredSize        = errors.New("network: binary packet exceeds declared size")
	ErrFileSizeMissing                  = errors.New("network: file size is missing from item header")
)

// I/O errors.
var (
	ErrUnableToOpen   = errors.New("network: unable to open")
	ErrUnableToRead   = errors.New("network: unable to read")
	ErrUnableToCreate = errors.New("network: unable to create")
	ErrConnectionLost = errors.New("network: connection lost")
)

var (
	// ErrUnableToListen indicates the transfer port could not be bound.
	ErrUnableToListen = errors.New("network: unable to listen")
	// ErrHandshakeFailed indicates a TLS handshake or peer verification failure.
	ErrHandshakeFailed = errors.New("network: tls handshake failed")
	// ErrCanceled is the terminal error of a canceled session.
	ErrCanceled = errors.New("network: transfer canceled")
)

// TransferError annotates a session failure kind with the affected path and
// the underlying cause. errors.Is matches both Kind and Err.
type TransferError struct {
	Kind error
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	msg := e.Kind.Error()
	if e.Path != "" {
		msg += " " + strconv.Quote(e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ListenError reports a listener bind failure.
type ListenError struct {
	Port int
	Err  error
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("%v on port %d: %v", ErrUnableToListen, e.Port, e.Err)
}

func (e *ListenError) Unwrap() []error {
	return []error{ErrUnableToListen, e.Err}
}

func connectionLost(err error) error {
	return &TransferError{Kind: ErrConnectionLost, Err: err}
}
