package network

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// PacketHeaderSize is the length prefix size in bytes.
	PacketHeaderSize = 4
	// MaxPacketSize bounds a single packet payload (64 MiB).
	MaxPacketSize = 64 * 1024 * 1024
	// UnknownDeviceName is displayed when a transfer header carries no usable name.
	UnknownDeviceName = "[Unknown]"
)

// PacketKind discriminates JSON packets from binary packets.
type PacketKind int

const (
	PacketJSON PacketKind = iota + 1
	PacketBinary
)

func (k PacketKind) String() string {
	switch k {
	case PacketJSON:
		return "json"
	case PacketBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Packet is one decoded frame.
//
// JSON packets carry the decoded top-level object in Object; binary packets
// carry their raw bytes in Data. Payload is always the raw frame body.
type Packet struct {
	Kind    PacketKind
	Object  map[string]json.RawMessage
	Data    []byte
	Payload []byte
}

// TransferHeader is the first packet of every transfer.
type TransferHeader struct {
	Name  string  `json:"name"`
	Count uint64  `json:"count"`
	Size  *uint64 `json:"size,omitempty"`
}

// ItemHeader precedes each file or directory entry.
type ItemHeader struct {
	Path         string  `json:"path"`
	Directory    bool    `json:"directory"`
	Size         *uint64 `json:"size,omitempty"`
	LastModified *int64  `json:"last_modified,omitempty"`
}

// EncodePacket returns the full frame (length prefix and payload) for payload.
func EncodePacket(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPacket
	}
	if len(payload) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	frame := make([]byte, PacketHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:PacketHeaderSize], uint32(len(payload)))
	copy(frame[PacketHeaderSize:], payload)
	return frame, nil
}

// WritePacket writes one length-prefixed packet with a single Write call.
func WritePacket(w io.Writer, payload []byte) error {
	frame, err := EncodePacket(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// WriteJSONPacket marshals message and writes it as one packet.
func WriteJSONPacket(w io.Writer, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}
	return WritePacket(w, payload)
}

// ReadPacket reads exactly one packet from r.
//
// io.EOF is returned unwrapped when the stream ends cleanly before a length
// prefix; a stream ending inside a packet yields io.ErrUnexpectedEOF.
func ReadPacket(r io.Reader) (Packet, error) {
	header := make([]byte, PacketHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return Packet{}, io.EOF
		}
		return Packet{}, fmt.Errorf("read packet length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return Packet{}, ErrEmptyPacket
	}
	if length > MaxPacketSize {
		return Packet{}, ErrPacketTooLarge
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, fmt.Errorf("read packet payload: %w", err)
	}

	return DecodePacket(payload), nil
}

// DecodePacket classifies a complete payload. A payload that is valid UTF-8
// encoding a JSON object is a JSON packet; anything else is binary.
func DecodePacket(payload []byte) Packet {
	if isJSONObject(payload) {
		var object map[string]json.RawMessage
		if err := json.Unmarshal(payload, &object); err == nil && object != nil {
			return Packet{Kind: PacketJSON, Object: object, Payload: payload}
		}
	}
	return Packet{Kind: PacketBinary, Data: payload, Payload: payload}
}

// DecodeTransferHeader extracts a transfer header from a JSON packet object.
// The count is mandatory; an absent or non-string name falls back to
// UnknownDeviceName.
func DecodeTransferHeader(object map[string]json.RawMessage) (TransferHeader, error) {
	header := TransferHeader{Name: UnknownDeviceName}

	rawCount, ok := object["count"]
	if !ok {
		return TransferHeader{}, ErrCannotReadHeader
	}
	if err := json.Unmarshal(rawCount, &header.Count); err != nil {
		return TransferHeader{}, fmt.Errorf("%w: count: %v", ErrCannotReadHeader, err)
	}

	if rawSize, ok := object["size"]; ok {
		var size uint64
		if err := json.Unmarshal(rawSize, &size); err != nil {
			return TransferHeader{}, fmt.Errorf("%w: size: %v", ErrCannotReadHeader, err)
		}
		header.Size = &size
	}

	if rawName, ok := object["name"]; ok {
		var name string
		if err := json.Unmarshal(rawName, &name); err == nil && name != "" {
			header.Name = name
		}
	}

	return header, nil
}

// DecodeItemHeader extracts an item header from a JSON packet object.
// A missing size is not an error here; callers decide whether the item needs one.
func DecodeItemHeader(object map[string]json.RawMessage) (ItemHeader, error) {
	var header ItemHeader

	rawPath, ok := object["path"]
	if !ok {
		return ItemHeader{}, fmt.Errorf("%w: item header without path", ErrUnrecognizedPacket)
	}
	if err := json.Unmarshal(rawPath, &header.Path); err != nil || header.Path == "" {
		return ItemHeader{}, fmt.Errorf("%w: invalid item path", ErrUnrecognizedPacket)
	}

	rawDirectory, ok := object["directory"]
	if !ok {
		return ItemHeader{}, fmt.Errorf("%w: item header without directory flag", ErrUnrecognizedPacket)
	}
	if err := json.Unmarshal(rawDirectory, &header.Directory); err != nil {
		return ItemHeader{}, fmt.Errorf("%w: invalid directory flag", ErrUnrecognizedPacket)
	}

	if rawSize, ok := object["size"]; ok && !bytes.Equal(bytes.TrimSpace(rawSize), []byte("null")) {
		var size uint64
		if err := json.Unmarshal(rawSize, &size); err != nil {
			return ItemHeader{}, fmt.Errorf("%w: invalid item size", ErrUnrecognizedPacket)
		}
		header.Size = &size
	}

	if rawModified, ok := object["last_modified"]; ok {
		var modified int64
		if err := json.Unmarshal(rawModified, &modified); err == nil {
			header.LastModified = &modified
		}
	}

	return header, nil
}

func isJSONObject(payload []byte) bool {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return false
	}
	return utf8.Valid(payload) && json.Valid(payload)
}

// splitAmbiguousChunk returns content as one or two binary payloads such that
// neither decodes as a JSON packet. Splitting right after the first '{' leaves
// a head that is not valid JSON and a tail that starts with '"' or '}'.
func splitAmbiguousChunk(content []byte) [][]byte {
	if !isJSONObject(content) {
		return [][]byte{content}
	}
	cut := bytes.IndexByte(content, '{') + 1
	return [][]byte{content[:cut], content[cut:]}
}
