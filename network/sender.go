package network

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"
)

// Item is one file or directory entry of an outbound transfer.
type Item struct {
	SourcePath   string
	RelativePath string
	Directory    bool
	Size         uint64
	ModTime      time.Time
}

// Bundle is the expanded, ordered item list of an outbound transfer.
type Bundle struct {
	Items     []Item
	TotalSize uint64
}

// NewBundle expands paths into transfer items. A directory contributes an
// item for itself followed by its contents; symbolic links and irregular
// files inside directories are skipped.
func NewBundle(paths []string) (*Bundle, error) {
	bundle := &Bundle{}
	for _, source := range paths {
		source = filepath.Clean(source)
		info, err := os.Stat(source)
		if err != nil {
			return nil, &TransferError{Kind: ErrUnableToOpen, Path: source, Err: err}
		}

		name := filepath.Base(source)
		if !info.IsDir() {
			if !info.Mode().IsRegular() {
				return nil, &TransferError{Kind: ErrUnableToOpen, Path: source, Err: fmt.Errorf("not a regular file")}
			}
			bundle.add(Item{
				SourcePath:   source,
				RelativePath: name,
				Size:         uint64(info.Size()),
				ModTime:      info.ModTime(),
			})
			continue
		}

		if err := bundle.addDirectory(source, name); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

func (b *Bundle) addDirectory(root, name string) error {
	return filepath.WalkDir(root, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			return &TransferError{Kind: ErrUnableToOpen, Path: current, Err: err}
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(root, current)
		if err != nil {
			return &TransferError{Kind: ErrUnableToOpen, Path: current, Err: err}
		}
		relativePath := name
		if rel != "." {
			relativePath = path.Join(name, filepath.ToSlash(rel))
		}

		info, err := entry.Info()
		if err != nil {
			return &TransferError{Kind: ErrUnableToOpen, Path: current, Err: err}
		}
		switch {
		case entry.IsDir():
			b.add(Item{SourcePath: current, RelativePath: relativePath, Directory: true, ModTime: info.ModTime()})
		case info.Mode().IsRegular():
			b.add(Item{SourcePath: current, RelativePath: relativePath, Size: uint64(info.Size()), ModTime: info.ModTime()})
		}
		return nil
	})
}

func (b *Bundle) add(item Item) {
	b.Items = append(b.Items, item)
	if !item.Directory {
		b.TotalSize += item.Size
	}
}

// Send streams bundle over an established connection in the sender role and
// returns the running session. The session owns conn from here on.
func Send(ctx context.Context, conn net.Conn, bundle *Bundle, settings Settings, observer Observer) *Session {
	session := newSession(ctx, RoleSender, conn.RemoteAddr().String(), settings, observer)
	session.attach(conn)
	go func() {
		session.emit(EventConnecting, nil)
		session.runSend(bundle)
	}()
	return session
}

func (s *Session) runSend(bundle *Bundle) {
	total := bundle.TotalSize
	header := TransferHeader{
		Name:  s.settings.DeviceName,
		Count: uint64(len(bundle.Items)),
		Size:  &total,
	}
	s.beginTransfer(header, StateTransferHeader)
	if err := s.writeJSON(header); err != nil {
		s.fail(connectionLost(err))
		return
	}
	s.setState(StateItemHeader)

	frame := make([]byte, PacketHeaderSize+s.settings.BufferSize)
	for _, item := range bundle.Items {
		if s.ctx.Err() != nil {
			s.fail(ErrCanceled)
			return
		}
		if err := s.sendItem(item, frame); err != nil {
			s.fail(err)
			return
		}
		s.completeItem(item.RelativePath)
	}

	if err := s.linger(); err != nil {
		s.fail(connectionLost(err))
		return
	}
	s.finish(StateSucceeded, nil)
}

// sendItem writes the item header and, for files, exactly the declared
// number of content bytes. The source file is closed before returning.
func (s *Session) sendItem(item Item, frame []byte) error {
	header := ItemHeader{Path: item.RelativePath, Directory: item.Directory}
	if !item.ModTime.IsZero() {
		modified := item.ModTime.UnixMilli()
		header.LastModified = &modified
	}
	if item.Directory {
		if err := s.writeJSON(header); err != nil {
			return connectionLost(err)
		}
		return nil
	}

	file, err := os.Open(item.SourcePath)
	if err != nil {
		return &TransferError{Kind: ErrUnableToOpen, Path: item.SourcePath, Err: err}
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return &TransferError{Kind: ErrUnableToRead, Path: item.SourcePath, Err: err}
	}
	size := uint64(info.Size())
	header.Size = &size

	if err := s.writeJSON(header); err != nil {
		return connectionLost(err)
	}
	s.beginItem(item.RelativePath, size)

	chunkLimit := uint64(len(frame) - PacketHeaderSize)
	for remaining := size; remaining > 0; {
		if s.ctx.Err() != nil {
			return ErrCanceled
		}
		n := min(chunkLimit, remaining)
		chunk := frame[PacketHeaderSize : PacketHeaderSize+n]
		if _, err := io.ReadFull(file, chunk); err != nil {
			return &TransferError{Kind: ErrUnableToRead, Path: item.SourcePath, Err: err}
		}
		if err := s.writeChunk(frame[:PacketHeaderSize+n]); err != nil {
			return connectionLost(err)
		}
		remaining -= n
		s.advance(n)
	}
	return nil
}

// writeChunk writes frame, whose payload follows a reserved length prefix, as
// one binary packet. Payloads that would decode as JSON are split in two.
func (s *Session) writeChunk(frame []byte) error {
	content := frame[PacketHeaderSize:]
	if isJSONObject(content) {
		for _, part := range splitAmbiguousChunk(content) {
			if err := s.writePacket(part); err != nil {
				return err
			}
		}
		return nil
	}

	binary.BigEndian.PutUint32(frame[:PacketHeaderSize], uint32(len(content)))
	if err := s.setWriteDeadline(); err != nil {
		return err
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// linger waits, bounded by the timeout, for the receiver to close its side
// after the last item. Receivers never send data, so any inbound byte or a
// reset means the transfer was not accepted.
func (s *Session) linger() error {
	if s.settings.Timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.settings.Timeout)); err != nil {
			return err
		}
	}
	n, err := io.Copy(io.Discard, s.conn)
	var netErr net.Error
	switch {
	case n > 0:
		return fmt.Errorf("receiver sent %d unexpected bytes", n)
	case err == nil:
		return nil
	case errors.As(err, &netErr) && netErr.Timeout():
		return nil
	default:
		return err
	}
}
