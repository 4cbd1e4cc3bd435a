package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const partSuffix = ".part"

// reserved holds the final paths of files being received, so concurrent
// sessions never pick the same name.
var reserved = struct {
	mu    sync.Mutex
	paths map[string]int
}{paths: make(map[string]int)}

var errPathEscapesRoot = errors.New("path escapes destination directory")

// extensionPattern splits a file name into base and extension, keeping a
// ".tar" double extension together.
var extensionPattern = regexp.MustCompile(`^(.*?)((?:\.tar)?\.[^/\\]*)?$`)

// Receive consumes one transfer from an established connection into
// settings.Directory and returns the running session. The session owns conn
// from here on.
func Receive(ctx context.Context, conn net.Conn, settings Settings, observer Observer) *Session {
	session := newSession(ctx, RoleReceiver, conn.RemoteAddr().String(), settings, observer)
	session.attach(conn)
	go session.runReceive()
	return session
}

type receiver struct {
	session   *Session
	root      string
	overwrite bool

	file      *os.File
	partPath  string
	finalPath string
	relPath   string
	modified  *int64
	holding   bool
}

func (s *Session) runReceive() {
	s.emit(EventConnecting, nil)
	s.setState(StateTransferHeader)

	rx := &receiver{
		session:   s,
		root:      s.settings.Directory,
		overwrite: s.settings.Overwrite,
	}
	defer rx.discard()

	for {
		if s.ctx.Err() != nil {
			s.fail(ErrCanceled)
			return
		}
		packet, err := s.readPacket()
		if err != nil {
			s.fail(readFailure(err))
			return
		}
		complete, err := rx.handlePacket(packet)
		if err != nil {
			s.fail(err)
			return
		}
		if complete {
			s.finish(StateSucceeded, nil)
			return
		}
	}
}

// handlePacket applies one packet to the receiver state machine and reports
// whether every declared item has been received.
func (rx *receiver) handlePacket(packet Packet) (bool, error) {
	switch rx.session.State() {
	case StateTransferHeader:
		switch packet.Kind {
		case PacketJSON:
			return rx.beginTransfer(packet.Object)
		default:
			return false, ErrUnexpectedPacket
		}
	case StateItemHeader:
		switch packet.Kind {
		case PacketJSON:
			return rx.openItem(packet.Object)
		default:
			return false, ErrBinaryBeforeItemHeader
		}
	case StateItemContent:
		switch packet.Kind {
		case PacketBinary:
			return rx.writeContent(packet.Data)
		default:
			return false, &TransferError{Kind: ErrItemHeaderBeforePreviousContents, Path: rx.relPath}
		}
	default:
		return false, ErrUnexpectedPacket
	}
}

func (rx *receiver) beginTransfer(object map[string]json.RawMessage) (bool, error) {
	header, err := DecodeTransferHeader(object)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(rx.root, 0o755); err != nil {
		return false, &TransferError{Kind: ErrUnableToCreate, Path: rx.root, Err: err}
	}
	rx.session.beginTransfer(header, StateItemHeader)
	return header.Count == 0, nil
}

func (rx *receiver) openItem(object map[string]json.RawMessage) (bool, error) {
	header, err := DecodeItemHeader(object)
	if err != nil {
		return false, err
	}

	target, err := safeJoin(rx.root, header.Path)
	if err != nil {
		return false, &TransferError{Kind: ErrUnableToCreate, Path: header.Path, Err: err}
	}

	if header.Directory {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return false, &TransferError{Kind: ErrUnableToCreate, Path: header.Path, Err: err}
		}
		applyModTime(target, header.LastModified)
		return rx.session.completeItem(header.Path), nil
	}

	if header.Size == nil {
		return false, &TransferError{Kind: ErrFileSizeMissing, Path: header.Path}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, &TransferError{Kind: ErrUnableToCreate, Path: header.Path, Err: err}
	}
	target = reserveTarget(target, rx.overwrite)
	rx.finalPath = target
	rx.holding = true

	partPath := target + "." + rx.session.id[:8] + partSuffix
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		rx.release()
		return false, &TransferError{Kind: ErrUnableToCreate, Path: header.Path, Err: err}
	}
	rx.file = file
	rx.partPath = partPath
	rx.relPath = header.Path
	rx.modified = header.LastModified

	if *header.Size == 0 {
		return rx.completeFile()
	}
	rx.session.beginItem(header.Path, *header.Size)
	return false, nil
}

// writeContent appends a chunk to the open file. A chunk larger than the
// bytes still owed is rejected whole; nothing of it is written.
func (rx *receiver) writeContent(chunk []byte) (bool, error) {
	remaining := rx.session.remaining()
	if uint64(len(chunk)) > remaining {
		return false, &TransferError{
			Kind: ErrBinaryExceedsDeclaredSize,
			Path: rx.relPath,
			Err:  fmt.Errorf("chunk of %d bytes with %d remaining", len(chunk), remaining),
		}
	}
	if _, err := rx.file.Write(chunk); err != nil {
		return false, &TransferError{Kind: ErrUnableToCreate, Path: rx.relPath, Err: err}
	}
	rx.session.advance(uint64(len(chunk)))

	if remaining == uint64(len(chunk)) {
		return rx.completeFile()
	}
	return false, nil
}

func (rx *receiver) completeFile() (bool, error) {
	defer rx.release()
	file := rx.file
	rx.file = nil
	if err := file.Close(); err != nil {
		_ = os.Remove(rx.partPath)
		return false, &TransferError{Kind: ErrUnableToCreate, Path: rx.relPath, Err: err}
	}
	if err := os.Rename(rx.partPath, rx.finalPath); err != nil {
		_ = os.Remove(rx.partPath)
		return false, &TransferError{Kind: ErrUnableToCreate, Path: rx.relPath, Err: err}
	}
	applyModTime(rx.finalPath, rx.modified)
	return rx.session.completeItem(rx.relPath), nil
}

// discard removes the part file of an unfinished item.
func (rx *receiver) discard() {
	defer rx.release()
	if rx.file == nil {
		return
	}
	_ = rx.file.Close()
	_ = os.Remove(rx.partPath)
	rx.file = nil
}

func (rx *receiver) release() {
	if !rx.holding {
		return
	}
	rx.holding = false
	releaseTarget(rx.finalPath)
}

// reserveTarget picks the final path for an incoming file and holds it until
// releaseTarget. Without overwrite, paths held by other sessions are skipped
// like paths already on disk.
func reserveTarget(target string, overwrite bool) string {
	reserved.mu.Lock()
	defer reserved.mu.Unlock()
	if !overwrite {
		target = uniquePath(target, func(path string) bool {
			return reserved.paths[path] > 0
		})
	}
	reserved.paths[target]++
	return target
}

func releaseTarget(target string) {
	reserved.mu.Lock()
	defer reserved.mu.Unlock()
	if reserved.paths[target] <= 1 {
		delete(reserved.paths, target)
		return
	}
	reserved.paths[target]--
}

// safeJoin resolves a slash-separated item path below root, rejecting
// absolute paths and any path that would leave root, directly or through a
// symlink.
func safeJoin(root, itemPath string) (string, error) {
	if itemPath == "" || strings.ContainsRune(itemPath, 0) {
		return "", fmt.Errorf("invalid item path %q", itemPath)
	}
	normalized := strings.ReplaceAll(itemPath, `\`, "/")
	if strings.HasPrefix(normalized, "/") || filepath.IsAbs(itemPath) || filepath.VolumeName(itemPath) != "" {
		return "", fmt.Errorf("absolute item path %q", itemPath)
	}
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return "", errPathEscapesRoot
		}
	}

	cleanRoot := filepath.Clean(root)
	joined := filepath.Join(cleanRoot, filepath.FromSlash(normalized))
	if !within(cleanRoot, joined) {
		return "", errPathEscapesRoot
	}

	// Symlinks already under root must not lead out of it.
	realRoot, err := resolveExisting(cleanRoot)
	if err != nil {
		return "", err
	}
	realTarget, err := resolveExisting(joined)
	if err != nil {
		return "", err
	}
	if !within(realRoot, realTarget) {
		return "", errPathEscapesRoot
	}
	return joined, nil
}

// within reports whether path lies strictly below root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExisting evaluates symlinks in the longest existing prefix of path
// and appends the rest unchanged.
func resolveExisting(path string) (string, error) {
	var rest []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		rest = append([]string{filepath.Base(current)}, rest...)
		current = parent
	}
}

// uniquePath returns target, or the first "name-N.ext" variant (N >= 2)
// that is free. A path is taken when it exists, when a part file for it
// exists, or when held reports it.
func uniquePath(target string, held func(string) bool) string {
	dir, name := filepath.Split(target)
	parts := partFiles(dir)
	taken := func(path string) bool {
		if held != nil && held(path) {
			return true
		}
		if parts[filepath.Base(path)] {
			return true
		}
		_, err := os.Lstat(path)
		return !errors.Is(err, os.ErrNotExist)
	}
	if !taken(target) {
		return target
	}

	base, ext := name, ""
	if match := extensionPattern.FindStringSubmatch(name); match != nil && match[1] != "" {
		base, ext = match[1], match[2]
	}

	for n := 2; ; n++ {
		candidate := filepath.Join(dir, base+"-"+strconv.Itoa(n)+ext)
		if !taken(candidate) {
			return candidate
		}
	}
}

// partFiles returns the final names that part files in dir belong to.
func partFiles(dir string) map[string]bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make(map[string]bool)
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), partSuffix)
		if !ok {
			continue
		}
		names[name] = true
		// <final>.<session>.part
		if i := strings.LastIndexByte(name, '.'); i > 0 {
			names[name[:i]] = true
		}
	}
	return names
}

func applyModTime(target string, modified *int64) {
	if modified == nil {
		return
	}
	at := time.UnixMilli(*modified)
	_ = os.Chtimes(target, at, at)
}
