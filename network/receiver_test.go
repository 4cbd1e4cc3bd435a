package network

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReceiveSingleFile(t *testing.T) {
	dir := t.TempDir()
	session := receiveScript(t, Settings{Directory: dir},
		jsonFrame(t, map[string]any{"name": "alice", "count": 1}),
		jsonFrame(t, map[string]any{"path": "a.txt", "directory": false, "size": 5}),
		binaryFrame(t, "hello"),
	)

	if session.State() != StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", session.State(), session.Err())
	}
	assertFileContent(t, filepath.Join(dir, "a.txt"), "hello")
	assertNoPartFiles(t, dir)
	if session.DeviceName() != "alice" {
		t.Fatalf("expected device name alice, got %q", session.DeviceName())
	}
	if items := session.Items(); len(items) != 1 || items[0] != "a.txt" {
		t.Fatalf("unexpected items: %v", items)
	}
	if session.Progress() != 1 {
		t.Fatalf("expected full progress, got %v", session.Progress())
	}
}

func TestReceiveMultipleChunks(t *testing.T) {
	dir := t.TempDir()
	session := receiveScript(t, Settings{Directory: dir},
		jsonFrame(t, map[string]any{"name": "alice", "count": 1, "size": 11}),
		jsonFrame(t, map[string]any{"path": "greeting.txt", "directory": false, "size": 11}),
		binaryFrame(t, "hel"),
		binaryFrame(t, "lo wo"),
		binaryFrame(t, "rld"),
	)

	if session.State() != StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", session.State(), session.Err())
	}
	assertFileContent(t, filepath.Join(dir, "greeting.txt"), "hello world")
	if snapshot := session.Snapshot(); snapshot.BytesTransferred != 11 || snapshot.BytesTotal != 11 {
		t.Fatalf("unexpected byte counters: %+v", snapshot)
	}
}

func TestReceiveRejectsChunkBeyondDeclaredSize(t *testing.T) {
	dir := t.TempDir()
	session := receiveScript(t, Settings{Directory: dir},
		jsonFrame(t, map[string]any{"name": "alice", "count": 1}),
		jsonFrame(t, map[string]any{"path": "a.txt", "directory": false, "size": 5}),
		binaryFrame(t, "hello world"),
	)

	assertFailed(t, session, ErrBinaryExceedsDeclaredSize)
	assertNotExist(t, filepath.Join(dir, "a.txt"))
	assertNoPartFiles(t, dir)
}

func TestReceiveRejectsOverflowAcrossChunks(t *testing.T) {
	dir := t.TempDir()
	session := receiveScript(t, Settings{Directory: dir},
		jsonFrame(t, map[string]any{"name": "alice", "count": 2}),
		jsonFrame(t, map[string]any{"path": "a.txt", "directory": false, "size": 5}),
		binaryFrame(t, "hel"),
		binaryFrame(t, "lo!"),
	)

	assertFailed(t, session, ErrBinaryExceedsDeclaredSize)
	if got := session.Snapshot().BytesTransferred; got != 3 {
		t.Fatalf("expected 3 bytes accepted before the overflow, got %d", got)
	}
	assertNoPartFiles(t, dir)
}

func TestReceiveDirectoryAndEmptyFile(t *testing.T) {
	dir := t.TempDir()
	session := receiveScript(t, Settings{Directory: dir},
		jsonFrame(t, map[string]any{"name": "alice", "count": 2}),
		jsonFrame(t, map[string]any{"path": "dir", "directory": true}),
		jsonFrame(t, map[string]any{"path": "dir/a.txt", "directory": false, "size": 0}),
	)

	if session.State() != StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", session.State(), session.Err())
	}
	info, err := os.Stat(filepath.Join(dir, "dir"))
	if err != nil {
		t.Fatalf("Stat dir failed: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected dir to be a directory")
	}
	assertFileContent(t, filepath.Join(dir, "dir", "a.txt"), "")
	if items := session.Items(); len(items) != 2 || items[0] != "dir" || items[1] != "dir/a.txt" {
		t.Fatalf("unexpected items: %v", items)
	}
}

func TestReceiveEmptyTransferSucceeds(t *testing.T) {
	session := receiveScript(t, Settings{Directory: t.TempDir()},
		jsonFrame(t, map[string]any{"name": "alice", "count": 0}),
	)
	if session.State() != StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", session.State(), session.Err())
	}
}

func TestReceiveEmptyPacketFailsInEveryState(t *testing.T) {
	empty := []byte{0, 0, 0, 0}
	tests := []struct {
		name   string
		frames func(t *testing.T) [][]byte
	}{
		{
			name: "awaiting transfer header",
			frames: func(t *testing.T) [][]byte {
				return [][]byte{empty}
			},
		},
		{
			name: "awaiting item header",
			frames: func(t *testing.T) [][]byte {
				return [][]byte{
					jsonFrame(t, map[string]any{"name": "alice", "count": 1}),
					empty,
				}
			},
		},
		{
			name: "receiving content",
			frames: func(t *testing.T) [][]byte {
				return [][]byte{
					jsonFrame(t, map[string]any{"name": "alice", "count": 1}),
					jsonFrame(t, map[string]any{"path": "a.txt", "directory": false, "size": 5}),
					binaryFrame(t, "he"),
					empty,
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			session := receiveScript(t, Settings{Directory: t.TempDir()}, tc.frames(t)...)
			assertFailed(t, session, ErrEmptyPacket)
		})
	}
}

func TestReceiveBinaryBeforeItemHeader(t *testing.T) {
	session := receiveScript(t, Settings{Directory: t.TempDir()},
		jsonFrame(t, map[string]any{"name": "alice", "count": 1}),
		binaryFrame(t, "hello"),
	)
	assertFailed(t, session, ErrBinaryBeforeItemHeader)
}

func TestReceiveBinaryBeforeTransferHeader(t *testing.T) {
	session := receiveScript(t, Settings{Directory: t.TempDir()},
		binaryFrame(t, "hello"),
	)
	assertFailed(t, session, ErrUnexpectedPacket)
}

func TestReceiveTransferHeaderWithoutCount(t *testing.T) {
	session := receiveScript(t, Settings{Directory: t.TempDir()},
		jsonFrame(t, map[string]any{"name": "alice"}),
	)
	assertFailed(t, session, ErrCannotReadHeader)
}

func TestReceiveItemHeaderBeforePreviousContents(t *testing.T) {
	session := receiveScript(t, Settings{Directory: t.TempDir()},
		jsonFrame(t, map[string]any{"name": "alice", "count": 2}),
		jsonFrame(t, map[string]any{"path": "a.txt", "directory": false, "size": 5}),
		binaryFrame(t, "he"),
		jsonFrame(t, map[string]any{"path": "b.txt", "directory": false, "size": 1}),
	)
	assertFailed(t, session, ErrItemHeaderBeforePreviousContents)
}

func TestReceiveFileWithoutSize(t *testing.T) {
	dir := t.TempDir()
	session := receiveScript(t, Settings{Directory: dir},
		jsonFrame(t, map[string]any{"name": "alice", "count": 1}),
		jsonFrame(t, map[string]any{"path": "a.txt", "directory": false}),
		binaryFrame(t, "hello"),
	)
	assertFailed(t, session, ErrFileSizeMissing)
	assertNotExist(t, filepath.Join(dir, "a.txt"))
}

func TestReceiveUnrecognizedItemHeader(t *testing.T) {
	session := receiveScript(t, Settings{Directory: t.TempDir()},
		jsonFrame(t, map[string]any{"name": "alice", "count": 1}),
		jsonFrame(t, map[string]any{"file": "a.txt"}),
	)
	assertFailed(t, session, ErrUnrecognizedPacket)
}

func TestReceiveRejectsPathTraversal(t *testing.T) {
	for _, itemPath := range []string{"../evil.txt", "dir/../../evil.txt", "/etc/evil.txt", `..\evil.txt`} {
		t.Run(itemPath, func(t *testing.T) {
			parent := t.TempDir()
			dir := filepath.Join(parent, "inbox")
			session := receiveScript(t, Settings{Directory: dir},
				jsonFrame(t, map[string]any{"name": "mallory", "count": 1}),
				jsonFrame(t, map[string]any{"path": itemPath, "directory": false, "size": 4}),
				binaryFrame(t, "evil"),
			)
			assertFailed(t, session, ErrUnableToCreate)
			assertNotExist(t, filepath.Join(parent, "evil.txt"))
		})
	}
}

func TestReceiveConnectionDropMidItem(t *testing.T) {
	dir := t.TempDir()
	session := receiveScript(t, Settings{Directory: dir},
		jsonFrame(t, map[string]any{"name": "alice", "count": 1}),
		jsonFrame(t, map[string]any{"path": "a.txt", "directory": false, "size": 10}),
		binaryFrame(t, "hello"),
	)
	assertFailed(t, session, ErrConnectionLost)
	assertNotExist(t, filepath.Join(dir, "a.txt"))
	assertNoPartFiles(t, dir)
}

func TestReceiveKeepsExistingFilesUnlessOverwriting(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "original")
	writeFile(t, filepath.Join(dir, "archive.tar.gz"), "original")

	frames := func() [][]byte {
		return [][]byte{
			jsonFrame(t, map[string]any{"name": "alice", "count": 2}),
			jsonFrame(t, map[string]any{"path": "a.txt", "directory": false, "size": 3}),
			binaryFrame(t, "new"),
			jsonFrame(t, map[string]any{"path": "archive.tar.gz", "directory": false, "size": 3}),
			binaryFrame(t, "new"),
		}
	}

	session := receiveScript(t, Settings{Directory: dir}, frames()...)
	if session.State() != StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", session.State(), session.Err())
	}
	assertFileContent(t, filepath.Join(dir, "a.txt"), "original")
	assertFileContent(t, filepath.Join(dir, "a-2.txt"), "new")
	assertFileContent(t, filepath.Join(dir, "archive-2.tar.gz"), "new")

	session = receiveScript(t, Settings{Directory: dir, Overwrite: true}, frames()...)
	if session.State() != StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", session.State(), session.Err())
	}
	assertFileContent(t, filepath.Join(dir, "a.txt"), "new")
	assertNotExist(t, filepath.Join(dir, "a-3.txt"))
}

func TestReceiveMergesExistingDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "photos", "old.jpg"), "old")

	session := receiveScript(t, Settings{Directory: dir},
		jsonFrame(t, map[string]any{"name": "alice", "count": 2}),
		jsonFrame(t, map[string]any{"path": "photos", "directory": true}),
		jsonFrame(t, map[string]any{"path": "photos/new.jpg", "directory": false, "size": 3}),
		binaryFrame(t, "new"),
	)
	if session.State() != StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", session.State(), session.Err())
	}
	assertFileContent(t, filepath.Join(dir, "photos", "old.jpg"), "old")
	assertFileContent(t, filepath.Join(dir, "photos", "new.jpg"), "new")
}

func TestReceiveAppliesLastModified(t *testing.T) {
	dir := t.TempDir()
	modified := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	session := receiveScript(t, Settings{Directory: dir},
		jsonFrame(t, map[string]any{"name": "alice", "count": 1}),
		jsonFrame(t, map[string]any{"path": "a.txt", "directory": false, "size": 1, "last_modified": modified.UnixMilli()}),
		binaryFrame(t, "x"),
	)
	if session.State() != StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", session.State(), session.Err())
	}
	info, err := os.Stat(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.ModTime().Equal(modified) {
		t.Fatalf("mod time = %v, want %v", info.ModTime(), modified)
	}
}

func TestReceiveUnknownDeviceName(t *testing.T) {
	session := receiveScript(t, Settings{Directory: t.TempDir()},
		jsonFrame(t, map[string]any{"count": 0}),
	)
	if session.DeviceName() != UnknownDeviceName {
		t.Fatalf("expected %q, got %q", UnknownDeviceName, session.DeviceName())
	}
}

func TestReceiveCancel(t *testing.T) {
	client, server := net.Pipe()
	defer func() {
		_ = client.Close()
	}()

	var events eventLog
	session := Receive(context.Background(), server, Settings{Directory: t.TempDir()}, &events)
	session.Cancel()
	waitForSession(t, session)

	if session.State() != StateCanceled {
		t.Fatalf("expected canceled, got %s", session.State())
	}
	if !errors.Is(session.Err(), ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", session.Err())
	}
	if last := events.last(); last.Type != EventCanceled {
		t.Fatalf("expected final canceled event, got %+v", last)
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		path string
		ok   bool
	}{
		{path: "a.txt", ok: true},
		{path: "dir/sub/a.txt", ok: true},
		{path: "./a.txt", ok: true},
		{path: "", ok: false},
		{path: ".", ok: false},
		{path: "..", ok: false},
		{path: "../a.txt", ok: false},
		{path: "dir/../../a.txt", ok: false},
		{path: "/abs.txt", ok: false},
		{path: `\abs.txt`, ok: false},
	}

	for _, tc := range tests {
		got, err := safeJoin(root, tc.path)
		if tc.ok && err != nil {
			t.Fatalf("safeJoin(%q) failed: %v", tc.path, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("safeJoin(%q) = %q, expected rejection", tc.path, got)
		}
	}
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		existing []string
		name     string
		want     string
	}{
		{name: "free.txt", want: "free.txt"},
		{existing: []string{"a.txt"}, name: "a.txt", want: "a-2.txt"},
		{existing: []string{"b.txt", "b-2.txt"}, name: "b.txt", want: "b-3.txt"},
		{existing: []string{"c.tar.gz"}, name: "c.tar.gz", want: "c-2.tar.gz"},
		{existing: []string{"README"}, name: "README", want: "README-2"},
		{existing: []string{".profile"}, name: ".profile", want: ".profile-2"},
		{existing: []string{"d.txt.0f3a9c1e.part"}, name: "d.txt", want: "d-2.txt"},
		{existing: []string{"e.txt.part"}, name: "e.txt", want: "e-2.txt"},
	}

	for _, tc := range tests {
		for _, name := range tc.existing {
			writeFile(t, filepath.Join(dir, name), "x")
		}
		if got := uniquePath(filepath.Join(dir, tc.name), nil); got != filepath.Join(dir, tc.want) {
			t.Fatalf("uniquePath(%q) = %q, want %q", tc.name, filepath.Base(got), tc.want)
		}
	}
}

func TestUniquePathSkipsHeldNames(t *testing.T) {
	dir := t.TempDir()
	held := map[string]bool{
		filepath.Join(dir, "f.txt"):   true,
		filepath.Join(dir, "f-2.txt"): true,
	}
	got := uniquePath(filepath.Join(dir, "f.txt"), func(path string) bool { return held[path] })
	if got != filepath.Join(dir, "f-3.txt") {
		t.Fatalf("uniquePath = %q, want f-3.txt", filepath.Base(got))
	}
}

func TestReserveTargetHoldsUntilReleased(t *testing.T) {
	target := filepath.Join(t.TempDir(), "g.txt")

	first := reserveTarget(target, false)
	second := reserveTarget(target, false)
	if first != target || second != filepath.Join(filepath.Dir(target), "g-2.txt") {
		t.Fatalf("unexpected reservations %q and %q", filepath.Base(first), filepath.Base(second))
	}

	releaseTarget(first)
	releaseTarget(second)
	third := reserveTarget(target, false)
	defer releaseTarget(third)
	if third != target {
		t.Fatalf("expected released name to be reused, got %q", filepath.Base(third))
	}
}

func TestReceiveConcurrentSessionsKeepSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	client, server := net.Pipe()
	defer func() {
		_ = client.Close()
	}()

	first := Receive(context.Background(), server, Settings{Directory: dir, Timeout: testWait}, nil)
	for _, frame := range [][]byte{
		jsonFrame(t, map[string]any{"name": "alice", "count": 1}),
		jsonFrame(t, map[string]any{"path": "a.txt", "directory": false, "size": 6}),
		binaryFrame(t, "AAA"),
	} {
		if _, err := client.Write(frame); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	waitForCondition(t, testWait, func() bool {
		return first.Snapshot().BytesTransferred == 3
	})

	second := receiveScript(t, Settings{Directory: dir},
		jsonFrame(t, map[string]any{"name": "bob", "count": 1}),
		jsonFrame(t, map[string]any{"path": "a.txt", "directory": false, "size": 6}),
		binaryFrame(t, "BBBBBB"),
	)
	if second.State() != StateSucceeded {
		t.Fatalf("expected second session to succeed, got %s (%v)", second.State(), second.Err())
	}

	if _, err := client.Write(binaryFrame(t, "AAA")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	waitForSession(t, first)
	if first.State() != StateSucceeded {
		t.Fatalf("expected first session to succeed, got %s (%v)", first.State(), first.Err())
	}

	assertFileContent(t, filepath.Join(dir, "a.txt"), "AAAAAA")
	assertFileContent(t, filepath.Join(dir, "a-2.txt"), "BBBBBB")
	assertNoPartFiles(t, dir)
}

func TestSafeJoinRejectsSymlinkEscape(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "inbox")
	outside := filepath.Join(parent, "outside")
	for _, dir := range []string{root, outside} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "photos"), filepath.Join(root, "inner")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}

	for _, itemPath := range []string{"link/x.txt", "link/sub/x.txt", "link"} {
		if got, err := safeJoin(root, itemPath); !errors.Is(err, errPathEscapesRoot) {
			t.Fatalf("safeJoin(%q) = %q, %v; expected errPathEscapesRoot", itemPath, got, err)
		}
	}
	if _, err := safeJoin(root, "inner/x.txt"); err != nil {
		t.Fatalf("safeJoin through an inner symlink failed: %v", err)
	}

	session := receiveScript(t, Settings{Directory: root},
		jsonFrame(t, map[string]any{"name": "mallory", "count": 1}),
		jsonFrame(t, map[string]any{"path": "link/evil.txt", "directory": false, "size": 4}),
		binaryFrame(t, "evil"),
	)
	assertFailed(t, session, ErrUnableToCreate)
	assertNotExist(t, filepath.Join(outside, "evil.txt"))
}
