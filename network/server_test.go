package network

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestServerRunsReceiverPerConnection(t *testing.T) {
	dir := t.TempDir()
	sessions := make(chan *Session, 2)

	server, err := Listen("127.0.0.1", 0, ServerOptions{
		Settings: func() Settings {
			return Settings{Directory: dir, Timeout: testWait}
		},
		OnSession: func(session *Session) {
			sessions <- session
		},
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	for _, name := range []string{"a.txt", "b.txt"} {
		conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		frames := [][]byte{
			jsonFrame(t, map[string]any{"name": "raw", "count": 1}),
			jsonFrame(t, map[string]any{"path": name, "directory": false, "size": 2}),
			binaryFrame(t, "ok"),
		}
		for _, frame := range frames {
			if _, err := conn.Write(frame); err != nil {
				t.Fatalf("write failed: %v", err)
			}
		}

		var session *Session
		select {
		case session = <-sessions:
		case <-time.After(testWait):
			t.Fatalf("no session started for %s", name)
		}
		_ = conn.Close()
		waitForSession(t, session)
		if session.State() != StateSucceeded {
			t.Fatalf("expected succeeded, got %s (%v)", session.State(), session.Err())
		}
		assertFileContent(t, filepath.Join(dir, name), "ok")
	}
}

func TestServerCloseCancelsSessionsAndClosesErrors(t *testing.T) {
	sessions := make(chan *Session, 1)
	server, err := Listen("127.0.0.1", 0, ServerOptions{
		Settings: func() Settings {
			return Settings{Directory: t.TempDir(), Timeout: time.Minute}
		},
		OnSession: func(session *Session) {
			sessions <- session
		},
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	var session *Session
	select {
	case session = <-sessions:
	case <-time.After(testWait):
		t.Fatalf("no session started")
	}

	if err := server.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitForSession(t, session)
	if session.State() != StateCanceled {
		t.Fatalf("expected canceled, got %s (%v)", session.State(), session.Err())
	}

	select {
	case _, ok := <-server.Errors():
		if ok {
			t.Fatalf("expected Errors to be closed")
		}
	case <-time.After(testWait):
		t.Fatalf("Errors was not closed")
	}

	// Close is idempotent.
	if err := server.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestListenReportsBusyPort(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer occupied.Close()

	port := occupied.Addr().(*net.TCPAddr).Port
	_, err = Listen("127.0.0.1", port, ServerOptions{})
	var listenErr *ListenError
	if !errors.As(err, &listenErr) {
		t.Fatalf("expected *ListenError, got %v", err)
	}
	if listenErr.Port != port || !errors.Is(err, ErrUnableToListen) {
		t.Fatalf("unexpected listen error: %v", err)
	}
}
