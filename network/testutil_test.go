package network

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const testWait = 5 * time.Second

// receiveScript feeds raw frames to a receiver session over an in-memory
// connection, closes the sending side, and waits for the session to finish.
func receiveScript(t *testing.T, settings Settings, frames ...[]byte) *Session {
	t.Helper()
	client, server := net.Pipe()
	if settings.Timeout == 0 {
		settings.Timeout = testWait
	}

	session := Receive(context.Background(), server, settings, nil)
	go func() {
		defer func() {
			_ = client.Close()
		}()
		for _, frame := range frames {
			if _, err := client.Write(frame); err != nil {
				return
			}
		}
	}()

	waitForSession(t, session)
	return session
}

func waitForSession(t *testing.T, session *Session) {
	t.Helper()
	select {
	case <-session.Done():
	case <-time.After(testWait):
		t.Fatalf("session %s did not finish; state %s", session.ID(), session.State())
	}
}

func jsonFrame(t *testing.T, message any) []byte {
	t.Helper()
	payload, err := json.Marshal(message)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	frame, err := EncodePacket(payload)
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}
	return frame
}

func binaryFrame(t *testing.T, content string) []byte {
	t.Helper()
	frame, err := EncodePacket([]byte(content))
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}
	return frame
}

func assertFailed(t *testing.T, session *Session, kind error) {
	t.Helper()
	if session.State() != StateFailed {
		t.Fatalf("expected failed, got %s (%v)", session.State(), session.Err())
	}
	if !errors.Is(session.Err(), kind) {
		t.Fatalf("expected %v, got %v", kind, session.Err())
	}
}

func assertFileContent(t *testing.T, path, want string) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != want {
		t.Fatalf("content of %s = %q, want %q", filepath.Base(path), got, want)
	}
}

func assertNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected %s to not exist, got %v", path, err)
	}
}

func assertNoPartFiles(t *testing.T, dir string) {
	t.Helper()
	leftovers, err := filepath.Glob(filepath.Join(dir, "*"+partSuffix))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("expected no part files, got %v", leftovers)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// eventLog is an Observer that records every event.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) HandleEvent(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) last() Event {
	events := l.snapshot()
	if len(events) == 0 {
		return Event{}
	}
	return events[len(events)-1]
}

func (l *eventLog) forSession(id string) []Event {
	var out []Event
	for _, event := range l.snapshot() {
		if event.SessionID == id {
			out = append(out, event)
		}
	}
	return out
}
