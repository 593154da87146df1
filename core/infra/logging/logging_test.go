package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
)

func captureLog(t *testing.T, format, level string) *bytes.Buffer {
	t.Helper()
	t.Setenv(envLogFormat, format)
	t.Setenv(envLogLevel, level)
	settingsOnce = sync.Once{}
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
		settingsOnce = sync.Once{}
		SetDefaultFields()
	})
	return &buf
}

func TestTextLines(t *testing.T) {
	buf := captureLog(t, "", "")

	Info("pool", "allocated", "deployment", "debench-1")
	Error("locks", "backend down", "error", errors.New("dial tcp\nrefused"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if lines[0] != "[POOL] allocated deployment=debench-1" {
		t.Fatalf("info line = %q", lines[0])
	}
	if lines[1] != "[LOCKS] ERROR backend down error=dial tcp refused" {
		t.Fatalf("error line = %q", lines[1])
	}
}

func TestJSONLines(t *testing.T) {
	buf := captureLog(t, "JSON", "")

	Warn("orchestrator", "teardown failed", "resource_type", "database", "error", errors.New("boom"), "msg", "shadowed")
	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload); err != nil {
		t.Fatalf("expected json output, got %q", buf.String())
	}
	if payload["level"] != "WARN" || payload["component"] != "orchestrator" || payload["msg"] != "teardown failed" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload["error"] != "boom" || payload["resource_type"] != "database" {
		t.Fatalf("unexpected fields %#v", payload)
	}
}

func TestDebugRequiresLevel(t *testing.T) {
	buf := captureLog(t, "", "")
	Debug("locks", "poll")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be suppressed, got %q", buf.String())
	}

	buf = captureLog(t, "", "debug")
	Debug("locks", "poll", "attempt", 2)
	if !strings.Contains(buf.String(), "[LOCKS] DEBUG poll attempt=2") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}
}

func TestDefaultFieldsAppended(t *testing.T) {
	buf := captureLog(t, "", "")
	SetDefaultFields("holder", "host-1:42")

	Info("runner", "test passed", "test", "t1")
	Info("runner", "odd", "dangling")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != "[RUNNER] test passed test=t1 holder=host-1:42" {
		t.Fatalf("line = %q", lines[0])
	}
	if lines[1] != "[RUNNER] odd dangling=(missing) holder=host-1:42" {
		t.Fatalf("line = %q", lines[1])
	}
}
