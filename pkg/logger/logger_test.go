package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew_LevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: "json", Output: &buf, Component: "engine"})

	if l.GetLevel() != logrus.DebugLevel {
		t.Errorf("GetLevel() = %v, want debug", l.GetLevel())
	}

	l.Info("engine started", "services", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "engine started" {
		t.Errorf("msg = %v, want 'engine started'", entry["msg"])
	}
	if entry["component"] != "engine" {
		t.Errorf("component = %v, want 'engine'", entry["component"])
	}
	if entry["services"] != float64(2) {
		t.Errorf("services = %v, want 2", entry["services"])
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New(Config{Level: "loud", Output: &bytes.Buffer{}})
	if l.GetLevel() != logrus.InfoLevel {
		t.Errorf("GetLevel() = %v, want info", l.GetLevel())
	}
}

func TestForService(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "json", Output: &buf})

	svc := l.ForService("ping").With("run_level", 0)
	svc.Warn("handler failed", "error", errors.New("boom"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["service"] != "ping" {
		t.Errorf("service = %v, want 'ping'", entry["service"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, want 'boom'", entry["error"])
	}
	if entry["level"] != "warning" {
		t.Errorf("level = %v, want 'warning'", entry["level"])
	}
}

func TestDebugFilteredAtInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf})
	l.Named("bus").Debug("delivered")
	if buf.Len() != 0 {
		t.Errorf("debug entry written at info level: %q", buf.String())
	}
}

func TestFields(t *testing.T) {
	f := Fields("a", 1, 2, "two", "dangling")
	if f["a"] != 1 {
		t.Errorf("a = %v, want 1", f["a"])
	}
	if f["2"] != "two" {
		t.Errorf("non-string key not stringified: %v", f)
	}
	if f["!BADKEY"] != "dangling" {
		t.Errorf("!BADKEY = %v, want 'dangling'", f["!BADKEY"])
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing to see")
	if !strings.Contains(l.GetLevel().String(), "panic") {
		t.Errorf("Discard level = %v, want panic", l.GetLevel())
	}
}
