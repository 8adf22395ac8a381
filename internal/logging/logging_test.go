package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", FormatJSON, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.WithField("chunk", 3).Debug("chunk stored")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "chunk stored" {
		t.Errorf("msg = %v, want %q", entry["msg"], "chunk stored")
	}
	if entry["chunk"] != float64(3) {
		t.Errorf("chunk = %v, want 3", entry["chunk"])
	}
}

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", FormatText, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if logger.GetLevel() != log.WarnLevel {
		t.Errorf("GetLevel() = %v, want %v", logger.GetLevel(), log.WarnLevel)
	}

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info entry written at warn level: %q", buf.String())
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New("loud", FormatText, &bytes.Buffer{}); err == nil {
		t.Error("New() with bad level: expected error")
	}
	if _, err := New("info", "xml", &bytes.Buffer{}); err == nil {
		t.Error("New() with bad format: expected error")
	}
}
