package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "debug", "json")

	log.WithField("experiment_id", "exp-1").Debug("Evaluated")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if entry["experiment_id"] != "exp-1" {
		t.Errorf("expected experiment_id field, got %v", entry)
	}
	if entry["msg"] != "Evaluated" {
		t.Errorf("expected msg Evaluated, got %v", entry["msg"])
	}
	if ts, _ := entry["time"].(string); len(ts) != len("2006-01-02 15:04:05") {
		t.Errorf("unexpected timestamp format %q", ts)
	}
}

func TestNewWithOutput_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"verbose", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}
	for _, tt := range tests {
		if got := NewWithOutput(&bytes.Buffer{}, tt.level, "json").GetLevel(); got != tt.want {
			t.Errorf("level %q: expected %v, got %v", tt.level, tt.want, got)
		}
	}
}

func TestNewWithOutput_Text(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "info", "text")
	log.Info("hello")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text formatter output, got %q", buf.String())
	}
}
