package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atmx/custody-engine/internal/config"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "custody.log")
	logger, closeFn, err := New("custody-engine", config.LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hello", "k", "v")
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	for _, want := range []string{`"msg":"hello"`, `"service":"custody-engine"`, `"k":"v"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}

func TestNewRejectsBadSettings(t *testing.T) {
	for _, cfg := range []config.LogConfig{
		{Level: "loud"},
		{Format: "xml"},
		{Output: "syslog"},
	} {
		if _, _, err := New("svc", cfg); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}
