package portalclient

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Debug().Msg("hidden")
	logger.Info().Str("path", "/properties").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d: %s", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got %s", lines[0])
	}
	if entry["component"] != "portalclient" || entry["message"] != "visible" || entry["path"] != "/properties" {
		t.Errorf("Unexpected entry %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("Expected timestamp field")
	}
}

func TestNewLoggerConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "console", Output: &buf})

	logger.Debug().Msg("console line")
	if !strings.Contains(buf.String(), "console line") {
		t.Errorf("Expected console output, got %q", buf.String())
	}
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Error("Expected human readable output, got JSON")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		"DEBUG":    zerolog.DebugLevel,
		"info":     zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"":         zerolog.InfoLevel,
		"verbose":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestClientLogsFailureWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})
	tr := &fakeTransport{handler: always(404, `{"error":"Property not found"}`)}
	client, _ := newTestClient(t, tr,
		WithLogger(logger),
		WithRequestIDGenerator(func() string { return "req-7" }))

	_, _ = client.Get(context.Background(), "/properties/p-404", nil)

	out := buf.String()
	for _, want := range []string{`"request_id":"req-7"`, `"method":"GET"`, `"path":"/properties/p-404"`, `"kind":"Client"`, `"status":404`, `"message":"request failed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in log output:\n%s", want, out)
		}
	}
}
