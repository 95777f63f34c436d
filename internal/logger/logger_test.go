package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Strob0t/agentengine/internal/config"
)

func TestNew(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc", Format: "json"}
	l, closer := New(cfg)
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsync(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc", Async: true}
	l, closer := New(cfg)
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	closer.Close()
}

func TestJSONOutputCarriesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "engine", Format: "json"}, &buf, false)
	defer closer.Close()

	ctx := WithExecutionID(WithRequestID(context.Background(), "req-1"), "exec-9")
	l.InfoContext(ctx, "step started", "step", 2)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "engine" {
		t.Errorf("service: %v", rec["service"])
	}
	if rec["request_id"] != "req-1" {
		t.Errorf("request_id: %v", rec["request_id"])
	}
	if rec["execution_id"] != "exec-9" {
		t.Errorf("execution_id: %v", rec["execution_id"])
	}
}

func TestFormatSelection(t *testing.T) {
	tests := []struct {
		format string
		tty    bool
		text   bool
	}{
		{"json", true, false},
		{"text", false, true},
		{"auto", true, true},
		{"auto", false, false},
		{"", true, false},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		l, closer := newWithWriter(config.Logging{Level: "info", Service: "s", Format: tt.format}, &buf, tt.tty)
		l.Info("hello")
		closer.Close()
		isJSON := strings.HasPrefix(buf.String(), "{")
		if isJSON == tt.text {
			t.Errorf("format=%q tty=%v: got %q", tt.format, tt.tty, buf.String())
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()

	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
	if got := ExecutionID(ctx); got != "" {
		t.Errorf("expected empty execution ID, got %q", got)
	}
}
