package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNew_WritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "cryptoview-test", slog.LevelInfo).Info("hello", slog.Int("n", 3))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not json: %v (%s)", err, buf.String())
	}
	if line["service"] != "cryptoview-test" || line["msg"] != "hello" {
		t.Errorf("unexpected line: %v", line)
	}
}

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "svc", slog.LevelWarn).Info("quiet")
	if buf.Len() != 0 {
		t.Errorf("expected nothing below warn, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"Error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestRunID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// No run ID set
	if id := RunID(ctx); id != "" {
		t.Errorf("expected empty run id, got %q", id)
	}

	ctx = WithRunID(ctx, "run-123")
	if id := RunID(ctx); id != "run-123" {
		t.Errorf("expected 'run-123', got %q", id)
	}
}

func TestNewRunID(t *testing.T) {
	a := NewRunID()
	time.Sleep(2 * time.Millisecond)
	b := NewRunID()

	if _, err := ulid.ParseStrict(a); err != nil {
		t.Fatalf("not a ulid: %v", err)
	}
	if a >= b {
		t.Errorf("run ids should sort by time: %s >= %s", a, b)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "svc", slog.LevelInfo)

	FromContext(context.Background(), base).Info("no id")
	if bytes.Contains(buf.Bytes(), []byte("run_id")) {
		t.Errorf("unexpected run_id: %s", buf.String())
	}

	buf.Reset()
	FromContext(WithRunID(context.Background(), "abc"), base).Info("with id")
	if !bytes.Contains(buf.Bytes(), []byte(`"run_id":"abc"`)) {
		t.Errorf("expected run_id attr, got %s", buf.String())
	}
}
