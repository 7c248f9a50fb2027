package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gookit/color"
)

func newPlainPretty(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(newPrettyHandler(buf, &slog.HandlerOptions{Level: level}, false))
}

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newPlainPretty(&buf, slog.LevelInfo)

	log.Warn("http.request",
		"method", "get",
		"path", "/ws",
		"status", 401,
		"status_class", "4xx",
		"duration_ms", int64(12),
		"err", errors.New("missing token"),
	)

	line := strings.TrimSpace(buf.String())
	for _, want := range []string{
		"lvl=[WARN]",
		"msg=http.request",
		"method=GET",
		"path=/ws",
		"status=401",
		"class=4xx",
		"duration=12ms",
		`err="missing token"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("uncolored handler emitted escape codes: %q", line)
	}
}

func TestPrettyHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newPlainPretty(&buf, slog.LevelWarn)

	log.Info("dropped")
	log.Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}

	log.Error("kept")
	if !strings.Contains(buf.String(), "lvl=[ERROR] msg=kept") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestPrettyHandler_GroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newPlainPretty(&buf, slog.LevelDebug).
		With("conn_id", "c1").
		WithGroup("ws")

	log.Debug("ws.event", slog.Group("frame", "type", "send_message", "bytes", 42))

	line := buf.String()
	for _, want := range []string{
		"lvl=[DEBUG]",
		" conn_id=c1",
		"ws.frame.type=send_message",
		"ws.frame.bytes=42",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "ws.conn_id") {
		t.Fatalf("attrs added before WithGroup must not take the group prefix: %q", line)
	}
}

func TestPrettyHandler_ColoredMatchesPlainText(t *testing.T) {
	t.Parallel()

	var plain, colored bytes.Buffer
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for _, tc := range []struct {
		buf   *bytes.Buffer
		color bool
	}{{&plain, false}, {&colored, true}} {
		h := newPrettyHandler(tc.buf, nil, tc.color)
		r := slog.NewRecord(ts, slog.LevelError, "store.close.fail", 0)
		r.AddAttrs(slog.String("code", "internal"), slog.Int("status", 500))
		if err := h.Handle(t.Context(), r); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	if got := color.ClearCode(colored.String()); got != plain.String() {
		t.Fatalf("colored output differs after clearing codes:\n got=%q\nwant=%q", got, plain.String())
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":          `""`,
		"plain":     "plain",
		"two words": `"two words"`,
		"k=v":       `"k=v"`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", in, got, want)
		}
	}
}
