package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
)

var (
	styleDim   = color.New(color.OpFuzzy)
	styleBold  = color.New(color.OpBold)
	styleError = color.New(color.FgRed, color.OpBold)
	styleWarn  = color.New(color.FgYellow)
	styleInfo  = color.New(color.FgBlue)
	styleDebug = color.New(color.FgMagenta)
	styleOK    = color.New(color.FgGreen)
	styleCyan  = color.New(color.FgCyan)
)

// prettyHandler renders one human-readable line per record:
//
//	ts=15:04:05.000 lvl=[INFO] msg=ws.connect user_id=u1 conn_id=...
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString("ts=")
	b.WriteString(h.paint(styleDim, ts.Format("15:04:05.000")))
	b.WriteString(" lvl=")
	b.WriteString(h.levelTag(r.Level))
	b.WriteString(" msg=")
	b.WriteString(h.paint(styleBold, r.Message))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(h.paint(styleDim, fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)))
		}
	}

	// h.attrs already carry the groups that were open when they were added.
	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, prefix)
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]slog.Attr{}, h.attrs...)
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		if prefix != "" {
			a = slog.Attr{Key: prefix + "." + a.Key, Value: a.Value}
		}
		cp.attrs = append(cp.attrs, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, fullKey)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(remapPrettyKey(fullKey))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(fullKey, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return h.paint(styleCyan, strings.ToUpper(strings.TrimSpace(v.String())))
	case "path", "type":
		return h.paint(styleCyan, strings.TrimSpace(v.String()))
	case "status":
		if n, ok := valueToInt64(v); ok {
			return h.paint(statusStyle(int(n)), strconv.FormatInt(n, 10))
		}
	case "status_class":
		return h.paint(statusClassStyle(strings.TrimSpace(v.String())), strings.TrimSpace(v.String()))
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return h.paint(durationStyle(n), strconv.FormatInt(n, 10)+"ms")
		}
	case "result":
		return h.paint(resultStyle(strings.ToLower(strings.TrimSpace(v.String()))), strings.TrimSpace(v.String()))
	case "err", "code":
		return h.paint(styleError, quoteIfNeeded(valueToString(v)))
	}

	return quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.paint(styleError, "[ERROR]")
	case level >= slog.LevelWarn:
		return h.paint(styleWarn, "[WARN]")
	case level < slog.LevelInfo:
		return h.paint(styleDebug, "[DEBUG]")
	default:
		return h.paint(styleInfo, "[INFO]")
	}
}

func (h *prettyHandler) paint(style color.Style, s string) string {
	if !h.color || s == "" {
		return s
	}
	return style.Render(s)
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func statusStyle(code int) color.Style {
	switch {
	case code >= 500:
		return styleError
	case code >= 400:
		return styleWarn
	case code >= 300:
		return styleCyan
	default:
		return styleOK
	}
}

func statusClassStyle(class string) color.Style {
	switch class {
	case "5xx":
		return styleError
	case "4xx":
		return styleWarn
	case "3xx":
		return styleCyan
	default:
		return styleOK
	}
}

func durationStyle(ms int64) color.Style {
	switch {
	case ms >= 1000:
		return styleError
	case ms >= 250:
		return styleWarn
	default:
		return styleDim
	}
}

func resultStyle(result string) color.Style {
	switch result {
	case "server_error":
		return styleError
	case "client_error":
		return styleWarn
	case "redirect":
		return styleCyan
	default:
		return styleOK
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
