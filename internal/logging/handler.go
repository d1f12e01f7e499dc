package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// StageKey is the attribute the CLI handler renders as a "[stage]" prefix
// instead of a key=value pair.
const StageKey = "stage"

// syncWriter serializes writes of every handler derived from one logger.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) writeLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, line)
	return err
}

// cliHandler renders "LEVEL TIME [stage] | message key=value ...".
type cliHandler struct {
	out   *syncWriter
	level slog.Leveler

	stage  string
	attrs  string // preformatted attributes added through WithAttrs
	groups []string
}

func newCLIHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return &cliHandler{
		out:   &syncWriter{w: w},
		level: level,
	}
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	minimum := slog.LevelInfo
	if h.level != nil {
		minimum = h.level.Level()
	}
	return level >= minimum
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	stage := h.stage
	var attrs strings.Builder
	record.Attrs(func(attr slog.Attr) bool {
		if value, ok := h.stageValue(attr); ok {
			stage = value
			return true
		}
		appendAttr(&attrs, h.groups, attr)
		return true
	})

	var line strings.Builder
	line.WriteString(strings.ToUpper(record.Level.String()))
	line.WriteByte(' ')
	line.WriteString(timestamp.UTC().Format(time.RFC3339))
	if stage != "" {
		line.WriteString(" [")
		line.WriteString(stage)
		line.WriteByte(']')
	}
	line.WriteString(" | ")
	line.WriteString(record.Message)
	line.WriteString(h.attrs)
	line.WriteString(attrs.String())
	line.WriteByte('\n')

	return h.out.writeLine(line.String())
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	clone := *h
	var formatted strings.Builder
	formatted.WriteString(h.attrs)
	for _, attr := range attrs {
		if value, ok := h.stageValue(attr); ok {
			clone.stage = value
			continue
		}
		appendAttr(&formatted, h.groups, attr)
	}
	clone.attrs = formatted.String()
	return &clone
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(slices.Clone(h.groups), name)
	return &clone
}

// stageValue reports whether attr names the pipeline stage. Only
// top-level string attributes count.
func (h *cliHandler) stageValue(attr slog.Attr) (string, bool) {
	if len(h.groups) > 0 || attr.Key != StageKey {
		return "", false
	}
	value := attr.Value.Resolve()
	if value.Kind() != slog.KindString {
		return "", false
	}
	return value.String(), true
}

func appendAttr(builder *strings.Builder, groups []string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if attr.Value.Kind() == slog.KindGroup {
		nested := groups
		if attr.Key != "" {
			nested = append(slices.Clone(groups), attr.Key)
		}
		for _, member := range attr.Value.Group() {
			appendAttr(builder, nested, member)
		}
		return
	}

	builder.WriteByte(' ')
	for _, group := range groups {
		builder.WriteString(group)
		builder.WriteByte('.')
	}
	builder.WriteString(attr.Key)
	builder.WriteByte('=')
	builder.WriteString(formatValue(attr.Value))
}

func formatValue(value slog.Value) string {
	switch value.Kind() {
	case slog.KindString:
		return quote(value.String())
	case slog.KindInt64:
		return strconv.FormatInt(value.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(value.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(value.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(value.Bool())
	case slog.KindDuration:
		return value.Duration().Round(time.Millisecond).String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return quote(err.Error())
		}
		return quote(fmt.Sprint(value.Any()))
	default:
		return quote(value.String())
	}
}

// quote keeps a record on one line: values with spaces, quotes or line
// breaks (tool output, multi-line errors) are Go-quoted.
func quote(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '=' || !unicode.IsPrint(r)
	}) {
		return strconv.Quote(s)
	}
	return s
}
