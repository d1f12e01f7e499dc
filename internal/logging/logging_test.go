package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestCLIHandlerFormatsRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelDebug).With("board", "nano")
	logger.Info("kernel built", slog.Group("make", "jobs", 8), "error", errors.New("none"))

	line := buf.String()
	if !strings.HasPrefix(line, "INFO ") {
		t.Fatalf("line %q does not start with level", line)
	}
	for _, want := range []string{" | kernel built", " board=nano", " make.jobs=8", " error=none"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestCLIHandlerStagePrefix(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo).With(StageKey, "kernel")
	logger.Warn("patch rejected", "patch", "0001-fix.patch")

	line := buf.String()
	if !strings.Contains(line, " [kernel] | patch rejected") {
		t.Fatalf("line %q lacks the stage prefix", line)
	}
	if strings.Contains(line, "stage=") {
		t.Fatalf("stage rendered twice: %q", line)
	}
}

func TestCLIHandlerQuotesMultilineValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo)
	logger.Error("compile failed", "output", "line one\nline two", "target", "Image")

	line := buf.String()
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("record spans several lines: %q", line)
	}
	if !strings.Contains(line, ` output="line one\nline two"`) || !strings.Contains(line, " target=Image") {
		t.Fatalf("unexpected rendering %q", line)
	}
}

func TestCLIHandlerGroupsApplyToLaterAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo).With("board", "nx").WithGroup("guest").With("pid", 42)
	logger.Info("command finished", "code", 0)

	line := buf.String()
	for _, want := range []string{" board=nx", " guest.pid=42", " guest.code=0"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestCLIHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	logger := NewCLI(&buf, &level)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %q", buf.String())
	}

	level.Set(slog.LevelDebug)
	logger.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("debug record missing after level change: %q", buf.String())
	}
}

func TestFanoutHonoursEachHandlerLevel(t *testing.T) {
	t.Parallel()

	var console, file bytes.Buffer
	logger := slog.New(Fanout(
		NewCLI(&console, slog.LevelWarn).Handler(),
		NewCLI(&file, slog.LevelDebug).Handler(),
	)).With(StageKey, "fetch")

	logger.Debug("resolving checksum", "kind", "bsp")
	logger.Warn("cache lookup failed")

	if strings.Contains(console.String(), "resolving checksum") {
		t.Fatalf("console received a debug record: %q", console.String())
	}
	if !strings.Contains(console.String(), "[fetch] | cache lookup failed") {
		t.Fatalf("console = %q", console.String())
	}
	for _, want := range []string{"DEBUG ", "[fetch] | resolving checksum kind=bsp", "cache lookup failed"} {
		if !strings.Contains(file.String(), want) {
			t.Fatalf("file log %q missing %q", file.String(), want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "debug", want: slog.LevelDebug},
		{in: "WARNING", want: slog.LevelWarn},
		{in: "err", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseLevel(%q) error = nil", tc.in)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("ParseLevel(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	if mode, err := ParseMode("json"); err != nil || mode != ModeJSON {
		t.Fatalf("ParseMode(json) = %v, %v", mode, err)
	}
	if mode, err := ParseMode("cli"); err != nil || mode != ModeCLI {
		t.Fatalf("ParseMode(cli) = %v, %v", mode, err)
	}
	if _, err := ParseMode("xml"); err == nil {
		t.Fatalf("ParseMode(xml) error = nil")
	}
}
