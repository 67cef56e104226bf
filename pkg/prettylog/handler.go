// based on https://dusted.codes/creating-a-pretty-console-logger-using-gos-slog-package
package prettylog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

const (
	timeFormat = "15:04:05.000"
)

const (
	reset = "\033[0m"

	black        = 30
	red          = 31
	green        = 32
	yellow       = 33
	blue         = 34
	magenta      = 35
	cyan         = 36
	lightGray    = 37
	darkGray     = 90
	lightRed     = 91
	lightGreen   = 92
	lightYellow  = 93
	lightBlue    = 94
	lightMagenta = 95
	lightCyan    = 96
	white        = 97
)

func colorize(colorCode int, v string) string {
	return fmt.Sprintf("\033[%sm%s%s", strconv.Itoa(colorCode), v, reset)
}

const redacted = "[redacted]"

// SecretKeys are attribute keys whose values are never printed.
var SecretKeys = []string{
	"token_key",
	"code_verifier",
	"verifier",
	"access_token",
	"id_token",
	"session_key",
	"ssotoken",
	"key_verifier",
	"signed_challenge",
}

type handler struct {
	Level  slog.Level
	Output io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	secret map[string]bool
}

func NewHandler(level slog.Level) slog.Handler {
	return NewHandlerWithOutput(level, os.Stderr)
}

func NewHandlerWithOutput(level slog.Level, output io.Writer) slog.Handler {
	secret := make(map[string]bool, len(SecretKeys))
	for _, k := range SecretKeys {
		secret[k] = true
	}
	return &handler{
		Level:  level,
		Output: output,
		mu:     &sync.Mutex{},
		secret: secret,
	}
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.Level
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *handler) WithGroup(name string) slog.Handler {
	return h
}

func (h *handler) redact(a slog.Attr) any {
	if h.secret[strings.ToLower(a.Key)] {
		return redacted
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		group := make(map[string]any)
		for _, ga := range v.Group() {
			group[ga.Key] = h.redact(ga)
		}
		return group
	}
	return v.Any()
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.Level {
		return nil
	}

	level := r.Level.String() + ":"

	switch r.Level {
	case slog.LevelDebug:
		level = colorize(darkGray, level)
	case slog.LevelInfo:
		level = colorize(cyan, level)
	case slog.LevelWarn:
		level = colorize(yellow, level)
	case slog.LevelError:
		level = colorize(lightRed, level)
	}

	attrs := make(map[string]any)
	for _, a := range h.attrs {
		attrs[a.Key] = h.redact(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = h.redact(a)
		return true
	})

	var sb strings.Builder
	sb.WriteString(colorize(darkGray, r.Time.Format(timeFormat)))
	sb.WriteString(" ")
	sb.WriteString(level)
	sb.WriteString(" ")
	sb.WriteString(colorize(white, r.Message))
	sb.WriteString(" ")
	sb.WriteString(colorize(darkGray, h.attributesToString(attrs)))
	sb.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.Output, sb.String())
	return err
}

func (h *handler) attributesToString(attrs map[string]any) string {
	for k, v := range attrs {
		if err, ok := v.(error); ok {
			attrs[k] = err.Error()
			continue
		}
		v = convert(v)
		_, err := json.Marshal(v)
		if err != nil {
			attrs[k] = fmt.Sprintf("%v", v)
		} else {
			attrs[k] = v
		}

	}

	asJson, err := json.MarshalIndent(attrs, "  ", "  ")
	if err != nil {
		return fmt.Sprintf("%v", attrs)
	}
	return string(asJson)
}

type Loggable interface {
	ToLog() any
}

var customConverters = map[reflect.Type]func(any) any{
	reflect.TypeOf([]byte(nil)): func(value any) any {
		return fmt.Sprintf("%v", value)
	},
	reflect.TypeOf(Loggable(nil)): func(value any) any {
		return value.(Loggable).ToLog()
	},
}

func convert(value any) any {
	if value == nil {
		return "nil"
	}

	if converter, ok := customConverters[reflect.TypeOf(value)]; ok {
		return converter(value)
	}

	return value
}
