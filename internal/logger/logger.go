// Package logger is a thin structured-logging wrapper over zerolog.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger writes leveled, structured log events.
type Logger struct {
	zl zerolog.Logger
}

// Config selects level, encoding and destination.
type Config struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" default:"json" validate:"oneof=json console"`
	Output     string `yaml:"output" default:"stderr"` // stdout, stderr, or file path
	TimeFormat string `yaml:"time_format"`
}

// New builds a logger from config.
func New(cfg Config) (*Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = l
	}

	var output io.Writer
	switch cfg.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open log file: %w", err)
		}
		output = file
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339Nano
	}
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: timeFormat}
	}

	return NewWithWriter(output, level), nil
}

// NewWithWriter builds a JSON logger writing to w.
func NewWithWriter(w io.Writer, level zerolog.Level) *Logger {
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger that adds fields to every event.
func (l *Logger) With(fields ...Field) *Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = f.addToContext(ctx)
	}
	return &Logger{zl: ctx.Logger()}
}

func (l *Logger) Debug(msg string, fields ...Field) { emit(l.zl.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { emit(l.zl.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { emit(l.zl.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { emit(l.zl.Error(), msg, fields) }

func emit(event *zerolog.Event, msg string, fields []Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		f.addTo(event)
	}
	event.Msg(msg)
}

// Field is a typed key/value attached to a log event.
type Field struct {
	key   string
	kind  fieldKind
	str   string
	num   int64
	flt   float64
	tm    time.Time
	err   error
	value any
}

type fieldKind uint8

const (
	kindString fieldKind = iota
	kindInt
	kindFloat
	kindBool
	kindTime
	kindDuration
	kindErr
	kindAny
)

func (f Field) addTo(e *zerolog.Event) {
	switch f.kind {
	case kindString:
		e.Str(f.key, f.str)
	case kindInt:
		e.Int64(f.key, f.num)
	case kindFloat:
		e.Float64(f.key, f.flt)
	case kindBool:
		e.Bool(f.key, f.num != 0)
	case kindTime:
		e.Time(f.key, f.tm)
	case kindDuration:
		e.Dur(f.key, time.Duration(f.num))
	case kindErr:
		e.AnErr(f.key, f.err)
	default:
		e.Interface(f.key, f.value)
	}
}

func (f Field) addToContext(c zerolog.Context) zerolog.Context {
	switch f.kind {
	case kindString:
		return c.Str(f.key, f.str)
	case kindInt:
		return c.Int64(f.key, f.num)
	case kindFloat:
		return c.Float64(f.key, f.flt)
	case kindBool:
		return c.Bool(f.key, f.num != 0)
	case kindTime:
		return c.Time(f.key, f.tm)
	case kindDuration:
		return c.Dur(f.key, time.Duration(f.num))
	case kindErr:
		return c.AnErr(f.key, f.err)
	default:
		return c.Interface(f.key, f.value)
	}
}

// --- Field constructors ---

func String(key, value string) Field { return Field{key: key, kind: kindString, str: value} }
func Int(key string, value int) Field { return Field{key: key, kind: kindInt, num: int64(value)} }
func Int64(key string, value int64) Field {
	return Field{key: key, kind: kindInt, num: value}
}
func Float(key string, value float64) Field { return Field{key: key, kind: kindFloat, flt: value} }
func Time(key string, value time.Time) Field { return Field{key: key, kind: kindTime, tm: value} }

func Bool(key string, value bool) Field {
	f := Field{key: key, kind: kindBool}
	if value {
		f.num = 1
	}
	return f
}

func Duration(key string, value time.Duration) Field {
	return Field{key: key, kind: kindDuration, num: int64(value)}
}

// Err attaches err under the "error" key.
func Err(err error) Field { return Field{key: zerolog.ErrorFieldName, kind: kindErr, err: err} }

func Any(key string, value any) Field { return Field{key: key, kind: kindAny, value: value} }
