// Package hostlog provides a colorized structured logger shared across the
// module host's components.
package hostlog

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	reset = "\033[0m"
	bold  = "\033[1m"
	dim   = "\033[2m"

	red           = "\033[31m"
	green         = "\033[32m"
	yellow        = "\033[33m"
	blue          = "\033[34m"
	magenta       = "\033[35m"
	cyan          = "\033[36m"
	gray          = "\033[90m"
	brightRed     = "\033[91m"
	brightYellow  = "\033[93m"
	brightWhite   = "\033[97m"
)

// Component identifies which subsystem emitted a log line.
type Component string

const (
	ComponentRegistry   Component = "REGISTRY"
	ComponentScheduler  Component = "SCHEDULER"
	ComponentSandbox    Component = "SANDBOX"
	ComponentWorkerPool Component = "WORKERPOOL"
	ComponentControlAPI Component = "CONTROLAPI"
)

func componentColor(c Component) string {
	switch c {
	case ComponentRegistry:
		return green
	case ComponentScheduler:
		return cyan
	case ComponentSandbox:
		return magenta
	case ComponentWorkerPool:
		return blue
	case ComponentControlAPI:
		return yellow
	default:
		return brightWhite
	}
}

func levelColor(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return gray
	case zapcore.InfoLevel:
		return brightWhite
	case zapcore.WarnLevel:
		return brightYellow
	case zapcore.ErrorLevel:
		return brightRed
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return red
	default:
		return brightWhite
	}
}

// Logger wraps zap.Logger with component-colored console output.
type Logger struct {
	*zap.Logger
	colors bool
}

func consoleEncoder(colors bool) zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		ts := t.Format("2006-01-02T15:04:05.000Z0700")
		if colors {
			enc.AppendString(dim + ts + reset)
		} else {
			enc.AppendString(ts)
		}
	}
	cfg.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		s := strings.ToUpper(level.String())
		if colors {
			enc.AppendString(fmt.Sprintf("%s%s%-5s%s", levelColor(level), bold, s, reset))
		} else {
			enc.AppendString(fmt.Sprintf("%-5s", s))
		}
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// New creates a Logger writing to stdout at debug level.
func New(colors bool) *Logger {
	core := zapcore.NewCore(consoleEncoder(colors), zapcore.AddSync(os.Stdout), zapcore.DebugLevel)
	return &Logger{
		Logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)),
		colors: colors,
	}
}

func (l *Logger) tag(component Component, msg string) string {
	if l.colors {
		return fmt.Sprintf("%s[%s]%s %s", componentColor(component), component, reset, msg)
	}
	return fmt.Sprintf("[%s] %s", component, msg)
}

// Info logs at info level, tagged with the given component.
func (l *Logger) Info(component Component, msg string, fields ...zap.Field) {
	l.Logger.Info(l.tag(component, msg), fields...)
}

// Warn logs at warn level, tagged with the given component.
func (l *Logger) Warn(component Component, msg string, fields ...zap.Field) {
	l.Logger.Warn(l.tag(component, msg), fields...)
}

// Error logs at error level, tagged with the given component.
func (l *Logger) Error(component Component, msg string, fields ...zap.Field) {
	l.Logger.Error(l.tag(component, msg), fields...)
}

// Debug logs at debug level, tagged with the given component.
func (l *Logger) Debug(component Component, msg string, fields ...zap.Field) {
	l.Logger.Debug(l.tag(component, msg), fields...)
}
