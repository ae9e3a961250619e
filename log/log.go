// Package log contains simple leveled logging implementation on top of stdlib logger.
package log

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	// Panic logs message at error level and panics with it.
	Panic(args ...interface{})
	// WithFields returns logger that adds f to every message, in addition to own fields.
	WithFields(f Fields) Logger
}

type Fields map[string]interface{}

type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	// FatalLevel suppresses all messages logged through Logger.
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	}
	panic("unexpected level: " + strconv.Itoa(int(l)))
}

var stringToLevel = func() map[string]Level {
	var levels = []Level{DebugLevel, InfoLevel, WarnLevel, ErrorLevel, FatalLevel}
	res := make(map[string]Level, len(levels))
	for _, l := range levels {
		res[l.String()] = l
	}
	return res
}()

// LevelFromString parses level name case insensitive.
func LevelFromString(s string) (Level, error) {
	l, ok := stringToLevel[strings.ToUpper(s)]
	if !ok {
		return l, errors.New("invalid level " + s)
	}
	return l, nil
}

const stdLoggerFlags = log.LstdFlags | log.Lmicroseconds | log.Lshortfile

func NewLogger(l Level, w io.Writer) Logger {
	return &logger{
		std:   log.New(w, "", stdLoggerFlags),
		level: l,
	}
}

// logger is primitive stdlib log.Logger wrapper for more common interface.
type logger struct {
	std    *log.Logger
	level  Level
	fields Fields
}

func (l *logger) WithFields(f Fields) Logger {
	copy := *l
	copy.fields = make(Fields, len(l.fields)+len(f))
	for k, v := range l.fields {
		copy.fields[k] = v
	}
	for k, v := range f {
		copy.fields[k] = v
	}
	return &copy
}

func (l *logger) Debug(args ...interface{})                 { l.log(DebugLevel, args...) }
func (l *logger) Debugf(format string, args ...interface{}) { l.logf(DebugLevel, format, args...) }
func (l *logger) Info(args ...interface{})                  { l.log(InfoLevel, args...) }
func (l *logger) Infof(format string, args ...interface{})  { l.logf(InfoLevel, format, args...) }
func (l *logger) Warn(args ...interface{})                  { l.log(WarnLevel, args...) }
func (l *logger) Warnf(format string, args ...interface{})  { l.logf(WarnLevel, format, args...) }
func (l *logger) Error(args ...interface{})                 { l.log(ErrorLevel, args...) }
func (l *logger) Errorf(format string, args ...interface{}) { l.logf(ErrorLevel, format, args...) }
func (l *logger) Panic(args ...interface{}) {
	msg := fmt.Sprint(args...)
	l.log(ErrorLevel, msg)
	panic(msg)
}

// Caller of Debug, Info and others is two frames above output call.
const callDepth = 3

func (l *logger) log(level Level, args ...interface{}) {
	if level >= l.level {
		l.std.Output(callDepth, format(level, l.fields, fmt.Sprint(args...)))
	}
}

func (l *logger) logf(level Level, f string, args ...interface{}) {
	if level >= l.level {
		l.std.Output(callDepth, format(level, l.fields, fmt.Sprintf(f, args...)))
	}
}

func format(l Level, f Fields, msg string) string {
	if len(f) == 0 {
		return l.String() + ": " + msg
	}
	fBytes, err := json.Marshal(f)
	if err != nil {
		fBytes = []byte(fmt.Sprintf("%v", map[string]interface{}(f)))
	}
	return fmt.Sprintf("%s: %s %s", l.String(), fBytes, msg)
}
