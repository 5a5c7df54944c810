package logging

import (
	"fmt"
	"log"
	"os"
)

const calldepth = 3

// DefaultLogger is a minimal stdlib-backed Logger, used by components
// that are not handed an explicit Logger (e.g. in unit tests). Ported
// from the teacher's definition.DefaultLogger.
type DefaultLogger struct {
	*log.Logger
	debug  bool
	prefix string
}

// NewDefaultLogger creates a Logger writing to stderr.
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{
		Logger: log.New(os.Stderr, "medved ", log.LstdFlags),
	}
}

func level(prefix, fields, message string) string {
	if fields == "" {
		return fmt.Sprintf("[%s]: %s", prefix, message)
	}
	return fmt.Sprintf("[%s]%s: %s", prefix, fields, message)
}

func (l *DefaultLogger) Info(v ...interface{}) {
	l.Output(calldepth, level("INFO", l.prefix, fmt.Sprint(v...)))
}

func (l *DefaultLogger) Infof(format string, v ...interface{}) {
	l.Output(calldepth, level("INFO", l.prefix, fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Warn(v ...interface{}) {
	l.Output(calldepth, level("WARN", l.prefix, fmt.Sprint(v...)))
}

func (l *DefaultLogger) Warnf(format string, v ...interface{}) {
	l.Output(calldepth, level("WARN", l.prefix, fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Error(v ...interface{}) {
	l.Output(calldepth, level("ERROR", l.prefix, fmt.Sprint(v...)))
}

func (l *DefaultLogger) Errorf(format string, v ...interface{}) {
	l.Output(calldepth, level("ERROR", l.prefix, fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Debug(v ...interface{}) {
	if l.debug {
		l.Output(calldepth, level("DEBUG", l.prefix, fmt.Sprint(v...)))
	}
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.Output(calldepth, level("DEBUG", l.prefix, fmt.Sprintf(format, v...)))
	}
}

func (l *DefaultLogger) Fatal(v ...interface{}) {
	l.Output(calldepth, level("FATAL", l.prefix, fmt.Sprint(v...)))
	os.Exit(1)
}

func (l *DefaultLogger) Fatalf(format string, v ...interface{}) {
	l.Output(calldepth, level("FATAL", l.prefix, fmt.Sprintf(format, v...)))
	os.Exit(1)
}

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	l.debug = value
	return l.debug
}

func (l *DefaultLogger) With(field string, value interface{}) Logger {
	return &DefaultLogger{
		Logger: l.Logger,
		debug:  l.debug,
		prefix: fmt.Sprintf("%s %s=%v", l.prefix, field, value),
	}
}
