// Package logging provides the leveled Logger interface used throughout
// the coordination core, along with a standard-library-only default and
// a logrus-backed implementation for production use.
package logging

// Logger is the leveled logging interface every component depends on.
// Grounded on the teacher's definition.Logger interface
// (pkg/mcast/definition/default_logger.go): every call site takes either
// a variadic value list or a printf-style format, and Fatal/Fatalf follow
// the standard library's termination semantics.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// ToggleDebug enables or disables Debug/Debugf output and returns
	// the new state.
	ToggleDebug(value bool) bool

	// With returns a derived logger that tags every subsequent line
	// with the given field, e.g. the owning component's name.
	With(field string, value interface{}) Logger
}
