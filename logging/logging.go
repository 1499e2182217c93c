// Leveled logging for the dcp core. A single process wide destination
// gated by an atomically updatable level, so hot paths can call Tracef
// without paying for formatting when tracing is off.

package logging

import "io"
import "os"
import "runtime/debug"
import "strings"
import "sync/atomic"
import l "log"

// Log levels
type LogLevel int32

const (
	Silent LogLevel = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

func (t LogLevel) String() string {
	switch t {
	case Silent:
		return "Silent"
	case Fatal:
		return "Fatal"
	case Error:
		return "Error"
	case Warn:
		return "Warn"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	case Trace:
		return "Trace"
	default:
		return "Info"
	}
}

// Level parses a level name, case insensitive. Unknown names map to Info.
func Level(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "SILENT":
		return Silent
	case "FATAL":
		return Fatal
	case "ERROR":
		return Error
	case "WARN":
		return Warn
	case "INFO":
		return Info
	case "DEBUG":
		return Debug
	case "TRACE":
		return Trace
	default:
		return Info
	}
}

// Logger interface
type Logger interface {
	// Fatal errors. Will not terminate execution.
	Fatalf(format string, v ...interface{})
	// Errors, logged by default.
	Errorf(format string, v ...interface{})
	// Warnings, logged by default.
	Warnf(format string, v ...interface{})
	// Informational messages.
	Infof(format string, v ...interface{})
	// Debugging messages
	Debugf(format string, v ...interface{})
	// Program execution
	Tracef(format string, v ...interface{})
	// Get stack trace
	StackTrace() string
}

type destination struct {
	baselevel int32
	target    *l.Logger
}

func (log *destination) Fatalf(format string, v ...interface{}) {
	log.printf(Fatal, format, v...)
}

func (log *destination) Errorf(format string, v ...interface{}) {
	log.printf(Error, format, v...)
}

func (log *destination) Warnf(format string, v ...interface{}) {
	log.printf(Warn, format, v...)
}

func (log *destination) Infof(format string, v ...interface{}) {
	log.printf(Info, format, v...)
}

func (log *destination) Debugf(format string, v ...interface{}) {
	log.printf(Debug, format, v...)
}

func (log *destination) Tracef(format string, v ...interface{}) {
	log.printf(Trace, format, v...)
}

func (log *destination) StackTrace() string {
	return string(debug.Stack())
}

func (log *destination) SetLogLevel(to LogLevel) {
	atomic.StoreInt32(&log.baselevel, int32(to))
}

func (log *destination) isEnabled(at LogLevel) bool {
	return at <= LogLevel(atomic.LoadInt32(&log.baselevel))
}

func (log *destination) printf(at LogLevel, format string, v ...interface{}) {
	if log.isEnabled(at) {
		log.target.Printf("["+at.String()+"] "+format, v...)
	}
}

// The default logger
var SystemLogger destination

func init() {
	target := l.New(os.Stdout, "", l.Ldate|l.Ltime|l.Lmicroseconds)
	SystemLogger = destination{baselevel: int32(Info), target: target}
}

// SetLogWriter redirects the default logger. Tests use this to capture
// or silence output.
func SetLogWriter(w io.Writer) {
	target := l.New(w, "", l.Ldate|l.Ltime|l.Lmicroseconds)
	SystemLogger = destination{
		baselevel: atomic.LoadInt32(&SystemLogger.baselevel),
		target:    target,
	}
}

//
// Convenience functions on the default logger
//

// Fatalf logs and continues, a fatal here never aborts the process.
func Fatalf(format string, v ...interface{}) {
	SystemLogger.Fatalf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	SystemLogger.Errorf(format, v...)
}

func Warnf(format string, v ...interface{}) {
	SystemLogger.Warnf(format, v...)
}

func Infof(format string, v ...interface{}) {
	SystemLogger.Infof(format, v...)
}

func Debugf(format string, v ...interface{}) {
	SystemLogger.Debugf(format, v...)
}

func Tracef(format string, v ...interface{}) {
	SystemLogger.Tracef(format, v...)
}

// StackTrace of the calling goroutine.
func StackTrace() string {
	return SystemLogger.StackTrace()
}

// SetLogLevel on the default logger.
func SetLogLevel(to LogLevel) {
	SystemLogger.SetLogLevel(to)
}

// IsEnabled reports whether messages at the given level would be emitted.
func IsEnabled(at LogLevel) bool {
	return SystemLogger.isEnabled(at)
}
