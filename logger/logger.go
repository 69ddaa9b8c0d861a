// Package logger implements a small leveled, glog-style logging facade:
// component-scoped handles writing through a single verbosity gate, with
// the V(level) check cheap enough to guard hot paths.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is a verbosity level; higher numbers are more verbose.
type Level int32

const (
	Error Level = iota
	Warn
	Info
	Debug
	Detail
)

func (l Level) String() string {
	switch l {
	case Error:
		return "ERROR"
	case Warn:
		return "WARN"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	case Detail:
		return "DETAIL"
	default:
		return "LVL"
	}
}

var (
	mu        sync.Mutex
	out       io.Writer = os.Stderr
	verbosity int32     = int32(Info)
)

// SetOutput redirects all log output; used by tests to capture lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// SetVerbosity sets the global verbosity gate. Log calls at or below this
// level are written; calls above it are dropped without formatting cost
// at the V() call site (the bool check happens before arguments are built).
func SetVerbosity(l Level) {
	atomic.StoreInt32(&verbosity, int32(l))
}

func enabled(l Level) bool {
	return int32(l) <= atomic.LoadInt32(&verbosity)
}

func write(l Level, component string, format string, args []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "%s [%s] %s: %s\n",
		time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), l, component, fmt.Sprintf(format, args...))
}

// Logger is a component-scoped handle, analogous to glog's package-level
// functions but namespaced so swarm/store/task lines can be told apart.
type Logger struct {
	component string
}

// New returns a Logger tagged with component, e.g. logger.New("swarm").
func New(component string) *Logger {
	return &Logger{component: component}
}

func (g *Logger) Errorf(format string, args ...interface{}) {
	if enabled(Error) {
		write(Error, g.component, format, args)
	}
}

func (g *Logger) Warnf(format string, args ...interface{}) {
	if enabled(Warn) {
		write(Warn, g.component, format, args)
	}
}

func (g *Logger) Infof(format string, args ...interface{}) {
	if enabled(Info) {
		write(Info, g.component, format, args)
	}
}

// V reports whether level is currently enabled, mirroring glog's
// `if glog.V(2) {... }` idiom for guarding expensive argument
// construction at call sites that log at Debug/Detail.
func (g *Logger) V(l Level) bool {
	return enabled(l)
}

func (g *Logger) Debugf(format string, args ...interface{}) {
	if enabled(Debug) {
		write(Debug, g.component, format, args)
	}
}

func (g *Logger) Detailf(format string, args ...interface{}) {
	if enabled(Detail) {
		write(Detail, g.component, format, args)
	}
}
