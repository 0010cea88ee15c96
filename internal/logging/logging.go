// Package logging implements the core's leveled log sink: a bounded ring
// buffer, a settable minimum level, and a settable per-entry callback fired
// synchronously once an entry passes the filter. A zerolog.Logger (the
// teacher's exact logging library, see cmd/agent/main.go's init()) backs
// human-readable console output alongside the ring, so running the tunnel
// client standalone still gets the familiar developer-facing log stream.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is one of the four severities the core recognizes.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// timestampLayout produces the exact 23-character stamp spec §6 requires:
// YYYY-MM-DD HH:MM:SS.mmm.
const timestampLayout = "2006-01-02 15:04:05.000"

// Entry is one stored log record.
type Entry struct {
	Time    time.Time
	Level   Level
	Message string
}

// Line renders the entry in the external GetLog() wire format.
func (e Entry) Line() string {
	return fmt.Sprintf("%s [%s] %s\n", e.Time.Format(timestampLayout), e.Level, e.Message)
}

// ringCapacity bounds the log ring buffer at 100 entries (FIFO eviction),
// per spec §5's shared-resource table.
const ringCapacity = 100

// Logger is the process-wide leveled sink. Zero value is not usable; use
// New.
type Logger struct {
	mu       sync.Mutex
	minLevel Level
	ring     []Entry
	callback func(Entry)
	console  zerolog.Logger
}

// New creates a Logger with minimum level Info and console output on
// stderr, matching the teacher's default (zerolog.SetGlobalLevel(InfoLevel)
// plus a ConsoleWriter).
func New() *Logger {
	return &Logger{
		minLevel: Info,
		console:  zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timestampLayout}).With().Timestamp().Logger(),
	}
}

// SetLevel sets the minimum level that will be stored and dispatched to the
// callback. Entries below this level are dropped entirely: not stored, not
// passed to the callback.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// SetCallback installs a callback invoked synchronously, with the internal
// lock released, for every entry that passes the level filter. Pass nil to
// remove the callback.
func (l *Logger) SetCallback(cb func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callback = cb
}

func (l *Logger) log(level Level, format string, args []interface{}) {
	l.mu.Lock()
	if level < l.minLevel {
		l.mu.Unlock()
		return
	}
	entry := Entry{Time: time.Now(), Level: level, Message: fmt.Sprintf(format, args...)}
	l.ring = append(l.ring, entry)
	if len(l.ring) > ringCapacity {
		l.ring = l.ring[len(l.ring)-ringCapacity:]
	}
	cb := l.callback
	l.mu.Unlock()

	l.writeConsole(entry)
	if cb != nil {
		cb(entry)
	}
}

func (l *Logger) writeConsole(e Entry) {
	switch e.Level {
	case Debug:
		l.console.Debug().Msg(e.Message)
	case Info:
		l.console.Info().Msg(e.Message)
	case Warn:
		l.console.Warn().Msg(e.Message)
	case Error:
		l.console.Error().Msg(e.Message)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(Debug, format, args) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(Info, format, args) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(Warn, format, args) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(Error, format, args) }

// GetLog returns the oldest-first concatenation of the ring buffer.
func (l *Logger) GetLog() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sb strings.Builder
	for _, e := range l.ring {
		sb.WriteString(e.Line())
	}
	return sb.String()
}

// Snapshot returns a copy of the current ring contents, oldest first.
func (l *Logger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.ring))
	copy(out, l.ring)
	return out
}
