// Package kanlog provides the leveled, object-tagged logging used across
// kanrt, mirroring rclone's fs.Logf/fs.Debugf/fs.Errorf family: every line
// names the subsystem that produced it and is gated by a global level.
package kanlog

import (
	"fmt"
	"log"
	"sync/atomic"
)

// Level controls which calls actually print.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelNotice
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelNotice:
		return "NOTICE"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var current atomic.Int32

func init() {
	current.Store(int32(LevelNotice))
}

// SetLevel changes the global gate. Safe for concurrent use.
func SetLevel(l Level) {
	current.Store(int32(l))
}

// GetLevel returns the current gate.
func GetLevel() Level {
	return Level(current.Load())
}

// object stringifies the first argument of every logging call the way
// rclone does: nil prints as "-", everything else via fmt.Stringer or %v.
func object(o any) string {
	if o == nil {
		return "-"
	}
	if s, ok := o.(interface{ String() string }); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", o)
}

func logf(level Level, o any, format string, args ...any) {
	if level < GetLevel() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Printf("%s: %s: %s", level, object(o), msg)
}

// Debugf logs at LevelDebug, tagged with o (may be nil).
func Debugf(o any, format string, args ...any) { logf(LevelDebug, o, format, args...) }

// Infof logs at LevelInfo.
func Infof(o any, format string, args ...any) { logf(LevelInfo, o, format, args...) }

// Logf logs at LevelNotice, the default "this happened" level.
func Logf(o any, format string, args ...any) { logf(LevelNotice, o, format, args...) }

// Errorf logs at LevelError. It does not itself build an error value;
// callers still return their own wrapped error.
func Errorf(o any, format string, args ...any) { logf(LevelError, o, format, args...) }
