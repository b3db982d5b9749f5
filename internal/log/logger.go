// Package log provides a global logger with configurable logging level. The intended use is for
// development builds; callers that need structured logging should wrap the Tagged type.

package log

import (
	"fmt"
	"os"
	"sync"
	"time"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anomalies that are not expected to occur during normal use.
	LevelWarning              // Logs anomalies that are expected to occur occasionally during normal use.
	LevelInfo                 // Logs major events (state transitions, connects/disconnects).
	LevelDebug                // Logs detailed IO (packets, wire bytes).
)

var globalLogLevel Level
var logMutex sync.Mutex

var labels = map[Level]string{
	LevelDebug:   "[debug]",
	LevelInfo:    "[info ]",
	LevelWarning: "[warn ]",
	LevelError:   "[error]",
}

func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLogLevel = level
}

func logLevel() Level {
	logMutex.Lock()
	defer logMutex.Unlock()
	return globalLogLevel
}

func log(level Level, format string, a ...interface{}) {
	if level <= logLevel() {
		msg := fmt.Sprintf("%s %s ", time.Now().Format(time.RFC3339), labels[level])
		msg += fmt.Sprintf(format, a...)
		fmt.Fprintln(os.Stderr, msg)
	}
}

func Debug(format string, a ...interface{}) {
	log(LevelDebug, format, a...)
}
func Info(format string, a ...interface{}) {
	log(LevelInfo, format, a...)
}
func Warning(format string, a ...interface{}) {
	log(LevelWarning, format, a...)
}
func Error(format string, a ...interface{}) {
	log(LevelError, format, a...)
}

// Tagged prefixes every message with a component name, which is useful once a process hosts
// several independent state machines (one per peer) logging to the same stream.
type Tagged struct {
	component string
}

// Tag returns a Tagged logger for component. Safe to create once and share.
func Tag(component string) Tagged {
	return Tagged{component: component}
}

func (t Tagged) Debug(format string, a ...interface{}) {
	log(LevelDebug, t.component+": "+format, a...)
}
func (t Tagged) Info(format string, a ...interface{}) {
	log(LevelInfo, t.component+": "+format, a...)
}
func (t Tagged) Warning(format string, a ...interface{}) {
	log(LevelWarning, t.component+": "+format, a...)
}
func (t Tagged) Error(format string, a ...interface{}) {
	log(LevelError, t.component+": "+format, a...)
}
