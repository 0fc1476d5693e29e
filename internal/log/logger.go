// Package log provides a global logger with configurable logging level. Output goes to stderr
// unless redirected with SetOutput, which the simulator console uses to keep log lines from
// trampling its prompt.

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anomalies that are not expected to occur during normal use.
	LevelWarning              // Logs anomalies that are expected to occur occasionally during normal use.
	LevelInfo                 // Logs major events: connections, pairing, advertising.
	LevelDebug                // Logs characteristic IO
)

var globalLogLevel = LevelWarning
var output io.Writer = os.Stderr
var logMutex sync.Mutex

var labels = map[Level]string{
	LevelDebug:   "[debug]",
	LevelInfo:    "[info ]",
	LevelWarning: "[warn ]",
	LevelError:   "[error]",
}

var levelNames = map[string]Level{
	"none":    LevelNone,
	"error":   LevelError,
	"warning": LevelWarning,
	"warn":    LevelWarning,
	"info":    LevelInfo,
	"debug":   LevelDebug,
}

// ParseLevel converts a level name (none, error, warning, info, debug) into a Level.
func ParseLevel(name string) (Level, error) {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return level, nil
	}
	return LevelNone, fmt.Errorf("unknown log level '%s'", name)
}

func (l Level) String() string {
	for name, level := range levelNames {
		if level == l && name != "warn" {
			return name
		}
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLogLevel = level
}

// SetOutput redirects log messages to w. A nil w restores stderr.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
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
		logMutex.Lock()
		fmt.Fprintln(output, msg)
		logMutex.Unlock()
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
