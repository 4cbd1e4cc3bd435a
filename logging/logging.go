// Package logging provides leveled logging backed by the pterm default
// logger. Output goes to stderr unless redirected with SetOutput.
package logging

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Debug logs a formatted message shown only after EnableDebug.
func Debug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

// Info logs a formatted message at info level.
func Info(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// Warn logs a formatted warning.
func Warn(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

// Error logs a formatted error.
func Error(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// Fields logs msg at info level with structured key/value arguments.
func Fields(msg string, fields map[string]any) {
	pterm.DefaultLogger.Info(msg, pterm.DefaultLogger.ArgsFromMap(fields))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// SetOutput redirects log output.
func SetOutput(w io.Writer) {
	pterm.DefaultLogger.Writer = w
}
