// Package logging provides leveled logging for the relay and browser
// manager. Logging can be disabled for clean CLI output.
package logging

import (
	"log"
	"os"
)

var (
	disabled = false
	verbose  = false
	logger   = log.New(os.Stdout, "", log.LstdFlags)
)

// Disable turns off all logging
func Disable() {
	disabled = true
}

// Enable turns logging back on
func Enable() {
	disabled = false
}

// SetVerbose turns debug output on or off
func SetVerbose(v bool) {
	verbose = v
}

// Info logs an info message
func Info(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Error logs an error message
func Error(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Warn logs a warning message
func Warn(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Debug logs a debug message; dropped unless verbose output is enabled
func Debug(v ...any) {
	if !disabled && verbose {
		logger.Println(v...)
	}
}

// Debugf logs a formatted debug message; dropped unless verbose output is enabled
func Debugf(format string, v ...any) {
	if !disabled && verbose {
		logger.Printf(format, v...)
	}
}
