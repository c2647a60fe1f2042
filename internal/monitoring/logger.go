// Package monitoring holds the diagnostic logger shared by the compositing
// pipeline, the export queue and the CLI.
package monitoring

import (
	"fmt"
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Capture redirects Logf into the returned slice until restore is called.
// Intended for tests that assert on pipeline diagnostics; read the slice
// only after the logging goroutines have finished.
func Capture() (lines *[]string, restore func()) {
	prev := Logf
	var mu sync.Mutex
	captured := []string{}
	Logf = func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		captured = append(captured, fmt.Sprintf(format, v...))
	}
	return &captured, func() { Logf = prev }
}
