package server

import (
	"io"
	"log"
	"os"
)

var (
	// debugLog traces individual messages and is silent unless enabled
	debugLog = log.New(io.Discard, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)

	// errorLog reports failures that do not stop the server
	errorLog = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// EnableDebugLogging turns on per-message trace output
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}
