package errors

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	handlerMu sync.RWMutex

	// defaultHandler is the global fallback handler used when no runtime
	// or composer handler is configured. It defaults to a ZapHandler
	// writing through zap's global logger.
	defaultHandler Handler = NewZapHandler(nil)
)

// SetHandler configures the global fallback handler.
// Pass nil to restore the default ZapHandler.
func SetHandler(h Handler) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	if h == nil {
		defaultHandler = NewZapHandler(nil)
	} else {
		defaultHandler = h
	}
}

// getHandler returns the current global handler.
func getHandler() Handler {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	return defaultHandler
}

// ReportConflict sends a conflict error to the global handler.
func ReportConflict(err *ConflictError) {
	if err == nil {
		return
	}
	if h := getHandler(); h != nil {
		h.HandleConflict(err)
	}
}

// ReportIllegalState sends an illegal-state error to the global handler.
func ReportIllegalState(err *IllegalStateError) {
	if err == nil {
		return
	}
	if h := getHandler(); h != nil {
		h.HandleIllegalState(err)
	}
}

// ReportScopeError sends a scope failure to the global handler.
// If err.Timestamp is zero, it is set to the current time.
func ReportScopeError(err *ScopeError) {
	if err == nil {
		return
	}
	if err.Timestamp.IsZero() {
		err.Timestamp = time.Now()
	}
	if h := getHandler(); h != nil {
		h.HandleScopeError(err)
	}
}

// Recover reports a panic in the calling goroutine to the global
// handler as a ScopeError and swallows it. Use in a defer around
// callbacks that must not take the process down.
func Recover(op string) {
	if r := recover(); r != nil {
		ReportScopeError(&ScopeError{
			Unit:       op,
			Recovered:  r,
			StackTrace: CaptureStack(),
			Timestamp:  time.Now(),
		})
	}
}

// CaptureStack returns the current call stack as a string.
// It skips the first few frames to exclude the CaptureStack call itself.
func CaptureStack() string {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(3, pcs[:])
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		sb.WriteString(frame.Function)
		sb.WriteString("\n\t")
		sb.WriteString(frame.File)
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(frame.Line))
		sb.WriteString("\n")
		if !more {
			break
		}
	}
	return sb.String()
}
