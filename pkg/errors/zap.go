package errors

import (
	"go.uber.org/zap"
)

// ZapHandler is a Handler that logs errors through a zap logger.
type ZapHandler struct {
	log *zap.Logger
	// Verbose enables stack trace output for scope errors.
	Verbose bool
}

// NewZapHandler creates a handler writing to the given logger.
// Pass nil to use zap's global logger.
func NewZapHandler(log *zap.Logger) *ZapHandler {
	return &ZapHandler{log: log}
}

func (h *ZapHandler) logger() *zap.Logger {
	if h.log != nil {
		return h.log
	}
	return zap.L()
}

// HandleConflict logs a ConflictError at warn level. Conflicts are an
// expected outcome of concurrent snapshots; the caller retries.
func (h *ZapHandler) HandleConflict(err *ConflictError) {
	if err == nil {
		return
	}
	h.logger().Warn("snapshot apply conflict",
		zap.String("op", err.Op),
		zap.String("cell", err.Cell),
		zap.Uint64("snapshot", err.SnapshotID),
		zap.Uint64("base_seq", err.BaseSeq),
		zap.Uint64("committed_seq", err.CommittedSeq),
	)
}

// HandleIllegalState logs an IllegalStateError at error level.
func (h *ZapHandler) HandleIllegalState(err *IllegalStateError) {
	if err == nil {
		return
	}
	h.logger().Error("illegal snapshot use",
		zap.String("op", err.Op),
		zap.String("reason", err.Reason),
		zap.Uint64("snapshot", err.SnapshotID),
	)
}

// HandleScopeError logs a ScopeError at error level.
func (h *ZapHandler) HandleScopeError(err *ScopeError) {
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("scope", err.Scope),
		zap.String("unit", err.Unit),
		zap.Time("at", err.Timestamp),
	}
	if err.Recovered != nil {
		fields = append(fields, zap.Any("panic", err.Recovered))
	}
	if err.Err != nil {
		fields = append(fields, zap.NamedError("cause", err.Err))
	}
	if h.Verbose && err.StackTrace != "" {
		fields = append(fields, zap.String("stack", err.StackTrace))
	}
	h.logger().Error("scope execution failed", fields...)
}
