package tools

import (
	"context"
	"log/slog"

	"OpenMCP-Orchestrator/pkg/logger"
)

// AuditRecorder 把工具调用历史写入审计日志。
type AuditRecorder struct{}

// Record 实现 HistoryRecorder。参数内容可能较大，只记录参数名。
func (AuditRecorder) Record(_ context.Context, entry HistoryEntry) {
	keys := make([]string, 0, len(entry.Params))
	for key := range entry.Params {
		keys = append(keys, key)
	}
	attrs := []any{
		slog.String("tool", entry.Tool),
		slog.String("user_id", entry.Context.UserID),
		slog.String("session_id", entry.Context.SessionID),
		slog.Any("params", keys),
		slog.Duration("duration", entry.Result.Duration),
	}
	if entry.Result.Metadata != nil && entry.Result.Metadata.Reversible {
		attrs = append(attrs, slog.String("undo_command", entry.Result.Metadata.UndoCommand))
	}
	if entry.Result.Success {
		logger.Audit(logger.StreamTool).Info("工具执行成功", attrs...)
		return
	}
	attrs = append(attrs,
		slog.String("error_code", string(entry.Result.ErrorCode)),
		slog.String("error", entry.Result.Error),
	)
	logger.Audit(logger.StreamTool).Warn("工具执行失败", attrs...)
}

// RecorderFunc 让普通函数满足 HistoryRecorder。
type RecorderFunc func(ctx context.Context, entry HistoryEntry)

// Record 实现 HistoryRecorder。
func (f RecorderFunc) Record(ctx context.Context, entry HistoryEntry) {
	f(ctx, entry)
}

// MultiRecorder 依次调用多个记录器。
type MultiRecorder []HistoryRecorder

// Record 实现 HistoryRecorder。
func (m MultiRecorder) Record(ctx context.Context, entry HistoryEntry) {
	for _, r := range m {
		if r != nil {
			r.Record(ctx, entry)
		}
	}
}
