package storage

import (
	"go.uber.org/zap"
)

// LogWriter is a fallback EventWriter for local development.
// It logs events as structured JSON via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *AbuseEvent) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("action", event.Action),
		zap.String("decision", event.Decision),
		zap.String("mode", event.Mode),
		zap.Bool("is_shadow", event.IsShadow),
		zap.String("reason", event.Reason),
		zap.String("triggered_rule", event.TriggeredRule),
		zap.String("user_id_hash", event.UserIDHash),
		zap.String("ip_hash", event.IPHash),
	}
	if event.CurrentCount != nil {
		fields = append(fields, zap.Int32("current_count", *event.CurrentCount))
	}
	if event.LimitValue != nil {
		fields = append(fields, zap.Int32("limit_value", *event.LimitValue))
	}
	w.logger.Info("abuse_event", fields...)
}

func (w *LogWriter) Close() {}

// MultiWriter fans each event out to several writers.
type MultiWriter []EventWriter

// NewMultiWriter drops nil writers and returns the only writer directly when
// there is just one.
func NewMultiWriter(writers ...EventWriter) EventWriter {
	var ws MultiWriter
	for _, w := range writers {
		if w != nil {
			ws = append(ws, w)
		}
	}
	if len(ws) == 1 {
		return ws[0]
	}
	return ws
}

func (m MultiWriter) Write(event *AbuseEvent) {
	for _, w := range m {
		w.Write(event)
	}
}

// Close closes writers in order.
func (m MultiWriter) Close() {
	for _, w := range m {
		w.Close()
	}
}
