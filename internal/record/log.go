package record

import "go.uber.org/zap"

// LogRecorder writes each entry as one structured log line.
type LogRecorder struct {
	logger *zap.Logger
}

func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(e Entry) {
	fields := []zap.Field{
		zap.String("kind", e.Kind),
		zap.String("client", e.Client),
		zap.String("method", e.Method),
		zap.String("target", e.Target),
		zap.Int("status", e.Status),
		zap.Int64("bytes_up", e.BytesUp),
		zap.Int64("bytes_down", e.BytesDown),
		zap.Duration("duration", e.Duration),
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	r.logger.Info(e.Kind, fields...)
}
