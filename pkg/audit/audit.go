// Package audit appends execution log entries to a JSON lines file.
package audit

import (
	"errors"
	"io"
	"os"

	"github.com/dukex/convoflow/pkg/models"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink writes every execution log entry as one JSON object per line. It
// satisfies executionlog.Sink.
type Sink struct {
	logger *zap.Logger
	closer io.Closer
}

// NewFileSink opens (or creates) fileName in append mode.
func NewFileSink(fileName string) (*Sink, error) {
	file, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	sink := NewSink(zapcore.AddSync(file))
	sink.closer = file

	return sink, nil
}

func NewSink(w zapcore.WriteSyncer) *Sink {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	encoderConfig.CallerKey = ""

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), w, zapcore.DebugLevel)

	return &Sink{logger: zap.New(core)}
}

func (s *Sink) WriteEntry(executionID, workflowID string, entry models.LogEntry) {
	fields := []zap.Field{
		zap.String("execution_id", executionID),
		zap.String("workflow_id", workflowID),
		zap.Time("at", entry.Timestamp),
	}

	if entry.NodeID != "" {
		fields = append(fields, zap.String("node_id", entry.NodeID))
	}

	if len(entry.Data) > 0 {
		fields = append(fields, zap.Any("data", entry.Data))
	}

	if entry.Error != nil {
		fields = append(fields,
			zap.String("error_name", entry.Error.Name),
			zap.String("error", entry.Error.Message))
	}

	if ce := s.logger.Check(levelOf(entry.Level), entry.Message); ce != nil {
		ce.Write(fields...)
	}
}

// Close flushes buffered entries and closes the underlying file, if any.
func (s *Sink) Close() error {
	err := s.logger.Sync()

	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}

	return err
}

func levelOf(level models.LogLevel) zapcore.Level {
	switch level {
	case models.LogLevelDebug:
		return zapcore.DebugLevel
	case models.LogLevelWarn:
		return zapcore.WarnLevel
	case models.LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
