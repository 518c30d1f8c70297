package utils

import "go.uber.org/zap"

// NewLogger returns a zap logger tagged with the worker id. When debug is true it uses the
// development config (human-readable, debug level); otherwise the production config.
func NewLogger(debug bool, workerID string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	if workerID != "" {
		logger = logger.With(zap.String("worker", workerID))
	}
	return logger, nil
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
