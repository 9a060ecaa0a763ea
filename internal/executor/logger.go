package executor

import (
	"context"
	"time"

	"github.com/tphakala/canpipe/internal/logger"
)

func getLogger() logger.Logger {
	return logger.Global().Module("executor")
}

func logTaskSubmitted(ctx context.Context, id string, kind Kind, priority int) {
	getLogger().WithContext(ctx).Debug("task submitted",
		logger.String("task_id", id),
		logger.String("lane", kind.String()),
		logger.Int("priority", priority))
}

func logTaskFinished(id string, kind Kind, status Status, duration time.Duration, err error) {
	log := getLogger()
	fields := []logger.Field{
		logger.String("task_id", id),
		logger.String("lane", kind.String()),
		logger.String("status", status.String()),
		logger.Duration("duration", duration),
	}
	switch status {
	case StatusFailed:
		log.Warn("task failed", append(fields, logger.Error(err))...)
	case StatusCancelled:
		log.Debug("task cancelled", fields...)
	default:
		log.Debug("task completed", fields...)
	}
}
