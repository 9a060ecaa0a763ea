package pipeline

import "github.com/tphakala/canpipe/internal/logger"

func getLogger() logger.Logger {
	return logger.Global().Module("pipeline")
}
