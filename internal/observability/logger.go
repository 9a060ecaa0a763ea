package observability

import "github.com/tphakala/canpipe/internal/logger"

// getLogger resolves the module logger lazily so SetGlobal during startup takes effect
func getLogger() logger.Logger {
	return logger.Global().Module("observability")
}
