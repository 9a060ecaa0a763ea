// Package conf provides configuration management for canpipe.
package conf

import "github.com/tphakala/canpipe/internal/logger"

// GetLogger returns the config package logger scoped to the config module.
// It is resolved on every call since the central logger is installed after init.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
