// conf/utils.go various util functions for configuration package
package conf

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/tphakala/canpipe/internal/errors"
)

const osWindows = "windows"

// GetDefaultConfigPaths returns the config directories for the current operating system.
// When one of them already holds a config.yaml only that directory is returned.
func GetDefaultConfigPaths() ([]string, error) {
	var configPaths []string

	workDir, err := os.Getwd()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategorySystem).
			Context("operation", "get-working-directory").
			Build()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategorySystem).
			Context("operation", "get-home-directory").
			Build()
	}

	switch runtime.GOOS {
	case osWindows:
		configPaths = []string{
			workDir,
			filepath.Join(homeDir, "AppData", "Roaming", "canpipe"),
		}
	default:
		configPaths = []string{
			workDir,
			filepath.Join(homeDir, ".config", "canpipe"),
			"/etc/canpipe",
		}
	}

	for _, path := range configPaths {
		if _, err := os.Stat(filepath.Join(path, "config.yaml")); err == nil {
			return []string{path}, nil
		}
	}

	return configPaths, nil
}
