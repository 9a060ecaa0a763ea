package pipeline

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/eapache/queue"

	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/logger"
)

// Discover lists the files below dir whose base name matches pattern,
// breadth first. Within a directory entries are visited in name order.
// Hidden files and directories are skipped, as are subdirectories that
// cannot be read.
func Discover(dir, pattern string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, errors.New(err).
			Component("pipeline").
			Category(errors.CategoryValidation).
			Context("pattern", pattern).
			Build()
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.FileError(err, dir, 0)
	}
	if !info.IsDir() {
		return nil, errors.Newf("%s is not a directory", dir).
			Component("pipeline").
			Category(errors.CategoryValidation).
			Build()
	}

	var files []string
	pending := queue.New()
	pending.Add(dir)
	for pending.Length() > 0 {
		current := pending.Remove().(string)
		entries, err := os.ReadDir(current)
		if err != nil {
			if current == dir {
				return nil, errors.FileError(err, dir, 0)
			}
			getLogger().Warn("skipping unreadable directory",
				logger.String("dir", current),
				logger.Error(err))
			continue
		}

		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			path := filepath.Join(current, name)
			switch {
			case e.IsDir():
				pending.Add(path)
			case e.Type().IsRegular():
				if ok, _ := filepath.Match(pattern, name); ok {
					files = append(files, path)
				}
			}
		}
	}

	getLogger().Debug("discovered capture files",
		logger.String("dir", dir),
		logger.String("pattern", pattern),
		logger.Int("files", len(files)))
	return files, nil
}
