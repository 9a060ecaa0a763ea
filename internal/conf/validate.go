// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/tphakala/canpipe/internal/errors"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateBufferPoolSettings(&settings.BufferPool)...)
	ve.Errors = append(ve.Errors, validateExecutorSettings(&settings.Executor)...)
	ve.Errors = append(ve.Errors, validatePipelineSettings(&settings.Pipeline)...)
	ve.Errors = append(ve.Errors, validateStorageSettings(&settings.Storage)...)

	if settings.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(settings.Metrics.Listen); err != nil {
			ve.Errors = append(ve.Errors, fmt.Sprintf("metrics listen address %q is invalid: %v", settings.Metrics.Listen, err))
		}
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry DSN must be set when sentry is enabled")
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("error_count", len(ve.Errors)).
			Build()
	}
	return nil
}

func validateBufferPoolSettings(s *BufferPoolSettings) []string {
	var errs []string

	if s.MaxMemoryMB <= 0 {
		errs = append(errs, "buffer pool maxmemorymb must be positive")
	}
	if len(s.SizeBuckets) == 0 {
		errs = append(errs, "buffer pool sizebuckets must not be empty")
	}
	for i, size := range s.SizeBuckets {
		if size <= 0 {
			errs = append(errs, fmt.Sprintf("buffer pool bucket %d must be positive, got %d", i, size))
			continue
		}
		if i > 0 && size <= s.SizeBuckets[i-1] {
			errs = append(errs, fmt.Sprintf("buffer pool buckets must be strictly increasing: %d follows %d", size, s.SizeBuckets[i-1]))
		}
	}
	if s.MMapCacheCapacity <= 0 {
		errs = append(errs, "buffer pool mmapcachecapacity must be positive")
	}
	if s.FreeListCap < 0 {
		errs = append(errs, "buffer pool freelistcap must not be negative")
	}
	return errs
}

func validateExecutorSettings(s *ExecutorSettings) []string {
	var errs []string

	if s.CPUWorkers <= 0 {
		errs = append(errs, "executor cpuworkers must be positive")
	}
	if s.IOWorkers <= 0 {
		errs = append(errs, "executor ioworkers must be positive")
	}
	if s.MaxConcurrent <= 0 {
		errs = append(errs, "executor maxconcurrent must be positive")
	}
	if s.StatsInterval <= 0 {
		errs = append(errs, "executor statsinterval must be positive")
	}
	if s.ShutdownGrace < 0 {
		errs = append(errs, "executor shutdowngrace must not be negative")
	}
	if s.ResultRetention <= 0 {
		errs = append(errs, "executor resultretention must be positive")
	}
	return errs
}

func validatePipelineSettings(s *PipelineSettings) []string {
	var errs []string

	if s.MaxParallelFiles <= 0 {
		errs = append(errs, "pipeline maxparallelfiles must be positive")
	}
	if s.BatchSize <= 0 {
		errs = append(errs, "pipeline batchsize must be positive")
	}
	if strings.TrimSpace(s.FilePattern) == "" {
		errs = append(errs, "pipeline filepattern must not be empty")
	}
	return errs
}

func validateStorageSettings(s *StorageSettings) []string {
	var errs []string

	codecs := []string{CompressionNone, CompressionSnappy, CompressionLZ4, CompressionZstd}
	if !slices.Contains(codecs, s.Compression) {
		errs = append(errs, fmt.Sprintf("storage compression %q must be one of %s", s.Compression, strings.Join(codecs, ", ")))
	}
	strategies := []string{PartitionTime, PartitionFile, PartitionDefault}
	if !slices.Contains(strategies, s.PartitionStrategy) {
		errs = append(errs, fmt.Sprintf("storage partitionstrategy %q must be one of %s", s.PartitionStrategy, strings.Join(strategies, ", ")))
	}
	if s.RowGroupSize <= 0 {
		errs = append(errs, "storage rowgroupsize must be positive")
	}
	if s.OutputDir == "" {
		errs = append(errs, "storage outputdir must not be empty")
	}
	return errs
}
