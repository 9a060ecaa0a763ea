package executor

import (
	"time"

	"github.com/tphakala/canpipe/internal/cpuspec"
	"github.com/tphakala/canpipe/internal/errors"
)

// Config holds executor construction parameters.
type Config struct {
	CPUWorkers      int
	IOWorkers       int
	MaxConcurrent   int           // IO+CPU tasks running at once; also the capacity of each lane queue
	DefaultTimeout  time.Duration // IO and CPU deadline, <= 0 disables
	PriorityTimeout time.Duration // priority lane deadline, <= 0 disables
	StatsInterval   time.Duration // 0 disables the periodic stats loop
	ShutdownGrace   time.Duration
	ResultRetention time.Duration // <= 0 keeps unretrieved results until Stop
}

// DefaultConfig returns a configuration sized for the host.
func DefaultConfig() Config {
	return Config{
		CPUWorkers:      cpuspec.GetCPUSpec().OptimalCPUWorkers(),
		IOWorkers:       16,
		MaxConcurrent:   100,
		DefaultTimeout:  300 * time.Second,
		PriorityTimeout: 60 * time.Second,
		StatsInterval:   5 * time.Second,
		ShutdownGrace:   30 * time.Second,
		ResultRetention: 10 * time.Minute,
	}
}

func (c *Config) validate() error {
	var problem string
	switch {
	case c.CPUWorkers <= 0:
		problem = "cpu workers must be positive"
	case c.IOWorkers <= 0:
		problem = "io workers must be positive"
	case c.MaxConcurrent <= 0:
		problem = "max concurrent must be positive"
	case c.StatsInterval < 0:
		problem = "stats interval must not be negative"
	case c.ShutdownGrace < 0:
		problem = "shutdown grace must not be negative"
	default:
		return nil
	}
	return errors.Newf("invalid executor config: %s", problem).
		Component("executor").
		Category(errors.CategoryValidation).
		Context("cpu_workers", c.CPUWorkers).
		Context("io_workers", c.IOWorkers).
		Context("max_concurrent", c.MaxConcurrent).
		Build()
}

func (c *Config) timeoutFor(kind Kind) time.Duration {
	if kind == KindPriority {
		return c.PriorityTimeout
	}
	return c.DefaultTimeout
}
