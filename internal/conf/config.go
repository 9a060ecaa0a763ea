// config.go: settings struct for canpipe and the functions to load and save it.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/canpipe/internal/cpuspec"
	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// MainSettings holds application identity and logging
type MainSettings struct {
	Name string               // instance name shown in logs
	Log  logger.LoggingConfig // central logger configuration
}

// BufferPoolSettings configures the buffer pool and mapped-file cache.
type BufferPoolSettings struct {
	MaxMemoryMB       int   // budget for pooled buffers in megabytes
	SizeBuckets       []int // ascending, distinct buffer sizes in bytes
	MMapCacheCapacity int   // number of mapped files kept open
	FreeListCap       int   // max free buffers retained per bucket
	HardLimit         bool  // fail instead of allocating over budget
}

// MaxMemoryBytes returns the budget in bytes
func (b *BufferPoolSettings) MaxMemoryBytes() int64 {
	return int64(b.MaxMemoryMB) << 20
}

// ExecutorSettings configures the hybrid task executor.
type ExecutorSettings struct {
	CPUWorkers      int           // 0 selects the host's optimal worker count
	IOWorkers       int           // IO pool size
	MaxConcurrent   int           // IO+CPU tasks running at once, also lane queue capacity
	DefaultTimeout  time.Duration // deadline for IO and CPU tasks
	PriorityTimeout time.Duration // deadline for priority tasks
	StatsInterval   time.Duration // stats refresh and result sweep period
	ShutdownGrace   time.Duration // how long Stop waits for in-flight tasks
	ResultRetention time.Duration // how long unretrieved results are kept
}

// PipelineSettings configures capture file processing.
type PipelineSettings struct {
	InputDir         string // directory scanned for capture files
	FilePattern      string // glob matched against file names
	DBCFile          string // signal database
	MaxParallelFiles int    // files processed concurrently
	BatchSize        int    // records per sink write
}

// StorageSettings configures the columnar sink.
type StorageSettings struct {
	OutputDir         string // root of the columnar store
	Compression       string // none, snappy, lz4 or zstd
	PartitionStrategy string // time, file or default
	RowGroupSize      int    // max rows per segment
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool
	Listen  string // host:port
}

// SentrySettings configures error telemetry.
type SentrySettings struct {
	Enabled bool
	DSN     string
}

// Settings contains all configuration options for canpipe.
type Settings struct {
	Debug bool // true to enable debug logging

	Main       MainSettings
	BufferPool BufferPoolSettings
	Executor   ExecutorSettings
	Pipeline   PipelineSettings
	Storage    StorageSettings
	Metrics    MetricsSettings
	Sentry     SentrySettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into the global settings.
// An empty configFile searches the default config paths.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings, err := load(viper.GetViper(), configFile)
	if err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// load does the work of Load against a caller-owned viper instance
func load(v *viper.Viper, configFile string) (*Settings, error) {
	if err := initViper(v, configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal-config").
			Build()
	}

	if settings.Executor.CPUWorkers == 0 {
		settings.Executor.CPUWorkers = cpuspec.GetCPUSpec().OptimalCPUWorkers()
		GetLogger().Debug("cpu workers resolved from host",
			logger.Int("cpu_workers", settings.Executor.CPUWorkers))
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	return settings, nil
}

// initViper registers defaults and environment overrides, then reads the config file.
func initViper(v *viper.Viper, configFile string) error {
	setDefaultConfig(v)
	configureEnvironmentVariables(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("config_file", configFile).
				Build()
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(v, configPaths)
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded config to the first usable config path
func createDefaultConfig(v *viper.Viper, configPaths []string) error {
	defaultConfig, err := getDefaultConfig()
	if err != nil {
		return err
	}

	var lastErr error
	for _, dir := range configPaths {
		configPath := filepath.Join(dir, "config.yaml")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			lastErr = err
			continue
		}
		if err := os.WriteFile(configPath, defaultConfig, 0o644); err != nil {
			lastErr = err
			continue
		}

		GetLogger().Info("created default config file", logger.String("path", configPath))
		v.SetConfigFile(configPath)
		return v.ReadInConfig()
	}

	// Defaults alone are still a usable configuration
	GetLogger().Warn("could not write default config file, using built-in defaults",
		logger.Error(lastErr))
	return nil
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() ([]byte, error) {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "read-embedded-config").
			Build()
	}
	return data, nil
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveYAMLConfig writes settings to configPath.
// It overwrites the existing file, not preserving comments or structure.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	// Temp file plus rename keeps readers from seeing a half-written config
	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("operation", "create-temp-config").
			Build()
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName) //nolint:errcheck // gone after a successful rename

	if _, err := tempFile.Write(yamlData); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			FileContext(configPath, int64(len(yamlData))).
			Build()
	}
	return nil
}

// configureEnvironmentVariables enables CANPIPE_ prefixed overrides, e.g. CANPIPE_EXECUTOR_IOWORKERS.
func configureEnvironmentVariables(v *viper.Viper) {
	v.SetEnvPrefix("CANPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}
