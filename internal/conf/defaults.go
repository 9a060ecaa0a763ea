// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/canpipe/internal/logger"
)

// Default buffer bucket sizes: 4 KiB frame batches up to 64 MiB decompressed captures.
var defaultSizeBuckets = []int{
	4 << 10,
	64 << 10,
	1 << 20,
	4 << 20,
	16 << 20,
	64 << 20,
}

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("main.name", "canpipe")
	v.SetDefault("main.log.defaultlevel", logger.DefaultLogLevel)
	v.SetDefault("main.log.timezone", "Local")
	v.SetDefault("main.log.console.enabled", true)
	v.SetDefault("main.log.console.level", logger.DefaultLogLevel)
	v.SetDefault("main.log.fileoutput.enabled", false)
	v.SetDefault("main.log.fileoutput.path", logger.DefaultLogPath)
	v.SetDefault("main.log.fileoutput.level", logger.DefaultLogLevel)

	v.SetDefault("bufferpool.maxmemorymb", 1024)
	v.SetDefault("bufferpool.sizebuckets", defaultSizeBuckets)
	v.SetDefault("bufferpool.mmapcachecapacity", 16)
	v.SetDefault("bufferpool.freelistcap", 10)
	v.SetDefault("bufferpool.hardlimit", false)

	v.SetDefault("executor.cpuworkers", 0)
	v.SetDefault("executor.ioworkers", 16)
	v.SetDefault("executor.maxconcurrent", 100)
	v.SetDefault("executor.defaulttimeout", 300*time.Second)
	v.SetDefault("executor.prioritytimeout", 60*time.Second)
	v.SetDefault("executor.statsinterval", 5*time.Second)
	v.SetDefault("executor.shutdowngrace", 30*time.Second)
	v.SetDefault("executor.resultretention", 10*time.Minute)

	v.SetDefault("pipeline.inputdir", "data/raw")
	v.SetDefault("pipeline.filepattern", "*.bin")
	v.SetDefault("pipeline.dbcfile", "")
	v.SetDefault("pipeline.maxparallelfiles", 4)
	v.SetDefault("pipeline.batchsize", 10000)

	v.SetDefault("storage.outputdir", "data/columnar")
	v.SetDefault("storage.compression", CompressionSnappy)
	v.SetDefault("storage.partitionstrategy", PartitionTime)
	v.SetDefault("storage.rowgroupsize", 100000)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
}
