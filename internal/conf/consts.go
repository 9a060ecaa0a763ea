package conf

// Storage compression codecs
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
	CompressionZstd   = "zstd"
)

// Partition strategies
const (
	PartitionTime    = "time"
	PartitionFile    = "file"
	PartitionDefault = "default"
)
