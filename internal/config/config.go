// Package config defines service configuration and its loader.
package config

import (
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr is the HTTP listen address, e.g. ":8000".
	Addr string `koanf:"addr"`

	// BackbonePath is the ONNX export of ResNet50 without its fc layer.
	BackbonePath string `koanf:"backbone_path"`

	// HeadPath optionally points at a trained head checkpoint (JSON). When
	// empty the head is freshly initialised from HeadSeed and is untrained.
	HeadPath string `koanf:"head_path"`
	HeadSeed uint64 `koanf:"head_seed"`

	// ONNXLibraryPath locates libonnxruntime; empty uses the platform default.
	ONNXLibraryPath string `koanf:"onnx_library_path"`
	InputName       string `koanf:"input_name"`
	OutputName      string `koanf:"output_name"`
	IntraOpThreads  int    `koanf:"intra_op_threads"`

	// UploadDir holds per-request temp files; empty means os.TempDir().
	UploadDir      string `koanf:"upload_dir"`
	MaxUploadBytes int64  `koanf:"max_upload_bytes"`

	CORSOrigins []string `koanf:"cors_origins"`

	// Metrics naming and latency histogram buckets, in seconds. Empty values
	// keep the metrics package defaults.
	MetricsNamespace string    `koanf:"metrics_namespace"`
	MetricsSubsystem string    `koanf:"metrics_subsystem"`
	LatencyBuckets   []float64 `koanf:"latency_buckets"`

	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:        "info",
		Addr:            ":8000",
		BackbonePath:    "models/resnet50_backbone.onnx",
		HeadSeed:        0,
		InputName:       "input",
		OutputName:      "features",
		UploadDir:       "",
		MaxUploadBytes:  32 << 20,
		CORSOrigins:     []string{"*"},
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}
