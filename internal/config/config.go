package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/go-attnbench/internal/runtime/tensor"
)

type Config struct {
	Bench    BenchConfig   `mapstructure:"bench"`
	Device   DeviceConfig  `mapstructure:"device"`
	Kernels  KernelsConfig `mapstructure:"kernels"`
	Output   OutputConfig  `mapstructure:"output"`
	LogLevel string        `mapstructure:"log_level"`
}

type BenchConfig struct {
	Heads      int    `mapstructure:"heads"`
	HeadDim    int    `mapstructure:"head_dim"`
	Warmup     int    `mapstructure:"warmup"`
	Iterations int    `mapstructure:"iterations"`
	Seed       uint64 `mapstructure:"seed"`
	DType      string `mapstructure:"dtype"`
	MatrixFile string `mapstructure:"matrix_file"`
}

type DeviceConfig struct {
	Kind          string  `mapstructure:"kind"`
	Workers       int     `mapstructure:"workers"`
	MemoryLimitGB float64 `mapstructure:"memory_limit_gb"`
}

type KernelsConfig struct {
	Disable        []string `mapstructure:"disable"`
	Specialize     bool     `mapstructure:"specialize"`
	BlockSize      int      `mapstructure:"block_size"`
	ORTLibraryPath string   `mapstructure:"ort_library_path"`
	ORTModelPath   string   `mapstructure:"ort_model_path"`
}

type OutputConfig struct {
	Format    string `mapstructure:"format"`
	Path      string `mapstructure:"path"`
	DBPath    string `mapstructure:"db_path"`
	UploadURL string `mapstructure:"upload_url"`
}

// Summary formats: table is the styled console summary, plain the ASCII
// table, json the full report.
const (
	FormatTable = "table"
	FormatPlain = "plain"
	FormatJSON  = "json"
)

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Bench: BenchConfig{
			Heads:      32,
			HeadDim:    128,
			Warmup:     3,
			Iterations: 10,
			Seed:       0,
			DType:      "float16",
		},
		Device: DeviceConfig{
			Kind:          "cpu",
			Workers:       0,
			MemoryLimitGB: 16,
		},
		Kernels: KernelsConfig{
			Specialize: true,
			BlockSize:  64,
		},
		Output: OutputConfig{
			Format: FormatTable,
		},
		LogLevel: "info",
	}
}

// flagKeys maps config keys to their command-line flag names.
var flagKeys = []struct{ key, flag string }{
	{"bench.heads", "heads"},
	{"bench.head_dim", "head-dim"},
	{"bench.warmup", "warmup"},
	{"bench.iterations", "iterations"},
	{"bench.seed", "seed"},
	{"bench.dtype", "dtype"},
	{"bench.matrix_file", "matrix"},
	{"device.kind", "device"},
	{"device.workers", "workers"},
	{"device.memory_limit_gb", "memory-limit-gb"},
	{"kernels.disable", "disable"},
	{"kernels.specialize", "specialize"},
	{"kernels.block_size", "block-size"},
	{"kernels.ort_library_path", "ort-lib"},
	{"kernels.ort_model_path", "ort-model"},
	{"output.format", "format"},
	{"output.path", "output"},
	{"output.db_path", "db"},
	{"output.upload_url", "upload"},
	{"log_level", "log-level"},
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.Int("heads", defaults.Bench.Heads, "Attention heads per input")
	fs.Int("head-dim", defaults.Bench.HeadDim, "Head dimension")
	fs.Int("warmup", defaults.Bench.Warmup, "Untimed warmup invocations per implementation")
	fs.Int("iterations", defaults.Bench.Iterations, "Timed invocations per implementation")
	fs.Uint64("seed", defaults.Bench.Seed, "Seed for input generation")
	fs.String("dtype", defaults.Bench.DType, "Input element type (float16)")
	fs.String("matrix", defaults.Bench.MatrixFile, "TOML file with [[config]] tables replacing the default matrix")
	fs.String("device", defaults.Device.Kind, "Compute device kind (cpu)")
	fs.Int("workers", defaults.Device.Workers, "Kernel worker goroutines (0 = number of CPUs)")
	fs.Float64("memory-limit-gb", defaults.Device.MemoryLimitGB, "Device memory budget in GiB (0 = unlimited)")
	fs.StringSlice("disable", defaults.Kernels.Disable, "Capabilities to mask (fma,multicore,onnxruntime,specialize)")
	fs.Bool("specialize", defaults.Kernels.Specialize, "Register autotuned kernel variants")
	fs.Int("block-size", defaults.Kernels.BlockSize, "Tile size for flash and chunked kernels")
	fs.String("ort-lib", defaults.Kernels.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-model", defaults.Kernels.ORTModelPath, "Path to the ONNX attention graph")
	fs.String("format", defaults.Output.Format, "Summary format (table|plain|json)")
	fs.String("output", defaults.Output.Path, "Write the JSON report to this file")
	fs.String("db", defaults.Output.DBPath, "SQLite database for run history")
	fs.String("upload", defaults.Output.UploadURL, "Upload the JSON report to gs://bucket/prefix")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("ATTNBENCH")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("kernels.ort_library_path", "ATTNBENCH_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("attnbench")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("bench.heads", c.Bench.Heads)
	v.SetDefault("bench.head_dim", c.Bench.HeadDim)
	v.SetDefault("bench.warmup", c.Bench.Warmup)
	v.SetDefault("bench.iterations", c.Bench.Iterations)
	v.SetDefault("bench.seed", c.Bench.Seed)
	v.SetDefault("bench.dtype", c.Bench.DType)
	v.SetDefault("bench.matrix_file", c.Bench.MatrixFile)
	v.SetDefault("device.kind", c.Device.Kind)
	v.SetDefault("device.workers", c.Device.Workers)
	v.SetDefault("device.memory_limit_gb", c.Device.MemoryLimitGB)
	v.SetDefault("kernels.disable", c.Kernels.Disable)
	v.SetDefault("kernels.specialize", c.Kernels.Specialize)
	v.SetDefault("kernels.block_size", c.Kernels.BlockSize)
	v.SetDefault("kernels.ort_library_path", c.Kernels.ORTLibraryPath)
	v.SetDefault("kernels.ort_model_path", c.Kernels.ORTModelPath)
	v.SetDefault("output.format", c.Output.Format)
	v.SetDefault("output.path", c.Output.Path)
	v.SetDefault("output.db_path", c.Output.DBPath)
	v.SetDefault("output.upload_url", c.Output.UploadURL)
	v.SetDefault("log_level", c.LogLevel)
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, fk := range flagKeys {
		f := fs.Lookup(fk.flag)
		if f == nil {
			continue
		}

		if err := v.BindPFlag(fk.key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", fk.flag, err)
		}
	}

	return nil
}

// Validate checks values no later stage can recover from.
func (c Config) Validate() error {
	var errs []error

	if c.Bench.Heads <= 0 {
		errs = append(errs, fmt.Errorf("bench.heads must be positive, got %d", c.Bench.Heads))
	}

	if c.Bench.HeadDim <= 0 {
		errs = append(errs, fmt.Errorf("bench.head_dim must be positive, got %d", c.Bench.HeadDim))
	}

	if c.Bench.Warmup < 0 {
		errs = append(errs, fmt.Errorf("bench.warmup must not be negative, got %d", c.Bench.Warmup))
	}

	if c.Bench.Iterations <= 0 {
		errs = append(errs, fmt.Errorf("bench.iterations must be positive, got %d", c.Bench.Iterations))
	}

	if _, err := tensor.ParseDType(c.Bench.DType); err != nil {
		errs = append(errs, fmt.Errorf("bench.dtype: %w", err))
	}

	if c.Device.Workers < 0 {
		errs = append(errs, fmt.Errorf("device.workers must not be negative, got %d", c.Device.Workers))
	}

	if c.Device.MemoryLimitGB < 0 {
		errs = append(errs, fmt.Errorf("device.memory_limit_gb must not be negative, got %g", c.Device.MemoryLimitGB))
	}

	if c.Kernels.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("kernels.block_size must be positive, got %d", c.Kernels.BlockSize))
	}

	switch strings.ToLower(c.Output.Format) {
	case FormatTable, FormatPlain, FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("output.format %q (want table|plain|json)", c.Output.Format))
	}

	if c.Output.UploadURL != "" && !strings.HasPrefix(c.Output.UploadURL, "gs://") {
		errs = append(errs, fmt.Errorf("output.upload_url %q must start with gs://", c.Output.UploadURL))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
}
