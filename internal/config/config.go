// Configuration: defaults, optional .env, optional YAML file, COLORIZER_* overrides
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"photo-colorizer/internal/imageio"
	"photo-colorizer/internal/model"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "COLORIZER_"

// Config is the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	Upload  UploadConfig  `yaml:"upload"`
	Scratch ScratchConfig `yaml:"scratch"`
	Output  OutputConfig  `yaml:"output"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RateLimit is in requests per second; 0 disables limiting
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type ModelConfig struct {
	Dir            string `yaml:"dir"`
	Prototxt       string `yaml:"prototxt"`
	Weights        string `yaml:"weights"`
	ClusterCenters string `yaml:"cluster_centers"`
	Backend        string `yaml:"backend"`
	Target         string `yaml:"target"`
	HeadWorkers    int    `yaml:"head_workers"`
}

type UploadConfig struct {
	MaxBytes          int64    `yaml:"max_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

type ScratchConfig struct {
	Dir           string        `yaml:"dir"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type OutputConfig struct {
	Format      string `yaml:"format"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8000",
			RequestTimeout: 60 * time.Second,
			RateLimit:      5,
			RateBurst:      10,
		},
		Model: ModelConfig{
			Dir:            "models",
			Prototxt:       model.DefaultDescriptor,
			Weights:        model.DefaultWeights,
			ClusterCenters: model.DefaultClusterCenters,
			Backend:        "default",
			Target:         "cpu",
		},
		Upload: UploadConfig{
			MaxBytes:          10 << 20,
			AllowedExtensions: append([]string(nil), imageio.DefaultExtensions...),
		},
		Scratch: ScratchConfig{
			Dir:           filepath.Join(os.TempDir(), "colorizer"),
			MaxAge:        24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Output: OutputConfig{
			Format:      imageio.FormatJPEG,
			JPEGQuality: 95,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. A missing .env is ignored; path may be
// empty, otherwise the file must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to read .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Artifacts resolves the model artifact paths
func (c Config) Artifacts() model.Artifacts {
	return model.ArtifactsIn(c.Model.Dir, c.Model.Prototxt, c.Model.Weights, c.Model.ClusterCenters)
}

// LoadOptions returns the network instantiation options
func (c Config) LoadOptions() model.LoadOptions {
	return model.LoadOptions{
		Backend:     c.Model.Backend,
		Target:      c.Model.Target,
		HeadWorkers: c.Model.HeadWorkers,
	}
}

// CodecOptions returns the image codec options
func (c Config) CodecOptions() imageio.Options {
	return imageio.Options{
		AllowedExtensions: c.Upload.AllowedExtensions,
		OutputFormat:      c.Output.Format,
		JPEGQuality:       c.Output.JPEGQuality,
	}
}

// Validate checks the values that have no safe fallback
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout must not be negative, got %s", c.Server.RequestTimeout))
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.RateBurst < 1) {
		errs = append(errs, fmt.Errorf("server.rate_limit=%g with rate_burst=%d is not usable", c.Server.RateLimit, c.Server.RateBurst))
	}
	if c.Model.Prototxt == "" || c.Model.Weights == "" || c.Model.ClusterCenters == "" {
		errs = append(errs, errors.New("model.prototxt, model.weights and model.cluster_centers are required"))
	}
	if c.Model.HeadWorkers < 0 {
		errs = append(errs, fmt.Errorf("model.head_workers must not be negative, got %d", c.Model.HeadWorkers))
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("upload.max_bytes must be positive, got %d", c.Upload.MaxBytes))
	}
	if c.Scratch.Dir == "" {
		errs = append(errs, errors.New("scratch.dir is required"))
	}
	switch strings.ToLower(c.Output.Format) {
	case imageio.FormatJPEG, "jpg", imageio.FormatPNG:
	default:
		errs = append(errs, fmt.Errorf("output.format must be jpeg or png, got %q", c.Output.Format))
	}
	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("output.jpeg_quality must be in [1, 100], got %d", c.Output.JPEGQuality))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	parse := func(key string, set func(string) error) {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			}
		}
	}
	duration := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			*dst = d
			return err
		}
	}
	integer := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			*dst = n
			return err
		}
	}

	str("SERVER_ADDR", &c.Server.Addr)
	parse("SERVER_REQUEST_TIMEOUT", duration(&c.Server.RequestTimeout))
	parse("SERVER_RATE_LIMIT", func(v string) (err error) {
		c.Server.RateLimit, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("SERVER_RATE_BURST", integer(&c.Server.RateBurst))

	str("MODEL_DIR", &c.Model.Dir)
	str("MODEL_PROTOTXT", &c.Model.Prototxt)
	str("MODEL_WEIGHTS", &c.Model.Weights)
	str("MODEL_CLUSTER_CENTERS", &c.Model.ClusterCenters)
	str("MODEL_BACKEND", &c.Model.Backend)
	str("MODEL_TARGET", &c.Model.Target)
	parse("MODEL_HEAD_WORKERS", integer(&c.Model.HeadWorkers))

	parse("UPLOAD_MAX_BYTES", func(v string) (err error) {
		c.Upload.MaxBytes, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	parse("UPLOAD_ALLOWED_EXTENSIONS", func(v string) error {
		var exts []string
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				exts = append(exts, e)
			}
		}
		c.Upload.AllowedExtensions = exts
		return nil
	})

	str("SCRATCH_DIR", &c.Scratch.Dir)
	parse("SCRATCH_MAX_AGE", duration(&c.Scratch.MaxAge))
	parse("SCRATCH_SWEEP_INTERVAL", duration(&c.Scratch.SweepInterval))

	str("OUTPUT_FORMAT", &c.Output.Format)
	parse("OUTPUT_JPEG_QUALITY", integer(&c.Output.JPEGQuality))

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}
