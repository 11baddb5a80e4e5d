package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendNative      = "native"
	BackendONNXRuntime = "onnxruntime"

	DefaultModelURL  = "https://raw.githubusercontent.com/Seena-02/mnist/main/model.pt"
	DefaultModelPath = "models/model.pt"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Model  ModelConfig  `yaml:"model"`
	ONNX   ONNXConfig   `yaml:"onnx"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	CORSOrigins       []string      `yaml:"cors_origins"`
}

type ModelConfig struct {
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
	Path    string `yaml:"path"`
	// Digest is an optional "sha256:<hex>" the artifact must match.
	Digest          string        `yaml:"digest"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	ChunkSize       int           `yaml:"chunk_size"`
	// Workers bounds goroutines per forward pass; 0 means GOMAXPROCS.
	Workers     int           `yaml:"workers"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

type ONNXConfig struct {
	URL         string `yaml:"url"`
	Path        string `yaml:"path"`
	Digest      string `yaml:"digest"`
	LibraryPath string `yaml:"library_path"`
	InputName   string `yaml:"input_name"`
	OutputName  string `yaml:"output_name"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default mirrors the fixed values the service has always run with.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			MaxBodyBytes:      1 << 20,
			CORSOrigins:       []string{"*"},
		},
		Model: ModelConfig{
			Backend:         BackendNative,
			URL:             DefaultModelURL,
			Path:            DefaultModelPath,
			DownloadTimeout: 60 * time.Second,
			MaxRetries:      3,
			ChunkSize:       1 << 20,
			LoadTimeout:     5 * time.Minute,
		},
		ONNX: ONNXConfig{
			Path:       "models/model.onnx",
			InputName:  "input",
			OutputName: "output",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load overlays the YAML file at path onto Default. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config %q: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		problems = append(problems, "server.max_body_bytes must be > 0")
	}
	switch c.Model.Backend {
	case BackendNative:
		if strings.TrimSpace(c.Model.Path) == "" {
			problems = append(problems, "model.path is required")
		}
	case BackendONNXRuntime:
		if strings.TrimSpace(c.ONNX.Path) == "" {
			problems = append(problems, "onnx.path is required for the onnxruntime backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported model.backend %q", c.Model.Backend))
	}
	if c.Model.MaxRetries < 0 {
		problems = append(problems, "model.max_retries must not be negative")
	}
	if c.Model.ChunkSize < 0 {
		problems = append(problems, "model.chunk_size must not be negative")
	}
	if c.Model.Digest != "" && !strings.Contains(c.Model.Digest, ":") {
		problems = append(problems, fmt.Sprintf("model.digest %q must look like sha256:<hex>", c.Model.Digest))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		problems = append(problems, fmt.Sprintf("unsupported log.level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "discard", "":
	default:
		problems = append(problems, fmt.Sprintf("unsupported log.format %q", c.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
