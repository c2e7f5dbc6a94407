package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   Server                   `yaml:"server"`
	Media    Media                    `yaml:"media"`
	ONNX     ONNX                     `yaml:"onnx"`
	Log      Log                      `yaml:"log"`
	Decoder  string                   `yaml:"decoder"`
	Variants map[string]VariantConfig `yaml:"variants"`
	Telegram Telegram                 `yaml:"telegram"`
}

type Server struct {
	Port        string `yaml:"port"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
	MaxInflight int64  `yaml:"max_inflight"`

	// UploadResize squares uploads to this size before detection; 0 keeps the original.
	UploadResize int `yaml:"upload_resize"`
}

type Media struct {
	Dir       string        `yaml:"dir"`
	URLPrefix string        `yaml:"url_prefix"`
	Retention time.Duration `yaml:"retention"`
}

type ONNX struct {
	LibraryPath    string `yaml:"library_path"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
}

type Log struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type VariantConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Model    string `yaml:"model"`
	Metadata string `yaml:"metadata"`
	Weights  string `yaml:"weights"`
}

type Telegram struct {
	Token   string `yaml:"token"`
	Variant string `yaml:"variant"`
}

var knownVariants = map[string]bool{"binary": true, "saliency": true}

func Default() *Config {
	return &Config{
		Server: Server{
			Port:         "8080",
			MaxUploadMB:  10,
			MaxInflight:  4,
			UploadResize: 800,
		},
		Media: Media{
			Dir:       "media",
			URLPrefix: "/media/",
			Retention: 24 * time.Hour,
		},
		Log:     Log{Level: "info", Console: true},
		Decoder: "native",
		Variants: map[string]VariantConfig{
			"binary": {
				Enabled:  true,
				Model:    filepath.Join("models", "efficientnet_b0_features.onnx"),
				Metadata: filepath.Join("models", "efficientnet_b0_features.json"),
				Weights:  filepath.Join("models", "best_model.safetensors"),
			},
			"saliency": {
				Enabled:  true,
				Model:    filepath.Join("models", "efficientnet_b7_features.onnx"),
				Metadata: filepath.Join("models", "efficientnet_b7_features.json"),
				Weights:  filepath.Join("models", "efficientnet_b7_imagenet.safetensors"),
			},
		},
		Telegram: Telegram{Variant: "saliency"},
	}
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path falls back to $DEEPSHIELD_CONFIG; a missing file
// at that point is an error, no file at all is not.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getEnv("DEEPSHIELD_CONFIG", "")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.ONNX.LibraryPath = getEnv("ONNXRUNTIME_LIB", cfg.ONNX.LibraryPath)
	cfg.Media.Dir = getEnv("MEDIA_DIR", cfg.Media.Dir)
	cfg.Telegram.Token = getEnv("TELEGRAM_BOT_TOKEN", cfg.Telegram.Token)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is empty"))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("server.max_upload_mb must be positive"))
	}
	if c.Server.MaxInflight <= 0 {
		errs = append(errs, errors.New("server.max_inflight must be positive"))
	}
	if c.Server.UploadResize < 0 {
		errs = append(errs, errors.New("server.upload_resize must not be negative"))
	}
	if c.Media.Dir == "" {
		errs = append(errs, errors.New("media.dir is empty"))
	}
	if !strings.HasPrefix(c.Media.URLPrefix, "/") || !strings.HasSuffix(c.Media.URLPrefix, "/") {
		errs = append(errs, fmt.Errorf("media.url_prefix %q must start and end with /", c.Media.URLPrefix))
	}

	enabled := 0
	for name, v := range c.Variants {
		if !knownVariants[name] {
			errs = append(errs, fmt.Errorf("unknown variant %q", name))
			continue
		}
		if !v.Enabled {
			continue
		}
		enabled++
		if v.Model == "" || v.Metadata == "" || v.Weights == "" {
			errs = append(errs, fmt.Errorf("variant %s needs model, metadata and weights paths", name))
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("no variant enabled"))
	}
	if c.Telegram.Variant != "" && !knownVariants[c.Telegram.Variant] {
		errs = append(errs, fmt.Errorf("telegram.variant %q is unknown", c.Telegram.Variant))
	}
	return errors.Join(errs...)
}

// EnabledVariants lists enabled variant names in a stable order.
func (c *Config) EnabledVariants() []string {
	var out []string
	for _, name := range []string{"binary", "saliency"} {
		if v, ok := c.Variants[name]; ok && v.Enabled {
			out = append(out, name)
		}
	}
	return out
}
