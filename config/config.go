package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token   string `toml:"token" mapstructure:"token"`
	Host    string `toml:"host" mapstructure:"host"`
	Port    string `toml:"port" mapstructure:"port"`
	Libonnx string `toml:"libonnx" mapstructure:"libonnx"`

	ModelUrl       string `toml:"model_url" mapstructure:"model_url"`
	ModelDir       string `toml:"model_dir" mapstructure:"model_dir"`
	ModelFileName  string `toml:"model_file_name" mapstructure:"model_file_name"`
	ClassIndexFile string `toml:"class_index_file" mapstructure:"class_index_file"`
	PoolSize       int    `toml:"pool_size" mapstructure:"pool_size"`
	MaxImagePixels int    `toml:"max_image_pixels" mapstructure:"max_image_pixels"`

	StaticDir       string `toml:"static_dir" mapstructure:"static_dir"`
	MaxUploadMB     int64  `toml:"max_upload_mb" mapstructure:"max_upload_mb"`
	CleanupOnExit   bool   `toml:"cleanup_on_exit" mapstructure:"cleanup_on_exit"`
	UniqueFilenames bool   `toml:"unique_filenames" mapstructure:"unique_filenames"`

	LogLevel  string `toml:"log_level" mapstructure:"log_level"`
	LogFormat string `toml:"log_format" mapstructure:"log_format"`
}

const DefaultPath = "config.toml"

// envPrefix namespaces environment overrides, e.g. IMGCLS_PORT.
const envPrefix = "IMGCLS_"

func Default() Config {
	return Config{
		Token:           "",
		Host:            "0.0.0.0",
		Port:            "3000",
		ModelUrl:        "https://github.com/onnx/models/raw/main/validated/vision/classification/densenet-121/model/densenet-12.onnx",
		ModelDir:        "models",
		ModelFileName:   "densenet121.onnx",
		ClassIndexFile:  "imagenet_class_index.json",
		PoolSize:        2,
		MaxImagePixels:  40_000_000,
		StaticDir:       "static",
		MaxUploadMB:     10,
		CleanupOnExit:   true,
		UniqueFilenames: false,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

var (
	cfg      = Default()
	loadOnce sync.Once
)

func C() Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()
		loaded, err := Load(DefaultPath)
		if err != nil {
			panic(err)
		}
		cfg = loaded
	})
	return cfg
}

// Load reads path on top of the defaults. A missing file is not an error.
// Environment variables are applied last.
func Load(path string) (Config, error) {
	c := Default()
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&c); err != nil {
		return c, err
	}
	if c.PoolSize < 1 {
		c.PoolSize = 1
	}
	if c.MaxImagePixels < 1 {
		c.MaxImagePixels = Default().MaxImagePixels
	}
	if c.MaxUploadMB < 1 {
		c.MaxUploadMB = Default().MaxUploadMB
	}
	return c, nil
}

func applyEnv(c *Config) error {
	strs := map[string]*string{
		"TOKEN":            &c.Token,
		"HOST":             &c.Host,
		"PORT":             &c.Port,
		"LIBONNX":          &c.Libonnx,
		"MODEL_URL":        &c.ModelUrl,
		"MODEL_DIR":        &c.ModelDir,
		"MODEL_FILE_NAME":  &c.ModelFileName,
		"CLASS_INDEX_FILE": &c.ClassIndexFile,
		"STATIC_DIR":       &c.StaticDir,
		"LOG_LEVEL":        &c.LogLevel,
		"LOG_FORMAT":       &c.LogFormat,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv(envPrefix + "POOL_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPOOL_SIZE: %w", envPrefix, err)
		}
		c.PoolSize = n
	}
	if v, ok := os.LookupEnv(envPrefix + "MAX_IMAGE_PIXELS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_IMAGE_PIXELS: %w", envPrefix, err)
		}
		c.MaxImagePixels = n
	}
	if v, ok := os.LookupEnv(envPrefix + "MAX_UPLOAD_MB"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_UPLOAD_MB: %w", envPrefix, err)
		}
		c.MaxUploadMB = n
	}

	bools := map[string]*bool{
		"CLEANUP_ON_EXIT":  &c.CleanupOnExit,
		"UNIQUE_FILENAMES": &c.UniqueFilenames,
	}
	for key, dst := range bools {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
			}
			*dst = b
		}
	}
	return nil
}

func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}
