package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION LOADER
// ============================================================================

// Loader merges configuration from layered sources. Loading order, lowest to
// highest priority: in-code defaults, base file, environment file, local
// overrides (development only), environment variables.
type Loader struct {
	basePath    string
	environment Environment
	sources     []string
	fileLoaders map[string]FileLoader
}

// FileLoader decodes one configuration file format.
type FileLoader interface {
	Load(reader io.Reader, target interface{}) error
	Extension() string
}

// NewLoader creates a loader rooted at basePath (default "config").
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	l := &Loader{
		basePath:    basePath,
		environment: env,
		fileLoaders: make(map[string]FileLoader),
	}
	l.RegisterLoader(&YAMLLoader{})
	l.RegisterLoader(&JSONLoader{})
	return l
}

// RegisterLoader registers a decoder for an additional file format.
func (l *Loader) RegisterLoader(loader FileLoader) {
	l.fileLoaders[loader.Extension()] = loader
}

// Load produces the merged, validated configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig(l.environment)
	l.sources = append(l.sources[:0], "defaults")

	if err := l.loadFile("base", cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load base config: %w", err)
	}

	envFile := strings.ToLower(string(l.environment))
	if err := l.loadFile(envFile, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s config: %w", envFile, err)
	}

	if l.environment == Development {
		if err := l.loadFile("local", cfg); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "warning: failed to load local config: %v\n", err)
		}
	}

	l.loadEnvironmentVariables(cfg)
	l.sources = append(l.sources, "environment")

	cfg.LoadedFrom = l.sources
	cfg.Version = "1.0.0"
	cfg.applyEnvironmentDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile loads a single configuration layer, trying each registered format.
func (l *Loader) loadFile(name string, cfg *Config) error {
	for ext, loader := range l.fileLoaders {
		path := filepath.Join(l.basePath, fmt.Sprintf("%s.%s", name, ext))

		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		defer file.Close()

		if err := loader.Load(file, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		l.sources = append(l.sources, path)
		return nil
	}
	return os.ErrNotExist
}

// loadEnvironmentVariables overlays the recognized environment variables.
// These are the highest-priority source and are the only way secrets should
// reach the process in production.
func (l *Loader) loadEnvironmentVariables(cfg *Config) {
	// Server
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port := parseInt(v); port > 0 {
			cfg.Server.Port = port
		}
	}

	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}

	// Store endpoints and credentials
	if v := os.Getenv("RELATIONAL_DSN"); v != "" {
		cfg.Stores.Relational.DSN = v
	}
	if v := os.Getenv("DOCUMENT_ENDPOINT"); v != "" {
		cfg.Stores.Document.Endpoint = v
	}
	if v := os.Getenv("DOCUMENT_USERNAME"); v != "" {
		cfg.Stores.Document.Username = v
	}
	if v := os.Getenv("DOCUMENT_PASSWORD"); v != "" {
		cfg.Stores.Document.Password = v
	}
	if v := os.Getenv("VECTOR_ENDPOINT"); v != "" {
		cfg.Stores.Vector.Endpoint = v
	}
	if v := os.Getenv("VECTOR_API_KEY"); v != "" {
		cfg.Stores.Vector.APIKey = v
	}
	if v := os.Getenv("GRAPH_URI"); v != "" {
		cfg.Stores.Graph.URI = v
	}
	if v := os.Getenv("GRAPH_USERNAME"); v != "" {
		cfg.Stores.Graph.Username = v
	}
	if v := os.Getenv("GRAPH_PASSWORD"); v != "" {
		cfg.Stores.Graph.Password = v
	}
	if v := os.Getenv("EMBEDDED_PATH"); v != "" {
		cfg.Stores.Embedded.Path = v
	}

	// Cache
	if v := os.Getenv("CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}

	// Orchestration tunables
	if v := os.Getenv("SAGA_STEP_TIMEOUT"); v != "" {
		if d := parseDuration(v); d > 0 {
			cfg.Saga.DefaultStepTimeout = d
		}
	}
	if v := os.Getenv("SAGA_TRANSACTION_TIMEOUT"); v != "" {
		if d := parseDuration(v); d > 0 {
			cfg.Saga.DefaultTransactionTimeout = d
		}
	}
	if v := os.Getenv("DISTRIBUTOR_MAX_CONCURRENT"); v != "" {
		if n := parseInt(v); n > 0 {
			cfg.Distributor.MaxConcurrent = n
		}
	}
}

// ============================================================================
// FILE LOADERS
// ============================================================================

// YAMLLoader decodes YAML configuration files.
type YAMLLoader struct{}

func (y *YAMLLoader) Load(reader io.Reader, target interface{}) error {
	return yaml.NewDecoder(reader).Decode(target)
}

func (y *YAMLLoader) Extension() string { return "yaml" }

// JSONLoader decodes JSON configuration files.
type JSONLoader struct{}

func (j *JSONLoader) Load(reader io.Reader, target interface{}) error {
	return json.NewDecoder(reader).Decode(target)
}

func (j *JSONLoader) Extension() string { return "json" }

// ============================================================================
// HELPERS
// ============================================================================

func parseInt(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func parseBool(s string) bool {
	v, _ := strconv.ParseBool(s)
	return v
}

func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Load loads configuration from the default location for the resolved
// environment.
func Load() (*Config, error) {
	dir := os.Getenv("CONFIG_DIR")
	return NewLoader(dir, getEnvironment()).Load()
}

// MustLoad loads configuration and panics on error. Intended for main().
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
