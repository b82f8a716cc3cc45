package hummingbird

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

const (
	// ConfigFile is the project configuration file name
	ConfigFile = "hummingbird.yml"
	// UserConfigFile is the per-user override file name
	UserConfigFile = ".hummingbird.yml"

	defaultBasedir       = "."
	defaultPlanfile      = "hummingbird.plan"
	defaultMigrationsDir = "migrations"
	dotenvFile           = ".env"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type (
	// Config is the resolved configuration for a hummingbird project
	Config struct {
		Basedir          string
		Planfile         string
		MigrationsDir    string
		MigrationsTable  string
		ConnectionString string
	}

	// fileConfig is the on-disk shape of hummingbird.yml. Nil fields were not
	// set in the file and fall through to the next layer.
	fileConfig struct {
		Basedir          *string `yaml:"basedir"`
		Planfile         *string `yaml:"planfile"`
		MigrationsDir    *string `yaml:"migrations_dir"`
		MigrationsTable  *string `yaml:"migrations_table"`
		ConnectionString *string `yaml:"connection_string"`
	}

	// ConfigLoader handles loading and merging of hummingbird.yml files
	ConfigLoader struct {
		// ConfigDir holds hummingbird.yml; relative paths resolve against it
		ConfigDir string
		// UserDir holds the optional .hummingbird.yml override
		UserDir string
	}
)

// LoadConfig loads hummingbird.yml from configDir, overlaid by
// .hummingbird.yml from userDir when present
func LoadConfig(configDir, userDir string) (*Config, error) {
	loader := &ConfigLoader{ConfigDir: configDir, UserDir: userDir}
	return loader.Load()
}

// Load reads both configuration layers and resolves them into a Config.
// User values take precedence, but only for keys the user file defines.
func (c *ConfigLoader) Load() (*Config, error) {
	configDir, err := filepath.Abs(c.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}

	projectConfig, err := c.loadConfigFile(filepath.Join(configDir, ConfigFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load project config: %w", err)
	}

	var userConfig *fileConfig
	if c.UserDir != "" {
		userConfig, err = c.loadConfigFile(filepath.Join(c.UserDir, UserConfigFile))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	merged := c.mergeConfigs(projectConfig, userConfig)

	config := &Config{
		Basedir:          valueOr(merged.Basedir, defaultBasedir),
		MigrationsTable:  valueOr(merged.MigrationsTable, DefaultMigrationsTable),
		ConnectionString: valueOr(merged.ConnectionString, ""),
	}

	basedir := config.Basedir
	if !filepath.IsAbs(basedir) {
		basedir = filepath.Join(configDir, basedir)
	}
	config.Planfile = resolvePath(basedir, valueOr(merged.Planfile, defaultPlanfile))
	config.MigrationsDir = resolvePath(basedir, valueOr(merged.MigrationsDir, defaultMigrationsDir))

	if config.ConnectionString == "" {
		if config.ConnectionString, err = c.connectionStringFromDotenv(configDir); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that would otherwise fail later in confusing ways
func (c *Config) Validate() error {
	if !tableNamePattern.MatchString(c.MigrationsTable) {
		return fmt.Errorf("invalid migrations_table %q: must be a plain SQL identifier", c.MigrationsTable)
	}
	return nil
}

// loadConfigFile parses a single yaml configuration file
func (c *ConfigLoader) loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config fileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &config, nil
}

// mergeConfigs merges project and user configs, preferring defined user values
func (c *ConfigLoader) mergeConfigs(projectConfig, userConfig *fileConfig) *fileConfig {
	if projectConfig == nil && userConfig == nil {
		return &fileConfig{}
	}
	if projectConfig == nil {
		return userConfig
	}
	if userConfig == nil {
		return projectConfig
	}

	return &fileConfig{
		Basedir:          firstDefined(userConfig.Basedir, projectConfig.Basedir),
		Planfile:         firstDefined(userConfig.Planfile, projectConfig.Planfile),
		MigrationsDir:    firstDefined(userConfig.MigrationsDir, projectConfig.MigrationsDir),
		MigrationsTable:  firstDefined(userConfig.MigrationsTable, projectConfig.MigrationsTable),
		ConnectionString: firstDefined(userConfig.ConnectionString, projectConfig.ConnectionString),
	}
}

// connectionStringFromDotenv reads a .env file next to hummingbird.yml without
// touching the process environment
func (c *ConfigLoader) connectionStringFromDotenv(configDir string) (string, error) {
	path := filepath.Join(configDir, dotenvFile)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", nil
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	for _, key := range []string{"HUMMINGBIRD_DATABASE_URL", "DATABASE_URL"} {
		if value := values[key]; value != "" {
			return value, nil
		}
	}
	return "", nil
}

func firstDefined(values ...*string) *string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func valueOr(v *string, fallback string) string {
	if v == nil || *v == "" {
		return fallback
	}
	return *v
}

func resolvePath(basedir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(basedir, path)
}
