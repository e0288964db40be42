package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the top-level configuration for a quikcov run. Every field
// except LogLevel and LogDir has a command-line flag counterpart; config
// file / .env values only supply defaults that flags override.
type Config struct {
	// CoverageDir is the directory containing the target's .gcno files
	// (and where its .gcda files land once the target runs).
	CoverageDir string `mapstructure:"coverage_dir"`

	// PreloadLib is the path to the compiled interposition shared object
	// (built via `go build -buildmode=c-shared` from cmd/quikcov-preload).
	PreloadLib string `mapstructure:"preload_lib"`

	// SeedDir is the directory of seed inputs fed to the target, one per run.
	SeedDir string `mapstructure:"seed_dir"`

	// OutputDir is where per-seed coverage snapshots are persisted.
	OutputDir string `mapstructure:"output_dir"`

	// AbsPaths reconstructs each .gcno's expected .gcda path as absolute,
	// rooted at the note's recorded cwd, rather than relative to CoverageDir.
	AbsPaths bool `mapstructure:"abs_paths"`

	// Timeout bounds each target invocation in seconds (0 = unbounded).
	Timeout int `mapstructure:"timeout"`

	// LogLevel and LogDir configure the process-wide logger.
	LogLevel string `mapstructure:"log_level"`
	LogDir   string `mapstructure:"log_dir"`
}

// envVarPattern matches environment variable placeholders: ${VAR_NAME} or $VAR_NAME
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// resolveEnvVars replaces environment variable placeholders in a string with
// their values. Unresolved placeholders are left untouched.
func resolveEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match
		if strings.HasPrefix(match, "${") && strings.HasSuffix(match, "}") {
			varName = match[2 : len(match)-1]
		} else if strings.HasPrefix(match, "$") {
			varName = match[1:]
		}
		if value, ok := os.LookupEnv(varName); ok {
			return value
		}
		return match
	})
}

// LoadEnvFromDotEnv loads KEY=value pairs from a .env file in dir, if present.
// Existing environment variables are never overwritten.
func LoadEnvFromDotEnv(dir string) error {
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(envPath)
	if err != nil {
		return fmt.Errorf("failed to read .env file: %w", err)
	}

	for lineNum, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, "=")
		if idx < 0 {
			return fmt.Errorf("invalid line in .env file at line %d: missing '='", lineNum+1)
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}

	return nil
}

// LoadEnvFromDotEnvRecursive searches startDir and its ancestors for a .env
// file, loading the first one found. It is not an error if none exists.
func LoadEnvFromDotEnvRecursive(startDir string) error {
	dir := startDir
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(filepath.Join(dir, ".env")); err == nil {
			return LoadEnvFromDotEnv(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

// applyEnvResolution resolves ${VAR}/$VAR placeholders across every string
// value a viper instance holds, in place.
func applyEnvResolution(v *viper.Viper) {
	settings := v.AllSettings()
	resolveInMap(settings)
	for k, val := range settings {
		v.Set(k, val)
	}
}

func resolveInMap(m map[string]interface{}) {
	for k, val := range m {
		switch t := val.(type) {
		case string:
			if resolved := resolveEnvVars(t); resolved != t {
				m[k] = resolved
			}
		case map[string]interface{}:
			resolveInMap(t)
		case []interface{}:
			resolveInSlice(t)
		}
	}
}

func resolveInSlice(s []interface{}) {
	for i, val := range s {
		switch t := val.(type) {
		case string:
			s[i] = resolveEnvVars(t)
		case map[string]interface{}:
			resolveInMap(t)
		}
	}
}

// Load reads configFileName.yaml from the configs/ search path into result,
// under its "config" top-level key if present, else the whole document.
func Load(configFileName string, result interface{}) error {
	v := viper.New()
	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnvResolution(v)

	if v.IsSet("config") {
		if err := v.UnmarshalKey("config", result); err != nil {
			return fmt.Errorf("failed to unmarshal config data: %w", err)
		}
		return nil
	}
	if err := v.Unmarshal(result); err != nil {
		return fmt.Errorf("failed to unmarshal config data: %w", err)
	}
	return nil
}

// LoadConfig loads defaults for a quikcov run from configs/config.yaml, if
// present, after loading any .env file found above the working directory.
// A missing config file is not an error -- Timeout then defaults to 30,
// LogLevel to "info", and every other field to its zero value, all of which
// the CLI flags can still override.
func LoadConfig() (*Config, error) {
	var cfg Config

	if err := LoadEnvFromDotEnvRecursive("."); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := Load("config", &cfg); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return &cfg, nil
}
