package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestConfigs creates a temporary directory structure for testing.
// It returns the "configs" directory and a cleanup function.
func setupTestConfigs(t *testing.T) (string, func()) {
	configDir, err := os.MkdirTemp("", "config_test_")
	require.NoError(t, err)

	actualConfigPath := filepath.Join(configDir, "configs")
	require.NoError(t, os.Mkdir(actualConfigPath, 0755))

	oldWd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(configDir))

	cleanup := func() {
		os.Chdir(oldWd)
		os.RemoveAll(configDir)
	}

	return actualConfigPath, cleanup
}

func TestLoad_Success(t *testing.T) {
	actualConfigPath, cleanup := setupTestConfigs(t)
	defer cleanup()

	configContent := `
config:
  coverage_dir: "/build/obj"
  preload_lib: "/build/libquikcov_preload.so"
  seed_dir: "/corpus/seeds"
  output_dir: "/build/snapshots"
  abs_paths: true
  timeout: 15
`
	configFile := filepath.Join(actualConfigPath, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(configContent), 0644))

	var cfg Config
	require.NoError(t, Load("config", &cfg))
	assert.Equal(t, "/build/obj", cfg.CoverageDir)
	assert.Equal(t, "/build/libquikcov_preload.so", cfg.PreloadLib)
	assert.Equal(t, "/corpus/seeds", cfg.SeedDir)
	assert.Equal(t, "/build/snapshots", cfg.OutputDir)
	assert.True(t, cfg.AbsPaths)
	assert.Equal(t, 15, cfg.Timeout)
}

func TestLoad_FileNotExists(t *testing.T) {
	_, cleanup := setupTestConfigs(t)
	defer cleanup()

	var cfg Config
	err := Load("non_existent_config", &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_EmptyFile(t *testing.T) {
	actualConfigPath, cleanup := setupTestConfigs(t)
	defer cleanup()

	emptyConfigFile := filepath.Join(actualConfigPath, "empty.yaml")
	require.NoError(t, os.WriteFile(emptyConfigFile, []byte(""), 0644))

	var cfg Config
	require.NoError(t, Load("empty", &cfg))
	assert.Empty(t, cfg.CoverageDir)
}

func TestLoad_MalformedYAML(t *testing.T) {
	actualConfigPath, cleanup := setupTestConfigs(t)
	defer cleanup()

	malformedContent := "config: test\n  coverage_dir: oops"
	malformedFile := filepath.Join(actualConfigPath, "malformed.yaml")
	require.NoError(t, os.WriteFile(malformedFile, []byte(malformedContent), 0644))

	var cfg Config
	err := Load("malformed", &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_NoFilePresent(t *testing.T) {
	_, cleanup := setupTestConfigs(t)
	defer cleanup()

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Timeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_DefaultsDontOverrideFile(t *testing.T) {
	actualConfigPath, cleanup := setupTestConfigs(t)
	defer cleanup()

	configContent := `
config:
  coverage_dir: "/obj"
  timeout: 90
  log_level: "debug"
`
	require.NoError(t, os.WriteFile(filepath.Join(actualConfigPath, "config.yaml"), []byte(configContent), 0644))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Timeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestResolveEnvVars(t *testing.T) {
	os.Setenv("TEST_API_KEY", "secret123")
	os.Setenv("TEST_ENDPOINT", "https://api.test.com")
	defer os.Unsetenv("TEST_API_KEY")
	defer os.Unsetenv("TEST_ENDPOINT")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"braced existing", "${TEST_API_KEY}", "secret123"},
		{"simple existing", "$TEST_API_KEY", "secret123"},
		{"mixed text", "Bearer ${TEST_API_KEY}", "Bearer secret123"},
		{"multiple vars", "${TEST_API_KEY} at ${TEST_ENDPOINT}", "secret123 at https://api.test.com"},
		{"nonexistent braced", "${NONEXISTENT_VAR}", "${NONEXISTENT_VAR}"},
		{"nonexistent simple", "$NONEXISTENT_VAR", "$NONEXISTENT_VAR"},
		{"plain text", "plain text", "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, resolveEnvVars(tt.input))
		})
	}
}

func TestLoadEnvFromDotEnv(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "env_test_")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	envContent := `# comment
TEST_API_KEY=secret_key_123
TEST_ENDPOINT=https://api.test.com/v1
EMPTY_VAR=
QUOTED_VAR="value with spaces"
SINGLE_QUOTED_VAR='single quoted'
`
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, ".env"), []byte(envContent), 0644))
	require.NoError(t, LoadEnvFromDotEnv(tempDir))

	assert.Equal(t, "secret_key_123", os.Getenv("TEST_API_KEY"))
	assert.Equal(t, "https://api.test.com/v1", os.Getenv("TEST_ENDPOINT"))
	assert.Equal(t, "", os.Getenv("EMPTY_VAR"))
	assert.Equal(t, "value with spaces", os.Getenv("QUOTED_VAR"))
	assert.Equal(t, "single quoted", os.Getenv("SINGLE_QUOTED_VAR"))

	os.Unsetenv("TEST_API_KEY")
	os.Unsetenv("TEST_ENDPOINT")
	os.Unsetenv("EMPTY_VAR")
	os.Unsetenv("QUOTED_VAR")
	os.Unsetenv("SINGLE_QUOTED_VAR")
}

func TestLoadEnvFromDotEnv_NotExists(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "env_test_")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	assert.NoError(t, LoadEnvFromDotEnv(tempDir))
}

func TestLoadEnvFromDotEnv_OverrideProtection(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "env_test_")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	os.Setenv("PREEXISTING_VAR", "original_value")
	defer os.Unsetenv("PREEXISTING_VAR")

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, ".env"), []byte("PREEXISTING_VAR=new_value\n"), 0644))
	require.NoError(t, LoadEnvFromDotEnv(tempDir))

	assert.Equal(t, "original_value", os.Getenv("PREEXISTING_VAR"))
}

func TestResolveEnvVarsInMap(t *testing.T) {
	os.Setenv("TEST_KEY", "resolved_value")
	defer os.Unsetenv("TEST_KEY")

	testMap := map[string]interface{}{
		"api_key":  "${TEST_KEY}",
		"endpoint": "https://api.example.com",
		"nested": map[string]interface{}{
			"inner_key": "$TEST_KEY",
		},
		"array": []interface{}{
			"$TEST_KEY",
			"static_value",
		},
	}

	resolveInMap(testMap)

	assert.Equal(t, "resolved_value", testMap["api_key"])
	assert.Equal(t, "https://api.example.com", testMap["endpoint"])
	nested := testMap["nested"].(map[string]interface{})
	assert.Equal(t, "resolved_value", nested["inner_key"])
	array := testMap["array"].([]interface{})
	assert.Equal(t, "resolved_value", array[0])
	assert.Equal(t, "static_value", array[1])
}
