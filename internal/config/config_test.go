// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qremote/internal/domain"
)

func TestSettingsPathResolution(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (configPath string, envSettings string, expected string)
	}{
		{
			name: "default_next_to_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				require.NoError(t, os.WriteFile(configPath, []byte("logLevel = \"DEBUG\"\n"), 0o644))
				return configPath, "", filepath.Join(tmpDir, "profiles.json")
			},
		},
		{
			name: "relative_settings_file_in_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				content := "settingsFile = \"state/servers.json\"\n"
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", filepath.Join(tmpDir, "state", "servers.json")
			},
		},
		{
			name: "env_var_override",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				envPath := filepath.Join(tmpDir, "elsewhere", "env.json")
				require.NoError(t, os.WriteFile(configPath, []byte("settingsFile = \"ignored.json\"\n"), 0o644))
				return configPath, envPath, envPath
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath, envValue, expected := tt.prepare(t, tmpDir)
			if envValue != "" {
				t.Setenv(envPrefix+"SETTINGS_FILE", envValue)
			}

			cfg, err := New(configPath)
			require.NoError(t, err)

			assert.Equal(t, filepath.Clean(expected), filepath.Clean(cfg.GetSettingsPath()))
		})
	}
}

func TestConfigDirResolution(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		setupFile      bool
		fileIsDir      bool
		expectedSuffix string
	}{
		{
			name:           "toml_file_extension",
			input:          "/path/to/custom.toml",
			expectedSuffix: "custom.toml",
		},
		{
			name:           "TOML_file_extension_uppercase",
			input:          "/path/to/CONFIG.TOML",
			expectedSuffix: "CONFIG.TOML",
		},
		{
			name:           "directory_path",
			input:          "/path/to/config",
			expectedSuffix: "config.toml",
		},
		{
			name:           "existing_file_without_toml",
			input:          "/path/to/configfile",
			setupFile:      true,
			expectedSuffix: "configfile",
		},
		{
			name:           "existing_directory",
			input:          "/path/to/configdir",
			setupFile:      true,
			fileIsDir:      true,
			expectedSuffix: "config.toml",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			inputPath := filepath.Join(tmpDir, filepath.Base(tt.input))

			if tt.setupFile {
				if tt.fileIsDir {
					require.NoError(t, os.MkdirAll(inputPath, 0o755))
				} else {
					require.NoError(t, os.WriteFile(inputPath, []byte("test"), 0o644))
				}
			}

			c := &AppConfig{}
			result := c.resolveConfigPath(inputPath)
			assert.True(t, strings.HasSuffix(result, tt.expectedSuffix),
				"Expected result %s to end with %s", result, tt.expectedSuffix)
		})
	}
}

func TestNewWritesDefaultConfig(t *testing.T) {
	configDir := filepath.Join(t.TempDir(), "fresh")

	cfg, err := New(configDir)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(configDir, "config.toml"))
	require.NoError(t, statErr)

	assert.Equal(t, "INFO", cfg.Config.LogLevel)
	assert.Equal(t, defaultRequestTimeout, cfg.Config.RequestTimeout)
	assert.Equal(t, uint(defaultConnectAttempts), cfg.Config.ConnectAttempts)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout())
	assert.Equal(t, "dev", cfg.Config.Version)
}

func TestSanitizeClampsInvalidValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("requestTimeout = -4\nconnectAttempts = 0\n"), 0o644))

	cfg, err := New(configPath, "1.2.3")
	require.NoError(t, err)

	assert.Equal(t, defaultRequestTimeout, cfg.Config.RequestTimeout)
	assert.Equal(t, uint(defaultConnectAttempts), cfg.Config.ConnectAttempts)
	assert.Equal(t, "1.2.3", cfg.Config.Version)
}

func TestMetricsBasicAuthUsers(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected map[string]string
	}{
		{name: "empty", raw: "", expected: map[string]string{}},
		{name: "single", raw: "prom:secret", expected: map[string]string{"prom": "secret"}},
		{name: "multiple_with_spaces", raw: " a:1 , b:2 ", expected: map[string]string{"a": "1", "b": "2"}},
		{name: "malformed_skipped", raw: "nocolon,ok:yes", expected: map[string]string{"ok": "yes"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := &AppConfig{Config: &domain.Config{MetricsBasicAuthUsers: tt.raw}}
			assert.Equal(t, tt.expected, cfg.MetricsBasicAuthUsers())
		})
	}
}

func TestBindOrReadFromFile(t *testing.T) {
	tests := []struct {
		name          string
		envValue      string
		fileValue     string
		expectedValue string
	}{
		{name: "only_file_env_var", fileValue: "file-user:file-pass", expectedValue: "file-user:file-pass"},
		{name: "only_normal_env_var", envValue: "env-user:env-pass", expectedValue: "env-user:env-pass"},
		{name: "file_wins_over_env", envValue: "env-user:env-pass", fileValue: "file-user:file-pass", expectedValue: "file-user:file-pass"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			envVar := envPrefix + "METRICS_BASIC_AUTH_USERS"

			if tt.envValue != "" {
				t.Setenv(envVar, tt.envValue)
			}
			if tt.fileValue != "" {
				secretPath := filepath.Join(tmpDir, "secret.txt")
				require.NoError(t, os.WriteFile(secretPath, []byte(tt.fileValue+"\n"), 0o600))
				t.Setenv(envVar+"_FILE", secretPath)
			}

			configPath := filepath.Join(tmpDir, "config.toml")
			require.NoError(t, os.WriteFile(configPath, []byte("logLevel = \"INFO\"\n"), 0o644))

			cfg, err := New(configPath)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedValue, cfg.Config.MetricsBasicAuthUsers)
		})
	}
}

func TestIsDevBuild(t *testing.T) {
	assert.True(t, isDevBuild(""))
	assert.True(t, isDevBuild("dev"))
	assert.True(t, isDevBuild("1.4.0-dev"))
	assert.False(t, isDevBuild("1.4.0"))
}
