package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/cesargomez89/offlinevault/internal/constants"
)

// Config holds all application configuration
type Config struct {
	Port           string
	DBPath         string
	DownloadsDir   string
	KeysDir        string
	LicenseURL     string
	CertificateURL string
	AppID          string
	LogLevel       string
	LogFormat      string
	MinBitrate     int
}

// Load loads configuration from environment variables with defaults.
// A .env file in the working directory, when present, is read first;
// variables already set in the environment win.
func Load() *Config {
	_ = godotenv.Load()

	home, _ := os.UserHomeDir()
	defaultDownload := filepath.Join(home, "Downloads/offlinevault")
	downloadsDir := getEnv("DOWNLOADS_DIR", defaultDownload)

	return &Config{
		Port:           getEnv("PORT", constants.DefaultPort),
		DBPath:         getEnv("DB_PATH", constants.DefaultDBPath),
		DownloadsDir:   downloadsDir,
		KeysDir:        getEnv("KEYS_DIR", filepath.Join(downloadsDir, constants.DefaultKeysDirName)),
		LicenseURL:     getEnv("LICENSE_URL", constants.DefaultLicenseURL),
		CertificateURL: getEnv("CERTIFICATE_URL", constants.DefaultCertificateURL),
		AppID:          getEnv("APP_ID", constants.DefaultAppID),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		MinBitrate:     getEnvInt("MIN_BITRATE", constants.DefaultMinBitrate),
	}
}

// Validate validates the configuration and returns detailed errors
func (c *Config) Validate() error {
	var errors []string

	if c.Port == "" {
		errors = append(errors, "PORT cannot be empty")
	} else {
		port, err := strconv.Atoi(c.Port)
		if err != nil {
			errors = append(errors, fmt.Sprintf("PORT must be a valid number, got: %s", c.Port))
		} else if port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be between 1 and 65535, got: %d", port))
		}
	}

	if c.DBPath == "" {
		errors = append(errors, "DB_PATH cannot be empty")
	}

	if c.DownloadsDir == "" {
		errors = append(errors, "DOWNLOADS_DIR cannot be empty")
	}

	if c.KeysDir == "" {
		errors = append(errors, "KEYS_DIR cannot be empty")
	}

	for _, u := range []struct{ name, raw string }{
		{"LICENSE_URL", c.LicenseURL},
		{"CERTIFICATE_URL", c.CertificateURL},
	} {
		name, raw := u.name, u.raw
		if raw == "" {
			errors = append(errors, name+" cannot be empty")
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, fmt.Sprintf("%s is not a valid URL: %s", name, raw))
		}
	}

	if c.AppID == "" {
		errors = append(errors, "APP_ID cannot be empty")
	}

	if c.MinBitrate <= 0 {
		errors = append(errors, fmt.Sprintf("MIN_BITRATE must be positive, got: %d", c.MinBitrate))
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: debug, info, warn, error, got: %s", c.LogLevel))
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.LogFormat] {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: text, json, got: %s", c.LogFormat))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// getEnv retrieves an environment variable with a fallback default
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getEnvInt is getEnv for integers; unparsable values yield -1 so Validate reports them.
func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return n
}
