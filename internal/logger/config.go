package logger

import (
	"io"
	"os"
	"strconv"
)

// Options holds the full logger configuration, including file rotation.
type Options struct {
	Level       string    // Log level: debug, info, warn, error
	Format      string    // Output format: json, text
	Output      io.Writer // Output destination (highest priority)
	ServiceName string    // Service name for log tagging

	// File output; empty File disables it
	File     string
	FileOnly bool // Output only to file (not stdout)

	// Log rotation configuration
	MaxSize    int  // Max file size in MB before rotation
	MaxBackups int  // Number of backup files to keep
	MaxAge     int  // Max days to keep backup files
	Compress   bool // Compress rotated files
}

// OptionsFromEnv loads options from AVCORPUS_LOG_* environment variables.
// The run command overlays its config file values on top of these.
func OptionsFromEnv() *Options {
	return &Options{
		Level:       getEnv("AVCORPUS_LOG_LEVEL", "info"),
		Format:      getEnv("AVCORPUS_LOG_FORMAT", "json"),
		ServiceName: getEnv("AVCORPUS_SERVICE_NAME", "avcorpus"),

		File:     getEnv("AVCORPUS_LOG_FILE", ""),
		FileOnly: getEnvBool("AVCORPUS_LOG_FILE_ONLY", false),

		MaxSize:    getEnvInt("AVCORPUS_LOG_MAX_SIZE", 100),
		MaxBackups: getEnvInt("AVCORPUS_LOG_MAX_BACKUPS", 7),
		MaxAge:     getEnvInt("AVCORPUS_LOG_MAX_AGE", 30),
		Compress:   getEnvBool("AVCORPUS_LOG_COMPRESS", true),
	}
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool gets a boolean environment variable with a default value.
func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvInt gets an integer environment variable with a default value.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}
