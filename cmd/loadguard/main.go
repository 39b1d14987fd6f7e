// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mbeema/loadguard/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	configDir  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "loadguard",
	Short:         "Module-load interception engine",
	Long:          "Intercepts module loads in the host process to deny blocklisted modules, redirect overrides and dispatch subsystem installers.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loadguard: %v\n", err)
		os.Exit(1)
	}
}

// loadSelectedConfig honours --config-dir, then --config, then the default
// locations, then the built-in defaults.
func loadSelectedConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configDir != "" {
		cfg, err = config.LoadDir(configDir)
	} else {
		cfg, err = loadConfig(configPath)
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	for _, p := range defaultConfigPaths() {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, cfg.Validate()
}

func defaultConfigPaths() []string {
	paths := []string{"configs/loadguard.yaml"}
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "loadguard.yaml"))
	}
	return append(paths, "/etc/loadguard/loadguard.yaml")
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
