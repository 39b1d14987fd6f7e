// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeema/loadguard/pkg/agent"
	"github.com/mbeema/loadguard/pkg/config"
	"github.com/mbeema/loadguard/pkg/engine"
	"github.com/mbeema/loadguard/pkg/loader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runLoads []string

func init() {
	runCmd.Flags().StringSliceVar(&runLoads, "load", nil, "modules to load through the engine after start (repeatable)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Install interception in this process and serve diagnostics",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadSelectedConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting loadguard",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	a, err := agent.New(cfg, logger, agent.Options{
		Version:    version,
		Binding:    loader.NewBinding(logger),
		Enumerator: loader.NewEnumerator(0),
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	for _, name := range runLoads {
		h, err := a.Engine().LoadLibrary(engine.LoadRequest{Entry: engine.LoadLibraryW, Path: name})
		if err != nil {
			logger.Warn("load through engine failed", zap.String("module", name), zap.Error(err))
			continue
		}
		logger.Info("module loaded through engine", zap.String("module", name), zap.Stringer("handle", h))
	}

	var watcher *config.Watcher
	if configDir != "" {
		watcher = config.NewWatcher(configDir, func(newCfg *config.Config, changedFile string) {
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config",
					zap.String("file", changedFile),
					zap.Error(err),
				)
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher unavailable", zap.Error(err))
			watcher = nil
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP reloads in single-file mode; never delivered on Windows.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}

			done := make(chan struct{})
			go func() {
				if err := a.Stop(); err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
				close(done)
			}()

			select {
			case <-done:
				logger.Info("loadguard stopped")
				return nil
			case <-time.After(30 * time.Second):
				return fmt.Errorf("shutdown timed out after 30s")
			}

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			if watcher != nil {
				watcher.Reload("SIGHUP")
				continue
			}
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			}
		}
	}
}
