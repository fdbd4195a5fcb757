package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pixelgardenlabs.io/pgl-mirror/pkg/config"
	"pixelgardenlabs.io/pgl-mirror/pkg/mirror"
	"pixelgardenlabs.io/pgl-mirror/pkg/plog"
	"pixelgardenlabs.io/pgl-mirror/pkg/repl"
)

// version holds the application's version string.
// It's a `var` so it can be set at compile time using ldflags.
// Example: go build -ldflags="-X main.version=1.0.0"
var version = "dev"

func main() {
	var (
		configPath string
		logLevel   string
		initConfig bool
	)

	rootCmd := &cobra.Command{
		Use:     "pgl-mirror",
		Short:   "Live directory mirroring with restore",
		Long:    "pgl-mirror keeps one or more target directories identical to a source directory,\nfollowing filesystem changes as they happen. A restore reverses the direction.",
		Version: version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if initConfig {
				if err := config.WriteDefault(configPath); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", configPath)
				return nil
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			level, err := cfg.ParsedLogLevel()
			if err != nil {
				return err
			}
			plog.SetLevel(level)

			reg := mirror.NewRegistry(mirror.RegistryOptions{
				QueueCapacity:         cfg.Engine.QueueCapacity,
				CopySlots:             int64(cfg.Engine.CopySlots),
				BufferSize:            int64(cfg.Engine.BufferSizeKB) * 1024,
				RequireMountedTargets: cfg.Preflight.RequireMountedTargets,
			})

			// The REPL owns the registry's lifetime; a signal only closes
			// stdin's consumer by terminating after a clean StopAll.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			replDone := make(chan error, 1)
			go func() {
				replDone <- repl.Run(os.Stdin, os.Stdout, reg)
			}()

			select {
			case err := <-replDone:
				return err
			case sig := <-sigCh:
				plog.Info("Shutting down", "signal", sig.String())
				reg.StopAll()
				return nil
			}
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", config.ConfigFileName, "Path to the configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Override the logging level: 'debug', 'notice', 'info', 'warn', 'error'")
	rootCmd.Flags().BoolVar(&initConfig, "init", false, "Generate a default configuration file and exit")
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		plog.Error("Fatal", "error", err)
		os.Exit(1)
	}
}
