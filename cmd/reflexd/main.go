// Command reflexd runs the reflex decision engine.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortex-reflex/internal/config"
	"github.com/normanking/cortex-reflex/internal/logging"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool

	cfg       *config.Config
	log       zerolog.Logger
	logCloser io.Closer
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reflexd",
		Short: "reflexd - hybrid reflex/deliberation decision engine",
		Long: `reflexd answers "what should I do in this state?" from learned reflexes
when it can and from a slower deliberative policy when it must.

Run the HTTP service:     reflexd serve
Serve a policy over gRPC: reflexd policy serve
Watch reflexes form:      reflexd simulate
Configuration:            reflexd config show`,
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.reflex/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "reflexd v%s\n", version)
		},
	})
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SETUP
// ═══════════════════════════════════════════════════════════════════════════════

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if cfgPath == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFromPath(cfgPath)
	}
	if err != nil {
		return err
	}
	if verbose {
		lc := logging.VerboseConfig()
		lc.FilePath = cfg.Logging.FilePath
		cfg.Logging = lc
	}
	log, logCloser, err = logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	log.Debug().Str("config", configPath()).Msg("configuration loaded")
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if logCloser != nil {
		return logCloser.Close()
	}
	return nil
}

func configPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	p, err := config.DefaultPath()
	if err != nil {
		return "(unknown)"
	}
	return p
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPath())
		},
	})

	return cmd
}
