package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	config *config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	configPath := ""
	verbose := false

	cmd := &cobra.Command{
		Use:   "elfbridge",
		Short: "Convert x86-64 relocatable objects to i386 with mode-switch thunks",
		Long: `elfbridge rewrites a 64-bit relocatable ELF object into a 32-bit one whose
exported and imported functions stay callable across the ABI boundary:
each one is routed through a generated trampoline that switches CPU mode
with a far jump and translates the calling convention.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}

			opts.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.logger)

			config, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			opts.config = config
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newConvertCommand(opts), newDumpCommand(opts))

	return cmd
}
