package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pgrzes/elfbridge/internal/elfobj"
	"github.com/pgrzes/elfbridge/internal/thunk"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errSingleOutputManyInputs = errors.New("--output can only be used with a single input object")

func newConvertCommand(opts *rootOptions) *cobra.Command {
	outputPath := ""
	signaturesPath := ""
	skipThunks := false

	cmd := &cobra.Command{
		Use:   "convert [flags] object...",
		Short: "Rewrite 64-bit relocatable objects as 32-bit ones with thunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if outputPath != "" && len(args) > 1 {
				return errSingleOutputManyInputs
			}

			if signaturesPath == "" {
				signaturesPath = opts.config.Signatures
			}

			var signatures []thunk.Signature

			if !skipThunks {
				if signaturesPath == "" {
					return errors.New("a signature file is required unless --skip-thunks is given")
				}

				var err error
				signatures, err = thunk.ReadSignatureFile(signaturesPath)
				if err != nil {
					return err
				}
			}

			eg := &errgroup.Group{}

			for _, inputPath := range args {
				inputPath := inputPath
				output := outputPath
				if output == "" {
					output = defaultOutputPath(inputPath, opts.config.OutputSuffix)
				}

				eg.Go(func() error {
					return convertObject(opts, inputPath, output, signatures, skipThunks)
				})
			}

			return eg.Wait()
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Path to output object file")
	cmd.Flags().StringVarP(&signaturesPath, "signatures", "s", "", "Path to function signature list")
	cmd.Flags().BoolVar(&skipThunks, "skip-thunks", false, "Only switch bitness and fold relocation addends")

	return cmd
}

func defaultOutputPath(inputPath string, suffix string) string {
	return strings.TrimSuffix(inputPath, ".o") + suffix
}

func convertObject(opts *rootOptions, inputPath string, outputPath string, signatures []thunk.Signature, skipThunks bool) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("could not read input object: %w", err)
	}

	obj, err := elfobj.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse '%s': %w", inputPath, err)
	}

	converted, err := obj.SwitchBitness()
	if err != nil {
		return fmt.Errorf("failed to switch bitness of '%s': %w", inputPath, err)
	}

	if skipThunks {
		if err := converted.RelaToRel(opts.config.RenameSections); err != nil {
			return fmt.Errorf("failed to fold relocation addends of '%s': %w", inputPath, err)
		}
	} else {
		if err := thunk.AddThunks(converted, signatures); err != nil {
			return fmt.Errorf("failed to add thunks to '%s': %w", inputPath, err)
		}
	}

	if err := converted.WriteFile(outputPath); err != nil {
		return err
	}

	opts.logger.Info("converted object",
		"input", inputPath,
		"output", outputPath,
	)

	return nil
}
