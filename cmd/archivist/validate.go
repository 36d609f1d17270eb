package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/manager"
)

var validateCommand = &cli.Command{
	Name:  "validate",
	Usage: "Validate a settings file",
	Arguments: []cli.Argument{
		&cli.StringArg{
			Name:      "file",
			UsageText: "The settings file to validate (default: --settings)",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		logger := getLogger(ctx)

		filename := command.StringArg("file")
		if filename == "" {
			filename = command.String("settings")
		}
		if filename == "" {
			return fmt.Errorf("no settings file provided")
		}

		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read settings file '%s': %w", filename, err)
		}

		logger = logger.With(zap.String("settings_filename", filename))
		logger.Debug("validating settings file")

		settings, err := manager.ParseSettings(data)
		if err != nil {
			fmt.Fprintln(command.Root().ErrWriter, formatValidationError(err))
			return fmt.Errorf("settings file '%s' is invalid", filename)
		}

		if err := manager.ExpandSettings(&settings, command.StringSlice("allowed-env")); err != nil {
			return err
		}

		for _, spec := range settings.Spec.Plugins {
			if _, err := manager.BuildPlugin(spec, logger); err != nil {
				return err
			}
		}

		fmt.Fprintf(command.Root().Writer, "✓ Settings file '%s' is valid\n", filename)
		return nil
	},
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "settings file has %d validation error(s):", len(validationErrs))
	for _, fe := range validationErrs {
		fmt.Fprintf(&sb, "\n  • %s: failed '%s' validation", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			fmt.Fprintf(&sb, " (param: %s)", fe.Param())
		}
	}
	return errors.New(sb.String())
}
