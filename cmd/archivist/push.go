package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/export"
	"github.com/infracollect/archivist/internal/manager"
)

var pushCommand = &cli.Command{
	Name:      "push",
	Usage:     "Export an archive, or selected entries of it, to S3, a directory or stdout",
	Arguments: []cli.Argument{archiveArg()},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "entries",
			Usage: "CEL filter; export the matching entries instead of the archive file",
		},
		&cli.StringFlag{
			Name:  "bundle",
			Usage: "Pack exported entries into one tarball named after the archive (gzip, zstd, bzip2, xz, none)",
		},
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Export to a local directory instead of the configured S3 target",
		},
		&cli.BoolFlag{
			Name:  "stdout",
			Usage: "Write the archive, a single entry or a bundle to stdout",
		},
		&cli.StringFlag{
			Name:  "bucket",
			Usage: "S3 bucket, overrides the settings",
		},
		&cli.StringFlag{
			Name:  "prefix",
			Usage: "S3 key prefix, overrides the settings",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		s, err := openSession(ctx, command)
		if err != nil {
			return err
		}
		defer s.Close()

		target, err := buildTarget(ctx, command, s.manager)
		if err != nil {
			return err
		}

		expr := command.String("entries")
		if expr == "" {
			if err := waitFor(ctx)(s.window.Export(ctx, target)); err != nil {
				return fmt.Errorf("failed to push archive: %w", err)
			}
			s.logger.Info("pushed archive", zap.String("target", target.Name()))
			return nil
		}

		entries, err := selectEntries(ctx, expr, s.window.Session().Entries())
		if err != nil {
			return err
		}
		if bundle := command.String("bundle"); bundle != "" {
			name := filepath.Base(s.window.Session().Path())
			name = strings.TrimSuffix(name, filepath.Ext(name))
			if target, err = export.NewBundle(target, name, export.Compression(bundle)); err != nil {
				return err
			}
		}
		if err := waitFor(ctx)(s.window.ExportEntries(ctx, entries, target)); err != nil {
			return fmt.Errorf("failed to push entries: %w", err)
		}
		s.logger.Info("pushed entries", zap.String("target", target.Name()), zap.Int("selected", len(entries)))
		return nil
	},
}

func buildTarget(ctx context.Context, command *cli.Command, m *manager.Manager) (export.Target, error) {
	switch {
	case command.Bool("stdout"):
		return export.NewStream(os.Stdout), nil
	case command.String("dir") != "":
		return export.NewDirectory(afero.NewOsFs(), command.String("dir"))
	}

	spec := m.Settings().Spec.Export
	if bucket := command.String("bucket"); bucket != "" {
		cfg := export.S3Config{Bucket: bucket, Prefix: command.String("prefix")}
		if spec != nil && spec.S3 != nil {
			cfg = manager.S3Config(spec.S3)
			cfg.Bucket = bucket
			if command.IsSet("prefix") {
				cfg.Prefix = command.String("prefix")
			}
		}
		return export.NewS3(ctx, cfg)
	}

	target, err := m.ExportTarget(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: use --bucket, --dir or --stdout", err)
	}
	return target, nil
}
