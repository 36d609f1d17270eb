package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"text/tabwriter"

	"github.com/goccy/go-yaml"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/filter"
	"github.com/infracollect/archivist/internal/migration"
)

func archiveArg() cli.Argument {
	return &cli.StringArg{
		Name:      "archive",
		UsageText: "The archive to open",
	}
}

func entryArg() cli.Argument {
	return &cli.StringArg{
		Name:      "entry",
		UsageText: "The entry inside the archive",
	}
}

func filterFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "filter",
		Aliases: []string{"f"},
		Usage:   "CEL expression selecting entries, for example 'ext == \"go\" && size > 1024'",
	}
}

var listCommand = &cli.Command{
	Name:      "list",
	Usage:     "List the entries of an archive",
	Arguments: []cli.Argument{archiveArg()},
	Flags: []cli.Flag{
		filterFlag(),
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   "table",
			Usage:   "Output format (table, json, yaml)",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		s, err := openSession(ctx, command)
		if err != nil {
			return err
		}
		defer s.Close()

		entries, err := selectEntries(ctx, command.String("filter"), s.window.Session().Entries())
		if err != nil {
			return err
		}
		return printEntries(command.Root().Writer, command.String("output"), entries)
	},
}

func selectEntries(ctx context.Context, expr string, entries []engine.Entry) ([]engine.Entry, error) {
	if expr == "" {
		return entries, nil
	}
	f, err := filter.Compile(expr)
	if err != nil {
		return nil, err
	}
	return f.Apply(ctx, entries)
}

func printEntries(w io.Writer, format string, entries []engine.Entry) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	case "yaml":
		data, err := yaml.Marshal(entries)
		if err != nil {
			return fmt.Errorf("failed to encode entries: %w", err)
		}
		_, err = w.Write(data)
		return err
	case "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSIZE\tCOMPRESSED\tMODIFIED\tHASH")
		for _, e := range entries {
			name := e.Name
			if e.Dir {
				name += "/"
			}
			modified := ""
			if !e.Modified.IsZero() {
				modified = e.Modified.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", name, e.Size, e.CompressedSize, modified, e.Hash)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

var extractCommand = &cli.Command{
	Name:  "extract",
	Usage: "Extract entries of an archive",
	Arguments: []cli.Argument{
		archiveArg(),
		&cli.StringArgs{
			Name:      "entries",
			UsageText: "Entries to extract (default: all)",
			Min:       0,
			Max:       -1,
		},
	},
	Flags: []cli.Flag{
		filterFlag(),
		&cli.StringFlag{
			Name:    "dir",
			Aliases: []string{"C"},
			Value:   ".",
			Usage:   "Directory to extract into",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		s, err := openSession(ctx, command)
		if err != nil {
			return err
		}
		defer s.Close()

		var entries []engine.Entry
		for _, name := range command.StringArgs("entries") {
			entry, err := find(s.window, name)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		if expr := command.String("filter"); expr != "" {
			if len(entries) == 0 {
				entries = s.window.Session().Entries()
			}
			if entries, err = selectEntries(ctx, expr, entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				s.logger.Info("no entry matches the filter", zap.String("filter", expr))
				return nil
			}
		}

		dir := command.String("dir")
		if err := waitFor(ctx)(s.window.Extract(ctx, dir, entries...)); err != nil {
			return fmt.Errorf("failed to extract: %w", err)
		}
		s.logger.Info("extracted archive", zap.String("dir", dir), zap.Int("selected", len(entries)))
		return nil
	},
}

var addCommand = &cli.Command{
	Name:  "add",
	Usage: "Add files and directories to an archive",
	Arguments: []cli.Argument{
		archiveArg(),
		&cli.StringArgs{
			Name:      "sources",
			UsageText: "Files or directories to add",
			Min:       1,
			Max:       -1,
		},
	},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "prefix",
			Aliases: []string{"p"},
			Usage:   "Folder inside the archive receiving the sources",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		s, err := openSession(ctx, command)
		if err != nil {
			return err
		}
		defer s.Close()

		sources := buildSources(command.String("prefix"), command.StringArgs("sources"))
		if err := waitFor(ctx)(s.window.Add(ctx, sources...)); err != nil {
			return fmt.Errorf("failed to add: %w", err)
		}
		s.logger.Info("added sources", zap.Int("sources", len(sources)))
		return nil
	},
}

func buildSources(prefix string, paths []string) []engine.Source {
	sources := make([]engine.Source, 0, len(paths))
	for _, p := range paths {
		sources = append(sources, engine.Source{
			Path: p,
			Name: engine.CleanName(path.Join(prefix, filepath.Base(p))),
		})
	}
	return sources
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Usage:     "Delete an entry, or a folder and everything below it",
	Arguments: []cli.Argument{archiveArg(), entryArg()},
	Action: func(ctx context.Context, command *cli.Command) error {
		s, err := openSession(ctx, command)
		if err != nil {
			return err
		}
		defer s.Close()

		name := engine.CleanName(command.StringArg("entry"))
		entry, ok := s.window.Session().Find(name)
		if !ok && s.window.Session().HasFolder(name) {
			// implicit folder: no entry of its own
			entry, ok = engine.NewEntry(-1, name, true), true
		}
		if !ok {
			return fmt.Errorf("entry '%s' not found", name)
		}

		if err := waitFor(ctx)(s.window.Delete(ctx, entry)); err != nil {
			return fmt.Errorf("failed to delete '%s': %w", name, err)
		}
		s.logger.Info("deleted entry", zap.String("entry", name))
		return nil
	},
}

var copyCommand = migrationCommand(migration.ModeCopy, "Copy an entry to another path inside the archive")

var moveCommand = migrationCommand(migration.ModeMove, "Move an entry to another path inside the archive")

func migrationCommand(mode migration.Mode, usage string) *cli.Command {
	return &cli.Command{
		Name:  mode.String(),
		Usage: usage,
		Arguments: []cli.Argument{
			archiveArg(),
			entryArg(),
			&cli.StringArg{
				Name:      "target",
				UsageText: "Destination path; a folder or a path ending in / keeps the entry name",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			s, err := openSession(ctx, command)
			if err != nil {
				return err
			}
			defer s.Close()

			entry, err := find(s.window, command.StringArg("entry"))
			if err != nil {
				return err
			}
			if err := s.window.Stage(mode, entry); err != nil {
				return err
			}

			target := command.StringArg("target")
			if err := waitFor(ctx)(s.window.CommitMigration(ctx, target)); err != nil {
				return fmt.Errorf("failed to %s '%s': %w", mode, entry.Name, err)
			}
			s.logger.Info("migrated entry", zap.Stringer("mode", mode), zap.String("entry", entry.Name), zap.String("target", target))
			return nil
		},
	}
}

var testCommand = &cli.Command{
	Name:      "test",
	Usage:     "Verify the integrity of an archive",
	Arguments: []cli.Argument{archiveArg()},
	Action: func(ctx context.Context, command *cli.Command) error {
		s, err := openSession(ctx, command)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := waitFor(ctx)(s.window.Test(ctx)); err != nil {
			return fmt.Errorf("archive is damaged: %w", err)
		}
		fmt.Fprintf(command.Root().Writer, "✓ %s is valid (%d entries)\n", s.window.Session().Path(), len(s.window.Session().Entries()))
		return nil
	},
}
