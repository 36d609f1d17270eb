package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/manager"
	"github.com/infracollect/archivist/internal/reintegrate"
)

var nestedCommand = &cli.Command{
	Name:  "nested",
	Usage: "Open archives nested inside an archive, optionally edit the innermost one and write it back",
	Arguments: []cli.Argument{
		archiveArg(),
		&cli.StringArgs{
			Name:      "path",
			UsageText: "Entries to descend into, outermost first",
			Min:       1,
			Max:       -1,
		},
	},
	Flags: []cli.Flag{
		filterFlag(),
		&cli.StringSliceFlag{
			Name:  "add",
			Usage: "File or directory to add to the innermost archive (can be repeated)",
		},
		&cli.StringFlag{
			Name:  "prefix",
			Usage: "Folder inside the innermost archive receiving added files",
		},
		&cli.StringSliceFlag{
			Name:  "delete",
			Usage: "Entry to delete from the innermost archive (can be repeated)",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Apply the changes to the extracted copies only and discard them",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   "table",
			Usage:   "Output format of the listing (table, json, yaml)",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) (err error) {
		s, err := openSession(ctx, command)
		if err != nil {
			return err
		}
		defer s.Close()

		chain := []*manager.Window{s.window}
		defer func() {
			err = errors.Join(err, closeChain(ctx, s, chain[1:], false))
		}()

		for _, name := range command.StringArgs("path") {
			current := chain[len(chain)-1]
			entry, err := find(current, name)
			if err != nil {
				return err
			}
			var child *manager.Window
			if err := waitFor(ctx)(current.OpenNested(ctx, entry, func(w *manager.Window) { child = w })); err != nil {
				return fmt.Errorf("failed to open nested archive '%s': %w", name, err)
			}
			chain = append(chain, child)
		}

		innermost := chain[len(chain)-1]
		changed, err := editNested(ctx, command, innermost)
		if err != nil {
			return err
		}

		if !changed {
			entries, err := selectEntries(ctx, command.String("filter"), innermost.Session().Entries())
			if err != nil {
				return err
			}
			return printEntries(command.Root().Writer, command.String("output"), entries)
		}

		persist := !command.Bool("dry-run")
		nested := chain[1:]
		chain = chain[:1]
		return closeChain(ctx, s, nested, persist)
	},
}

func editNested(ctx context.Context, command *cli.Command, w *manager.Window) (bool, error) {
	changed := false
	for _, name := range command.StringSlice("delete") {
		entry, err := find(w, name)
		if err != nil {
			return changed, err
		}
		if err := waitFor(ctx)(w.Delete(ctx, entry)); err != nil {
			return changed, fmt.Errorf("failed to delete '%s': %w", name, err)
		}
		changed = true
	}

	if paths := command.StringSlice("add"); len(paths) > 0 {
		sources := buildSources(command.String("prefix"), paths)
		if err := waitFor(ctx)(w.Add(ctx, sources...)); err != nil {
			return changed, fmt.Errorf("failed to add: %w", err)
		}
		changed = true
	}
	return changed, nil
}

// closeChain closes nested windows innermost first. Each level is written back into its parent
// when persist is set; the first failure stops persisting but every level is still closed.
func closeChain(ctx context.Context, s *session, chain []*manager.Window, persist bool) error {
	var errs error
	for i := len(chain) - 1; i >= 0; i-- {
		w := chain[i]
		if w.Closed() {
			continue
		}

		var rec *reintegrate.Record
		err := waitFor(ctx)(w.CloseNested(ctx, persist, func(r *reintegrate.Record) { rec = r }))
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to close '%s': %w", w.Session().Path(), err))
			persist = false
			continue
		}
		if rec != nil {
			s.logger.Info("wrote nested archive back",
				zap.String("parent", rec.Parent.Path()),
				zap.String("entry", rec.Entry.Name),
				zap.Stringer("state", rec.State),
			)
		}
	}
	return errs
}
