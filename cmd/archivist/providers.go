package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/urfave/cli/v3"

	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/manager"
)

var providersCommand = &cli.Command{
	Name:  "providers",
	Usage: "List the registered archive providers in resolution order",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "resolve",
			Usage: "Show which providers handle the given file name",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		settings, err := loadSettings(command)
		if err != nil {
			return err
		}
		m, err := manager.New(manager.Options{Logger: getLogger(ctx), Settings: settings})
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		defer m.Shutdown()

		registry := m.Registry()
		out := command.Root().Writer

		if name := command.String("resolve"); name != "" {
			reader, canRead := registry.ResolveRead(name)
			writer, canWrite := registry.ResolveWrite(name)
			fmt.Fprintf(out, "read:  %s\n", providerName(reader, canRead))
			fmt.Fprintf(out, "write: %s\n", providerName(writer, canWrite))
			return nil
		}

		all := append(registry.ListByCapability(engine.CapabilityRead), registry.ListByCapability(engine.CapabilityWrite)...)
		all = lo.UniqBy(all, func(p engine.Provider) string { return p.Descriptor().ID })

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCAPABILITY\tCLASS\tPRIORITY\tFORMATS")
		for _, p := range all {
			d := p.Descriptor()
			priority, _ := registry.Priority(d.ID)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.Capability, d.Class, priority, strings.Join(d.Formats, ","))
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if plugins := m.Plugins(); len(plugins) > 0 {
			fmt.Fprintf(out, "\nplugins: %s\n", strings.Join(plugins, ", "))
		}
		return nil
	},
}

func providerName[P engine.Provider](p P, ok bool) string {
	if !ok {
		return "none"
	}
	return p.Descriptor().ID
}
