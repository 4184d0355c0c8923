package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/vecproj/index"
	"github.com/hupe1980/vecproj/internal/app"
)

func newConfigsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "configs",
		Short: "List configured pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app.App) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tVERSION\tDIMS")
				for _, cfg := range a.Engine.Configs() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", cfg.ID().Short(), cfg.Name(), cfg.Version(), cfg.Dims())
				}
				return tw.Flush()
			})
		},
	}
}

func newBuildCmd(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "build [pipeline]",
		Short: "Rebuild the index of a pipeline",
		Long: `Rebuild the index of a pipeline from the record store.

With snapshot storage configured the new snapshot is persisted, so later
commands and servers start warm.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app.App) error {
				refs, err := pipelineRefs(a, args, all)
				if err != nil {
					return err
				}
				for _, ref := range refs {
					cfg, err := resolveConfig(a.Engine, ref)
					if err != nil {
						return err
					}
					st, err := a.Engine.BuildIndex(cmd.Context(), cfg.ID())
					if err != nil {
						return fmt.Errorf("build %s: %w", cfg.ID().Short(), err)
					}
					if err := printJSON(cmd.OutOrStdout(), st); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "rebuild every pipeline")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [pipeline]",
		Short: "Show index status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app.App) error {
				var statuses []index.Status
				if len(args) == 0 {
					statuses = a.Engine.Stats().Indexes
				} else {
					cfg, err := resolveConfig(a.Engine, args[0])
					if err != nil {
						return err
					}
					st, err := a.Engine.IndexStatus(cfg.ID())
					if err != nil {
						return err
					}
					statuses = []index.Status{st}
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CONFIG\tSTATE\tGENERATION\tLIVE\tMUTATIONS\tBUILT")
				for _, st := range statuses {
					built := "-"
					if !st.BuiltAt.IsZero() {
						built = st.BuiltAt.Format("2006-01-02T15:04:05Z07:00")
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", st.ConfigID.Short(), st.State, st.Generation, st.Live, st.Mutations, built)
				}
				return tw.Flush()
			})
		},
	}
}

func newDriftCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drift",
		Short: "Compare every index against the record store",
		Long: `Compare the live record count of every index against the record store and
mark drifted indexes Stale. Drifted pipeline ids are printed one per line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app.App) error {
				drifted, err := a.Engine.CheckDriftAll(cmd.Context())
				for _, id := range drifted {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return err
			})
		},
	}
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export [pipeline]",
		Short: "Export projected records as CSV or JSON lines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "jsonl" {
				return fmt.Errorf("unknown export format %q", format)
			}
			return withApp(cmd, opts, func(a *app.App) error {
				ref := ""
				if len(args) == 1 {
					ref = args[0]
				}
				cfg, err := resolveConfig(a.Engine, ref)
				if err != nil {
					return err
				}
				if format == "jsonl" {
					_, err = a.Engine.ExportJSONLines(cmd.Context(), cmd.OutOrStdout(), cfg.ID())
				} else {
					_, err = a.Engine.ExportCSV(cmd.Context(), cmd.OutOrStdout(), cfg.ID())
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv, jsonl)")
	return cmd
}

// pipelineRefs returns args, or every pipeline id when all is set.
func pipelineRefs(a *app.App, args []string, all bool) ([]string, error) {
	if !all {
		if len(args) == 0 {
			return []string{""}, nil
		}
		return args, nil
	}
	if len(args) > 0 {
		return nil, fmt.Errorf("--all takes no pipeline argument")
	}
	var refs []string
	for _, cfg := range a.Engine.Configs() {
		refs = append(refs, string(cfg.ID()))
	}
	return refs, nil
}
