package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hupe1980/vecproj"
	"github.com/hupe1980/vecproj/codec"
	"github.com/hupe1980/vecproj/distance"
	"github.com/hupe1980/vecproj/internal/app"
	"github.com/hupe1980/vecproj/model"
)

// maxLineSize bounds one JSON line of ingest input.
const maxLineSize = 16 * 1024 * 1024

// ingestLine is one line of ingest input.
type ingestLine struct {
	Vector   []float32      `json:"vector"`
	Metadata model.Metadata `json:"metadata,omitempty"`
}

type ingestResult struct {
	RawID   model.RawID      `json:"raw_id"`
	Records []model.RecordID `json:"records"`
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var pipelines []string

	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest embeddings from JSON lines",
		Long: `Ingest embeddings and project them through the configured pipelines.

Each input line is a JSON object {"vector": [...], "metadata": {...}}.
Without a file argument (or with "-") lines are read from stdin.

Examples:
  # Ingest a file into every pipeline
  vecproj ingest embeddings.jsonl

  # Ingest from stdin into one pipeline
  cat embeddings.jsonl | vecproj ingest --pipeline plot-2d -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}
			return withApp(cmd, opts, func(a *app.App) error {
				return runIngest(cmd, a, in, pipelines)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&pipelines, "pipeline", "p", nil, "pipelines to project onto (default all)")
	return cmd
}

func runIngest(cmd *cobra.Command, a *app.App, in io.Reader, refs []string) error {
	var ids []model.ConfigID
	if len(refs) == 0 {
		for _, cfg := range a.Engine.Configs() {
			ids = append(ids, cfg.ID())
		}
	}
	for _, ref := range refs {
		cfg, err := resolveConfig(a.Engine, ref)
		if err != nil {
			return err
		}
		ids = append(ids, cfg.ID())
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	out := cmd.OutOrStdout()
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var l ingestLine
		if err := codec.Default.Unmarshal(b, &l); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		raw, recs, err := a.Engine.IngestAndProject(cmd.Context(), l.Vector, l.Metadata, ids...)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := printJSON(out, ingestResult{RawID: raw, Records: recs}); err != nil {
			return err
		}
	}
	return sc.Err()
}

type queryHit struct {
	ID       model.RecordID `json:"id"`
	SourceID model.RawID    `json:"source_id"`
	Distance float64        `json:"distance"`
}

type queryOutput struct {
	ConfigID   model.ConfigID `json:"config_id"`
	Hits       []queryHit     `json:"hits"`
	Stale      bool           `json:"stale"`
	Generation uint64         `json:"generation"`
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		ref    string
		vector []float32
		k      int
		metric string
		strict bool
		raw    bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find the k nearest projected records",
		Long: `Query the index of a pipeline.

The query vector lives in the projected space unless --raw is set, in which
case it is projected through the pipeline first.

Examples:
  vecproj query --pipeline plot-2d --vector 0.1,0.2 --k 5 --metric cosine
  vecproj query --raw --vector 0.3,0.1,0.9 --metric euclidean --strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := distance.ParseMetric(metric)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(a *app.App) error {
				cfg, err := resolveConfig(a.Engine, ref)
				if err != nil {
					return err
				}
				req := vecproj.QueryRequest{ConfigID: cfg.ID(), Vector: vector, K: k, Metric: m, Strict: strict}
				var res model.QueryResult
				if raw {
					res, err = a.Engine.QueryRaw(cmd.Context(), req)
				} else {
					res, err = a.Engine.Query(cmd.Context(), req)
				}
				if err != nil {
					return err
				}
				out := queryOutput{ConfigID: cfg.ID(), Hits: make([]queryHit, len(res.Hits)), Stale: res.Stale, Generation: res.Generation}
				for i, h := range res.Hits {
					out.Hits[i] = queryHit{ID: h.ID, SourceID: h.SourceID, Distance: h.Distance}
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVarP(&ref, "pipeline", "p", "", "pipeline id, id prefix or name")
	cmd.Flags().Float32SliceVar(&vector, "vector", nil, "query vector, comma separated")
	cmd.Flags().IntVar(&k, "k", 10, "number of results")
	cmd.Flags().StringVarP(&metric, "metric", "m", "euclidean", "distance metric (euclidean, cosine)")
	cmd.Flags().BoolVar(&strict, "strict", false, "rebuild a stale index before answering")
	cmd.Flags().BoolVar(&raw, "raw", false, "project the query vector through the pipeline first")
	_ = cmd.MarkFlagRequired("vector")
	return cmd
}

type recordOutput struct {
	ID       model.RecordID `json:"id"`
	SourceID model.RawID    `json:"source_id"`
	ConfigID model.ConfigID `json:"config_id"`
	Pipeline string         `json:"pipeline,omitempty"`
	Vector   []float32      `json:"vector"`
	Metadata model.Metadata `json:"metadata,omitempty"`
	Source   []float32      `json:"source"`
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <record-id>",
		Short: "Show a projection record and the vector it came from",
		Long: `Show a live projection record together with its source vector and the
name of the pipeline that produced it.

Examples:
  vecproj get 42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[0])
			}
			return withApp(cmd, opts, func(a *app.App) error {
				d, err := a.Engine.GetProjection(cmd.Context(), model.RecordID(id))
				if err != nil {
					return fmt.Errorf("get %s: %w", model.RecordID(id), err)
				}
				out := recordOutput{
					ID:       d.Record.ID,
					SourceID: d.Record.SourceID,
					ConfigID: d.Record.ConfigID,
					Vector:   d.Record.Vector,
					Metadata: d.Source.Metadata,
					Source:   d.Source.Vector,
				}
				if d.Config != nil {
					out.Pipeline = d.Config.Name()
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <record-id>...",
		Short: "Delete projection records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]model.RecordID, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseUint(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid record id %q", arg)
				}
				ids = append(ids, model.RecordID(id))
			}
			return withApp(cmd, opts, func(a *app.App) error {
				for _, id := range ids {
					if err := a.Engine.Delete(cmd.Context(), id); err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				}
				return nil
			})
		},
	}
}
