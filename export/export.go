// Package export produces read-only tabular views of projected vectors for
// plotting and offline analysis.
//
// Rows reads straight from the record store, never from an index, so it is
// safe to call while an index is Stale or rebuilding.
package export

import (
	"cmp"
	"context"
	"encoding/csv"
	"io"
	"iter"
	"slices"
	"strconv"

	"github.com/hupe1980/vecproj/codec"
	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/hupe1980/vecproj/model"
)

// Source lists the live records of a config.
type Source interface {
	ListProjections(ctx context.Context, configID model.ConfigID) ([]model.ProjectionRecord, error)
}

// Row is one exported record.
type Row struct {
	RecordID   model.RecordID `json:"record_id"`
	SourceID   model.RawID    `json:"source_id"`
	ConfigID   model.ConfigID `json:"config_id"`
	Components []float32      `json:"components"`
	Metadata   model.Metadata `json:"metadata,omitempty"`
}

// Rows yields the live records of configID in ascending record order. The
// store is read once, when iteration starts.
func Rows(ctx context.Context, src Source, configID model.ConfigID) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		recs, err := src.ListProjections(ctx, configID)
		if err != nil {
			yield(Row{}, err)
			return
		}
		slices.SortFunc(recs, func(a, b model.ProjectionRecord) int { return cmp.Compare(a.ID, b.ID) })
		for _, r := range recs {
			if err := ctx.Err(); err != nil {
				yield(Row{}, err)
				return
			}
			row := Row{
				RecordID:   r.ID,
				SourceID:   r.SourceID,
				ConfigID:   configID,
				Components: slices.Clone(r.Vector),
				Metadata:   r.Metadata.Clone(),
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// Collect drains Rows into a slice.
func Collect(ctx context.Context, src Source, configID model.ConfigID) ([]Row, error) {
	var out []Row
	for row, err := range Rows(ctx, src, configID) {
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// WriterOptions configures the writers.
type WriterOptions struct {
	// Codec encodes metadata and JSON lines. Default codec.Default.
	Codec codec.Codec
	// OmitHeader skips the CSV header line.
	OmitHeader bool
}

func writerOptions(optFns []func(o *WriterOptions)) WriterOptions {
	opts := WriterOptions{Codec: codec.Default}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	return opts
}

// Header returns the CSV header for vectors of width dim.
func Header(dim int) []string {
	h := make([]string, 0, dim+3)
	h = append(h, "record_id", "source_id")
	for i := range dim {
		h = append(h, "x"+strconv.Itoa(i))
	}
	return append(h, "metadata")
}

// WriteCSV writes rows as CSV with columns record_id, source_id, x0..x{dim-1}
// and metadata (a JSON object, empty when absent). Every row must have width
// dim. It returns the number of rows written.
func WriteCSV(w io.Writer, dim int, rows iter.Seq2[Row, error], optFns ...func(o *WriterOptions)) (int, error) {
	opts := writerOptions(optFns)
	cw := csv.NewWriter(w)
	if !opts.OmitHeader {
		if err := cw.Write(Header(dim)); err != nil {
			return 0, err
		}
	}

	n := 0
	rec := make([]string, dim+3)
	for row, err := range rows {
		if err != nil {
			cw.Flush()
			return n, err
		}
		if len(row.Components) != dim {
			cw.Flush()
			return n, &errs.DimensionMismatchError{Expected: dim, Actual: len(row.Components)}
		}
		rec[0] = strconv.FormatUint(uint64(row.RecordID), 10)
		rec[1] = strconv.FormatUint(uint64(row.SourceID), 10)
		for i, f := range row.Components {
			rec[i+2] = strconv.FormatFloat(float64(f), 'g', -1, 32)
		}
		rec[dim+2] = ""
		if len(row.Metadata) > 0 {
			b, err := opts.Codec.Marshal(row.Metadata)
			if err != nil {
				cw.Flush()
				return n, err
			}
			rec[dim+2] = string(b)
		}
		if err := cw.Write(rec); err != nil {
			return n, err
		}
		n++
	}
	cw.Flush()
	return n, cw.Error()
}

// WriteJSONLines writes one JSON object per row. It returns the number of
// rows written.
func WriteJSONLines(w io.Writer, rows iter.Seq2[Row, error], optFns ...func(o *WriterOptions)) (int, error) {
	opts := writerOptions(optFns)
	n := 0
	for row, err := range rows {
		if err != nil {
			return n, err
		}
		b, err := opts.Codec.Marshal(row)
		if err != nil {
			return n, err
		}
		b = append(b, '\n')
		if _, err := w.Write(b); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
