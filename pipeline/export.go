package pipeline

import (
	"context"
	"encoding/csv"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"

	"github.com/canidatlas/sc/annotate"
	"github.com/canidatlas/sc/doublet"
	"github.com/canidatlas/sc/expr"
	"github.com/canidatlas/sc/geneset"
)

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'g', 6, 64) }

// WriteMarkersCSV exports per-cluster differential expression results with
// the conventional columns.
func WriteMarkersCSV(ctx context.Context, path string, markers []annotate.Marker) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := csv.NewWriter(out.Writer(ctx))
	if err = w.Write([]string{"cluster", "gene", "log2fc", "p_value", "adj_p_value", "pct_in", "pct_out"}); err != nil {
		return err
	}
	for _, m := range markers {
		rec := []string{
			strconv.Itoa(m.Cluster), m.Gene, fmtFloat(m.Log2FC),
			fmtFloat(m.PValue), fmtFloat(m.AdjPValue),
			fmtFloat(m.PctIn), fmtFloat(m.PctOut),
		}
		if err = w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WriteEnrichmentCSV exports per-cluster gene-set enrichment results.
func WriteEnrichmentCSV(ctx context.Context, path string, es []geneset.Enrichment) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := csv.NewWriter(out.Writer(ctx))
	if err = w.Write([]string{"cluster", "gene_set", "overlap", "set_size", "markers", "p_value", "adj_p_value"}); err != nil {
		return err
	}
	for _, e := range es {
		rec := []string{
			strconv.Itoa(e.Cluster), e.Set, strconv.Itoa(e.Overlap),
			strconv.Itoa(e.SetSize), strconv.Itoa(e.Markers),
			fmtFloat(e.PValue), fmtFloat(e.AdjPValue),
		}
		if err = w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WriteCellMetaTSV exports the unified per-cell table: identifiers, QC
// metrics, doublet calls, the partition at res (when present), annotation
// labels, pseudotime and the 2-D layout (when present).
func WriteCellMetaTSV(ctx context.Context, path string, snap *Snapshot, res expr.Resolution) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	meta := snap.Meta
	clusters, haveClusters := meta.ClustersAt(res)

	w.WriteString("cell")
	w.WriteString("sample")
	w.WriteString("n_umi")
	w.WriteString("n_gene")
	w.WriteString("mito_frac")
	w.WriteString("complexity")
	w.WriteString("doublet_call")
	w.WriteString("cluster")
	w.WriteString("label")
	w.WriteString("pseudotime")
	w.WriteString("layout_1")
	w.WriteString("layout_2")
	if err = w.EndLine(); err != nil {
		return err
	}
	calls := meta.DoubletCalls()
	labels := meta.Labels()
	ptime := meta.Pseudotime()
	for i, cell := range meta.Cells() {
		w.WriteString(cell)
		w.WriteString(meta.Sample[i])
		w.WriteString(fmtFloat(meta.NumUMI[i]))
		w.WriteString(strconv.Itoa(meta.NumGene[i]))
		w.WriteString(fmtFloat(meta.MitoFrac[i]))
		w.WriteString(fmtFloat(meta.Complexity[i]))
		w.WriteString(string(calls[i]))
		if haveClusters {
			w.WriteString(strconv.Itoa(clusters[i]))
		} else {
			w.WriteString("")
		}
		w.WriteString(labels[i])
		w.WriteString(fmtFloat(ptime[i]))
		if snap.Layout != nil {
			w.WriteString(fmtFloat(snap.Layout.At(i, 0)))
			w.WriteString(fmtFloat(snap.Layout.At(i, 1)))
		} else {
			w.WriteString("")
			w.WriteString("")
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteStabilityTSV exports the pairwise adjusted Rand index matrix of a
// resolution sweep, one row and one column per resolution.
func WriteStabilityTSV(ctx context.Context, path string, resolutions []expr.Resolution, ari [][]float64) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	w.WriteString("resolution")
	for _, r := range resolutions {
		w.WriteString(fmtResolution(r))
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for i, r := range resolutions {
		w.WriteString(fmtResolution(r))
		for j := range resolutions {
			w.WriteString(fmtFloat(ari[i][j]))
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

func fmtResolution(r expr.Resolution) string {
	return strconv.FormatFloat(float64(r), 'g', -1, 64)
}

// WriteModuleScoresTSV exports per-cell gene-set module scores, one column
// per set. Every scores map must cover every cell.
func WriteModuleScoresTSV(ctx context.Context, path string, cells []string, names []string, scores []map[string]float64) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	w.WriteString("cell")
	for _, name := range names {
		w.WriteString(name)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, cell := range cells {
		w.WriteString(cell)
		for _, s := range scores {
			w.WriteString(fmtFloat(s[cell]))
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteDoubletTSV exports per-cell doublet calls and scores for every
// successful sample, one row per cell.
func WriteDoubletTSV(ctx context.Context, path string, results map[string]*doublet.Result) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	e := errors.Once{}
	w := tsv.NewWriter(out.Writer(ctx))
	w.WriteString("sample")
	w.WriteString("cell")
	w.WriteString("call")
	w.WriteString("pann")
	e.Set(w.EndLine())
	// Stable row order: sample, then cell identifier.
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := results[id]
		cells := make([]string, 0, len(r.Calls))
		for c := range r.Calls {
			cells = append(cells, c)
		}
		sort.Strings(cells)
		for _, c := range cells {
			w.WriteString(id)
			w.WriteString(c)
			w.WriteString(string(r.Calls[c]))
			w.WriteString(fmtFloat(r.PANN[c]))
			e.Set(w.EndLine())
		}
	}
	e.Set(w.Flush())
	e.Set(out.Close(ctx))
	return e.Err()
}

