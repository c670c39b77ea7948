// Package mtx reads and writes the per-sample count-matrix triple produced
// by droplet-based single-cell platforms: a barcode list, a feature list,
// and a MatrixMarket coordinate count matrix. Each sample lives in its own
// directory:
//
//	<dir>/barcodes.tsv[.gz]
//	<dir>/features.tsv[.gz]   (genes.tsv also accepted)
//	<dir>/matrix.mtx[.gz]
package mtx

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/canidatlas/sc/expr"
)

const (
	banner       = "%%MatrixMarket"
	barcodesFile = "barcodes.tsv"
	featuresFile = "features.tsv"
	genesFile    = "genes.tsv"
	matrixFile   = "matrix.mtx"
)

// ReadSampleDir loads one sample directory into a count matrix. Feature
// rows may carry extra columns (gene symbol, feature type); only the first
// column is used as the gene identifier, deduplicated 10x-style by
// appending ".1", ".2", ... to repeats of a symbol.
func ReadSampleDir(ctx context.Context, dir string) (*expr.Matrix, error) {
	cells, err := readColumn(ctx, dir, barcodesFile)
	if err != nil {
		return nil, err
	}
	genes, err := readColumn(ctx, dir, featuresFile)
	if err != nil {
		genes, err = readColumn(ctx, dir, genesFile)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: no features.tsv or genes.tsv", dir)
		}
	}
	genes = dedupIDs(genes)
	entries, nRows, nCols, err := readMatrix(ctx, dir)
	if err != nil {
		return nil, err
	}
	if nRows != len(genes) || nCols != len(cells) {
		return nil, errors.Errorf("%s: matrix is %dx%d but %d features and %d barcodes listed",
			dir, nRows, nCols, len(genes), len(cells))
	}
	m, err := expr.New(genes, cells, entries)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", dir)
	}
	return m, nil
}

func openMaybeGz(ctx context.Context, path string) (io.Reader, func() error, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		in, err = file.Open(ctx, path+".gz")
		if err != nil {
			return nil, nil, err
		}
		path = path + ".gz"
	}
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, path); u != nil {
		r = u
	}
	return r, func() error { return in.Close(ctx) }, nil
}

func readColumn(ctx context.Context, dir, name string) ([]string, error) {
	r, closer, err := openMaybeGz(ctx, file.Join(dir, name))
	if err != nil {
		return nil, err
	}
	defer closer() // nolint: errcheck
	var ids []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			line = line[:i]
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	if len(ids) == 0 {
		return nil, errors.Errorf("%s: empty identifier list", name)
	}
	return ids, nil
}

// dedupIDs makes repeated identifiers unique the way cellranger does, so a
// feature list with duplicate gene symbols still yields a valid matrix.
func dedupIDs(ids []string) []string {
	seen := make(map[string]int, len(ids))
	out := make([]string, len(ids))
	for i, id := range ids {
		n := seen[id]
		seen[id] = n + 1
		if n == 0 {
			out[i] = id
			continue
		}
		out[i] = fmt.Sprintf("%s.%d", id, n)
	}
	return out
}

func readMatrix(ctx context.Context, dir string) (entries []expr.Entry, nRows, nCols int, err error) {
	r, closer, err := openMaybeGz(ctx, file.Join(dir, matrixFile))
	if err != nil {
		return nil, 0, 0, err
	}
	defer closer() // nolint: errcheck
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	if !sc.Scan() {
		return nil, 0, 0, errors.Errorf("%s: empty matrix file", dir)
	}
	if !strings.HasPrefix(sc.Text(), banner) {
		return nil, 0, 0, errors.Errorf("%s: not a MatrixMarket file: %q", dir, sc.Text())
	}
	header := strings.Fields(sc.Text())
	if len(header) >= 4 && header[2] != "coordinate" {
		return nil, 0, 0, errors.Errorf("%s: unsupported MatrixMarket format %q", dir, header[2])
	}
	nnz := -1
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		f := strings.Fields(line)
		if nnz < 0 {
			// Size line: rows cols nonzeros.
			if len(f) != 3 {
				return nil, 0, 0, errors.Errorf("%s: bad size line %q", dir, line)
			}
			if nRows, err = strconv.Atoi(f[0]); err != nil {
				return nil, 0, 0, errors.Wrapf(err, "%s: size line", dir)
			}
			if nCols, err = strconv.Atoi(f[1]); err != nil {
				return nil, 0, 0, errors.Wrapf(err, "%s: size line", dir)
			}
			if nnz, err = strconv.Atoi(f[2]); err != nil {
				return nil, 0, 0, errors.Wrapf(err, "%s: size line", dir)
			}
			entries = make([]expr.Entry, 0, nnz)
			continue
		}
		if len(f) != 3 {
			return nil, 0, 0, errors.Errorf("%s: bad entry line %q", dir, line)
		}
		gene, err := strconv.Atoi(f[0])
		if err != nil {
			return nil, 0, 0, errors.Wrapf(err, "%s: entry line %q", dir, line)
		}
		cell, err := strconv.Atoi(f[1])
		if err != nil {
			return nil, 0, 0, errors.Wrapf(err, "%s: entry line %q", dir, line)
		}
		v, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			return nil, 0, 0, errors.Wrapf(err, "%s: entry line %q", dir, line)
		}
		if gene < 1 || gene > nRows || cell < 1 || cell > nCols {
			return nil, 0, 0, errors.Errorf("%s: entry (%d,%d) outside %dx%d", dir, gene, cell, nRows, nCols)
		}
		if v < 0 {
			return nil, 0, 0, errors.Errorf("%s: negative count at (%d,%d)", dir, gene, cell)
		}
		// MatrixMarket is 1-based.
		entries = append(entries, expr.Entry{Gene: gene - 1, Cell: cell - 1, Value: v})
	}
	if err := sc.Err(); err != nil {
		return nil, 0, 0, errors.Wrapf(err, "%s: read matrix", dir)
	}
	if nnz < 0 {
		return nil, 0, 0, errors.Errorf("%s: missing size line", dir)
	}
	if len(entries) != nnz {
		return nil, 0, 0, errors.Errorf("%s: size line promises %d entries, found %d", dir, nnz, len(entries))
	}
	return entries, nRows, nCols, nil
}

// WriteSampleDir writes a matrix as a gzip-compressed triple under dir.
func WriteSampleDir(ctx context.Context, dir string, m *expr.Matrix) (err error) {
	if err = writeLinesGz(ctx, file.Join(dir, barcodesFile+".gz"), m.Cells()); err != nil {
		return err
	}
	if err = writeLinesGz(ctx, file.Join(dir, featuresFile+".gz"), m.Genes()); err != nil {
		return err
	}
	out, err := file.Create(ctx, file.Join(dir, matrixFile+".gz"))
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	gz := gzip.NewWriter(out.Writer(ctx))
	w := bufio.NewWriter(gz)
	fmt.Fprintf(w, "%%%%MatrixMarket matrix coordinate real general\n")
	fmt.Fprintf(w, "%d %d %d\n", m.NGenes(), m.NCells(), m.NNZ())
	for j := 0; j < m.NCells(); j++ {
		m.Col(j, func(gene int, v float64) {
			fmt.Fprintf(w, "%d %d %s\n", gene+1, j+1, strconv.FormatFloat(v, 'g', -1, 64))
		})
	}
	if err = w.Flush(); err != nil {
		return err
	}
	return gz.Close()
}

func writeLinesGz(ctx context.Context, path string, lines []string) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	gz := gzip.NewWriter(out.Writer(ctx))
	w := bufio.NewWriter(gz)
	for _, l := range lines {
		if _, err = w.WriteString(l); err != nil {
			return err
		}
		if err = w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err = w.Flush(); err != nil {
		return err
	}
	return gz.Close()
}

// SampleID derives a sample identifier from a sample directory path, the
// last path component.
func SampleID(dir string) string {
	return file.Base(strings.TrimRight(dir, "/"))
}
