package annotate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// LoadReference reads a reference expression table: a TSV whose header is
// "gene" followed by one column per cell-type label, and whose rows give
// each gene's mean expression per type. Gzipped files are handled by
// extension.
func LoadReference(ctx context.Context, path string) (*Reference, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, path); u != nil {
		r = u
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	if !sc.Scan() {
		return nil, errors.E(fmt.Sprintf("%s: empty reference", path), sc.Err())
	}
	header := strings.Split(strings.TrimRight(sc.Text(), "\r\n"), "\t")
	if len(header) < 2 || header[0] != "gene" {
		return nil, errors.E(fmt.Sprintf("%s: reference header must be 'gene' followed by labels, got %q", path, header))
	}
	ref := &Reference{Labels: header[1:]}
	cols := make([][]float64, len(ref.Labels))
	seen := map[string]bool{}
	line := 1
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r\n")
		if text == "" {
			continue
		}
		f := strings.Split(text, "\t")
		if len(f) != len(header) {
			return nil, errors.E(fmt.Sprintf("%s:%d: %d fields, header has %d", path, line, len(f), len(header)))
		}
		if seen[f[0]] {
			return nil, errors.E(fmt.Sprintf("%s:%d: duplicate gene %q", path, line, f[0]))
		}
		seen[f[0]] = true
		ref.Genes = append(ref.Genes, f[0])
		for i, s := range f[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.E(err, fmt.Sprintf("%s:%d: column %s", path, line, header[i+1]))
			}
			cols[i] = append(cols[i], v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.E(err, path)
	}
	if len(ref.Genes) == 0 {
		return nil, errors.E(fmt.Sprintf("%s: reference has no genes", path))
	}
	ref.Profiles = cols
	return ref, nil
}
