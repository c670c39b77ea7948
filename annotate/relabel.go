package annotate

import (
	"fmt"

	"github.com/grailbio/base/errors"

	"github.com/canidatlas/sc/expr"
	"github.com/canidatlas/sc/util"
)

// Relabel rewrites annotation labels in meta through renames (old → new).
// Every old label must exist in the table; a miss is reported with the
// closest existing labels, since relabel maps are usually hand-typed.
func Relabel(meta *expr.CellMeta, renames map[string]string) error {
	existing := map[string]bool{}
	for _, l := range meta.Labels() {
		if l != "" {
			existing[l] = true
		}
	}
	known := make([]string, 0, len(existing))
	for l := range existing {
		known = append(known, l)
	}
	for old := range renames {
		if !existing[old] {
			return errors.E(errors.Invalid, fmt.Sprintf("no cells labeled %q%s", old, util.DidYouMean(old, known)))
		}
	}
	meta.RelabelTypes(renames)
	return nil
}
