package hybriddb

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/andreyvit/hybriddb/backend"
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

// Dump renders every registered table: its actual columns, then each row
// with its projected column values and its deserialized document.
func (store *DocumentStore) Dump(ctx context.Context) (string, error) {
	var buf strings.Builder
	for _, dt := range store.typesSnapshot() {
		if dt.info == nil {
			continue
		}
		if err := store.dumpTable(ctx, &buf, dt); err != nil {
			return buf.String(), err
		}
	}
	return buf.String(), nil
}

func (store *DocumentStore) dumpTable(ctx context.Context, w *strings.Builder, dt *docType) error {
	fmt.Fprintln(w, dumpSep1)
	cols, err := store.be.Columns(ctx, dt.table)
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", dt.table, err)
		return nil
	}
	rows, err := store.be.Scan(ctx, dt.table, nil)
	if err != nil {
		return fmt.Errorf("hybriddb: dump %s: %w", dt.table, err)
	}

	fmt.Fprintf(w, "%s (%d rows)\n", dt.table, len(rows))
	for _, c := range cols {
		fmt.Fprintf(w, "%s.c.%s\n", dt.table, c)
	}
	var dead []string
	for _, c := range cols {
		if c.Name == backend.IDColumn || c.Name == backend.PayloadColumn {
			continue
		}
		if !slices.ContainsFunc(dt.projections, func(p *Projection) bool { return p.Column == c.Name }) {
			dead = append(dead, c.Name)
		}
	}
	if len(dead) > 0 {
		fmt.Fprintf(w, "%s.dead: %s\n", dt.table, strings.Join(dead, ", "))
	}

	if len(rows) > 0 {
		fmt.Fprintln(w, dumpSep2)
	}
	for i, row := range rows {
		dumpRow(w, dt, i+1, row)
	}
	return nil
}

func dumpRow(w *strings.Builder, dt *docType, rowPos int, row backend.Row) {
	var colStrs []string
	for _, c := range dt.columns() {
		colStrs = append(colStrs, fmt.Sprintf("%s=%s", c.Name, formatLiteral(row.Columns[c.Name])))
	}
	prefix := fmt.Sprintf("%s.%d = %v [%s]", dt.table, rowPos, row.ID, strings.Join(colStrs, " "))

	docVal, err := dt.decode(row.Payload)
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		return
	}
	if dt.suppressContent {
		fmt.Fprintf(w, "%s <suppressed>\n", prefix)
		return
	}
	raw, err := json.Marshal(docVal.Interface())
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		return
	}
	fmt.Fprintf(w, "%s %s\n", prefix, raw)
}
