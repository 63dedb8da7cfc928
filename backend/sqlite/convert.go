package sqlite

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/andreyvit/hybriddb/backend"
)

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnTypeOf(declType string) backend.ColumnType {
	switch strings.ToUpper(strings.TrimSpace(declType)) {
	case "TEXT":
		return backend.String
	case "INTEGER":
		return backend.Int
	case "REAL":
		return backend.Float
	case "BOOLEAN":
		return backend.Bool
	case "TIMESTAMP":
		return backend.Time
	case "BLOB":
		return backend.Bytes
	default:
		return 0
	}
}

// timeLen is the size of an encoded time: biased big-endian Unix seconds
// followed by big-endian nanoseconds. Blobs compare with memcmp, so the
// encoding orders like the times themselves over the whole time.Time range.
const timeLen = 12

func encodeTime(v time.Time) []byte {
	b := make([]byte, timeLen)
	binary.BigEndian.PutUint64(b, uint64(v.Unix())^(1<<63))
	binary.BigEndian.PutUint32(b[8:], uint32(v.Nanosecond()))
	return b
}

func decodeTime(b []byte) (time.Time, bool) {
	if len(b) != timeLen {
		return time.Time{}, false
	}
	sec := int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
	nsec := int64(binary.BigEndian.Uint32(b[8:]))
	return time.Unix(sec, nsec).UTC(), true
}

// toSQL maps a normalized value onto what the driver stores.
func toSQL(v any) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string, int64, float64, []byte:
		return v, nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	case time.Time:
		return encodeTime(v), nil
	default:
		return nil, fmt.Errorf("unsupported value %T", v)
	}
}

func fromSQL(ct backend.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch ct {
	case 0:
		// column added behind our back; pass through
		return v, nil
	case backend.Bool:
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
	case backend.Time:
		if b, ok := v.([]byte); ok {
			if t, ok := decodeTime(b); ok {
				return t, nil
			}
			return nil, fmt.Errorf("invalid time encoding %x", b)
		}
	case backend.String:
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
	}
	return backend.Normalize(ct, v)
}

func sortedColumnNames(cols map[string]any) []string {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func scanRows(rows *sql.Rows, layout map[string]backend.ColumnType) ([]backend.Row, error) {
	defer rows.Close()
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var result []backend.Row
	for rows.Next() {
		raw := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := backend.Row{Columns: make(map[string]any, len(names))}
		for i, name := range names {
			switch name {
			case backend.IDColumn:
				row.ID, err = fromSQL(layout[name], raw[i])
			case backend.PayloadColumn:
				payload, ok := raw[i].([]byte)
				if !ok && raw[i] != nil {
					return nil, fmt.Errorf("payload is %T, wanted []byte", raw[i])
				}
				row.Payload = payload
			default:
				row.Columns[name], err = fromSQL(layout[name], raw[i])
			}
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

type whereBuilder struct {
	buf  strings.Builder
	args []any
}

func (w *whereBuilder) add(f backend.Filter, layout map[string]backend.ColumnType) error {
	switch f := f.(type) {
	case nil:
		return nil
	case backend.Cond:
		if _, ok := layout[f.Column]; !ok {
			return fmt.Errorf("unknown column %s", f.Column)
		}
		v, err := toSQL(f.Value)
		if err != nil {
			return fmt.Errorf("column %s: %w", f.Column, err)
		}
		w.buf.WriteString(quoteIdent(f.Column))
		w.buf.WriteByte(' ')
		w.buf.WriteString(f.Op.String())
		w.buf.WriteString(" ?")
		w.args = append(w.args, v)
		return nil
	case backend.And:
		return w.addGroup([]backend.Filter(f), " AND ", "1", layout)
	case backend.Or:
		return w.addGroup([]backend.Filter(f), " OR ", "0", layout)
	default:
		return fmt.Errorf("unsupported filter %T", f)
	}
}

func (w *whereBuilder) addGroup(terms []backend.Filter, sep, empty string, layout map[string]backend.ColumnType) error {
	if len(terms) == 0 {
		w.buf.WriteString(empty)
		return nil
	}
	w.buf.WriteByte('(')
	for i, t := range terms {
		if i > 0 {
			w.buf.WriteString(sep)
		}
		if err := w.add(t, layout); err != nil {
			return err
		}
	}
	w.buf.WriteByte(')')
	return nil
}
