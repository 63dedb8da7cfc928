package bolt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/andreyvit/hybriddb/backend"
	"github.com/vmihailenco/msgpack/v5"
)

type storedRow struct {
	Payload []byte         `msgpack:"p"`
	Columns map[string]any `msgpack:"c,omitempty"`
}

func encodeMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return buf.Bytes(), nil
}

func decodeMsgpack(buf []byte, v any) error {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	dec.UseLooseInterfaceDecoding(true)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return fmt.Errorf("failed to decode msgpack into %T: %w", v, err)
	}
	return nil
}

func encodeRow(row backend.Row) ([]byte, error) {
	sr := storedRow{Payload: row.Payload}
	for name, v := range row.Columns {
		if v == nil {
			continue
		}
		if sr.Columns == nil {
			sr.Columns = make(map[string]any, len(row.Columns))
		}
		sr.Columns[name] = v
	}
	return encodeMsgpack(&sr)
}

func decodeRow(ts *tableState, keyRaw, valueRaw []byte) (backend.Row, error) {
	id, err := decodeKey(ts.IDType, keyRaw)
	if err != nil {
		return backend.Row{}, err
	}
	var sr storedRow
	if err := decodeMsgpack(valueRaw, &sr); err != nil {
		return backend.Row{}, fmt.Errorf("row %v: %w", id, err)
	}
	row := backend.Row{
		ID:      id,
		Payload: sr.Payload,
		Columns: make(map[string]any, len(ts.Columns)),
	}
	for _, col := range ts.Columns {
		v, err := backend.Normalize(col.Type, sr.Columns[col.Name])
		if err != nil {
			return backend.Row{}, fmt.Errorf("row %v: column %s: %w", id, col.Name, err)
		}
		row.Columns[col.Name] = v
	}
	return row, nil
}

func encodeKey(idType backend.ColumnType, id any) ([]byte, error) {
	v, err := backend.Normalize(idType, id)
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case string:
		if v == "" {
			return nil, fmt.Errorf("empty key")
		}
		return []byte(v), nil
	case int64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
		return buf[:], nil
	default:
		return nil, fmt.Errorf("unsupported key %T", id)
	}
}

func decodeKey(idType backend.ColumnType, keyRaw []byte) (any, error) {
	switch idType {
	case backend.String:
		return string(keyRaw), nil
	case backend.Int:
		if len(keyRaw) != 8 {
			return nil, fmt.Errorf("invalid int key %x", keyRaw)
		}
		return int64(binary.BigEndian.Uint64(keyRaw) ^ (1 << 63)), nil
	default:
		return nil, fmt.Errorf("unsupported key type %v", idType)
	}
}
