package hybriddb

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer turns documents into opaque payload bytes and back. It must
// round-trip every registered document type property for property.
type Serializer interface {
	Name() string
	Serialize(doc any) ([]byte, error)
	Deserialize(data []byte, doc any) error
}

var (
	// MsgPack is the default serializer. Keys of map[string]string and
	// map[string]any are sorted; other maps are encoded in iteration order.
	MsgPack Serializer = msgpackSerializer{}

	JSON Serializer = jsonSerializer{}

	defaultSerializer = MsgPack
)

type msgpackSerializer struct{}

func (msgpackSerializer) Name() string { return "msgpack" }

func (msgpackSerializer) Serialize(doc any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(doc)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", doc, err)
	}
	return buf.Bytes(), nil
}

func (msgpackSerializer) Deserialize(data []byte, doc any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(doc)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(data, err, "failed to decode msgpack into %T", doc)
	}
	return nil
}

type jsonSerializer struct{}

func (jsonSerializer) Name() string { return "json" }

func (jsonSerializer) Serialize(doc any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T to JSON: %w", doc, err)
	}
	return raw, nil
}

func (jsonSerializer) Deserialize(data []byte, doc any) error {
	err := json.Unmarshal(data, doc)
	if err != nil {
		return dataErrf(data, err, "failed to decode JSON into %T", doc)
	}
	return nil
}
