package store

import (
	"context"
	"encoding/json"
	"errors"

	"intelvault/core"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrRecordNotFound is returned by Persistence.Get when no record exists.
var ErrRecordNotFound = errors.New("record not found")

// Row is one persisted record.
type Row struct {
	TenantID string
	ID       string
	Data     []byte
}

// Persistence is the durable backing of an EntityStore. Implementations store opaque
// encoded records per kind and must return Query results in first-insertion order.
// Updating an existing id keeps its original position.
type Persistence interface {
	Name() string
	Put(ctx context.Context, kind core.Kind, tenantID, id string, data []byte) error
	Get(ctx context.Context, kind core.Kind, id string) ([]byte, error)
	// Query returns rows of kind for tenantID (all tenants when empty).
	// A non-positive page limit returns every remaining row.
	Query(ctx context.Context, kind core.Kind, tenantID string, page core.Pagination) ([]Row, error)
	Delete(ctx context.Context, kind core.Kind, id string) error
	Close() error
}

// Codec encodes entities for persistence.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes records as JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec encodes records as MessagePack. It is the default for the Redis backend.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string                       { return "msgpack" }
func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, errors.New("unknown codec: " + name)
	}
}

// envelope is the value layout used by the key-value backends.
type envelope struct {
	Seq      uint64 `msgpack:"s"`
	TenantID string `msgpack:"t"`
	Data     []byte `msgpack:"d"`
}

func encodeEnvelope(e envelope) ([]byte, error) { return msgpack.Marshal(&e) }

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	err := msgpack.Unmarshal(b, &e)
	return e, err
}

// pageRows applies offset/limit to rows already in insertion order.
func pageRows(rows []Row, page core.Pagination) []Row {
	if page.Offset >= len(rows) {
		return nil
	}
	rows = rows[page.Offset:]
	if page.Limit > 0 && page.Limit < len(rows) {
		rows = rows[:page.Limit]
	}
	return rows
}
