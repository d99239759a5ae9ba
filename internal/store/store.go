// Package store is the shared state store adapter: documents, collections,
// atomic read-modify-write and realtime subscriptions, backed by Redis.
//
// Paths are slash separated ("rooms/abc", "rooms/abc/users/u1"). A document's
// parent collection is its path minus the last segment.
package store

import (
	"context"
	"encoding/json"
	"strings"
)

// Fields is a partial document: field name to value. Values are JSON encoded on write.
type Fields map[string]any

// Store is the document store contract consumed by the playback and signaling layers.
type Store interface {
	// Get decodes the document at path into dst, or returns errs.ErrNotFound.
	Get(ctx context.Context, path string, dst any) error
	// Set creates or replaces the document at path.
	Set(ctx context.Context, path string, doc any) error
	// Update merges fields into an existing document, or returns errs.ErrNotFound.
	Update(ctx context.Context, path string, fields Fields) error
	Delete(ctx context.Context, path string) error

	// List returns every document of a collection, ordered by id.
	List(ctx context.Context, collection string) ([]Snapshot, error)
	// Query is List filtered by field == value.
	Query(ctx context.Context, collection, field string, value any) ([]Snapshot, error)

	// RunTransaction runs fn as an atomic read-modify-write, retrying on contention.
	RunTransaction(ctx context.Context, name string, fn func(Tx) error) error

	// Subscribe pushes the current snapshot of path, then one snapshot per change.
	Subscribe(ctx context.Context, path string) (<-chan Snapshot, error)
	// SubscribeCollection pushes the full collection, then again on every change.
	SubscribeCollection(ctx context.Context, collection string) (<-chan []Snapshot, error)

	// Add appends doc to an append-only collection and returns the generated id.
	Add(ctx context.Context, collection string, doc any) (string, error)
	// Range returns appended documents with timestamp >= sinceMillis, oldest first.
	Range(ctx context.Context, collection string, sinceMillis int64) ([]Snapshot, error)
	// Tail streams appended documents with timestamp >= sinceMillis until ctx ends.
	Tail(ctx context.Context, collection string, sinceMillis int64) (<-chan Snapshot, error)
}

// Tx is the view of the store inside RunTransaction. Reads must come before writes;
// writes are buffered and applied atomically when fn returns nil.
type Tx interface {
	Get(path string, dst any) (bool, error)
	Set(path string, doc any)
	Merge(path string, fields Fields)
	Increment(path, field string, delta int64)
	Delete(path string)
}

// Snapshot is an immutable view of one document.
type Snapshot struct {
	Path   string
	ID     string
	Exists bool
	Fields map[string]json.RawMessage
}

// Decode unmarshals the snapshot into dst. The document id is exposed as "id"
// unless the document carries its own.
func (s Snapshot) Decode(dst any) error {
	fields := s.Fields
	if _, ok := fields["id"]; !ok {
		fields = make(map[string]json.RawMessage, len(s.Fields)+1)
		for k, v := range s.Fields {
			fields[k] = v
		}
		id, _ := json.Marshal(s.ID)
		fields["id"] = id
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// Doc joins path segments.
func Doc(segments ...string) string {
	return strings.Join(segments, "/")
}

func keyFor(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ":")
}

func splitPath(path string) (parent, id string) {
	path = strings.Trim(path, "/")
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func watchChannel(key string) string {
	return "watch:" + key
}

func encodeDoc(doc any) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = string(v)
	}
	return out, nil
}

func encodeFields(fields Fields) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = string(raw)
	}
	return out, nil
}

func snapshotFromHash(path string, vals map[string]string) Snapshot {
	_, id := splitPath(path)
	snap := Snapshot{Path: path, ID: id, Exists: len(vals) > 0}
	if snap.Exists {
		snap.Fields = make(map[string]json.RawMessage, len(vals))
		for k, v := range vals {
			snap.Fields[k] = json.RawMessage(v)
		}
	}
	return snap
}
