package events

import "time"

// Cache operations.
const (
	OpWrite  = "write"
	OpRead   = "read"
	OpRemove = "remove"
	OpClear  = "clear"
)

// CacheStart is emitted before a cache operation.
type CacheStart struct {
	Call Call
	// Parent is the enclosing call, such as the HTTP request.
	Parent Call
	Op     string
	// Name is the operation or fragment name, empty when anonymous.
	Name    string
	RootKey string
	// Mode is the read mode of a read.
	Mode string
}

// CacheFinish is emitted after a cache operation.
type CacheFinish struct {
	Call    Call
	Op      string
	Name    string
	RootKey string
	Mode    string
	// Records is how many records were written, read or removed.
	Records int
	// Changed is how many dependent keys changed.
	Changed int
	// Miss is the reason of a read miss, empty on a hit.
	Miss     string
	Err      error
	Duration time.Duration
}

// RecordsChanged is emitted after a write or removal changed the store.
type RecordsChanged struct {
	// Keys are the changed dependent keys, sorted.
	Keys []string
}
