package events

import "time"

// StoreStart is emitted before a store call.
type StoreStart struct {
	Call    Call
	Parent  Call
	Backend string
	// Op is one of get, get_many, merge, remove, clear, keys.
	Op   string
	Keys int
}

// StoreFinish is emitted after a store call.
type StoreFinish struct {
	Call     Call
	Backend  string
	Op       string
	Keys     int
	Found    int
	Err      error
	Duration time.Duration
}
