// Package memkv is a sharded, thread-safe in-memory byte store with optional
// TTLs, a global size limit and cheap atomic metrics. It backs the in-memory
// data store and the read cache of the filesystem data store.
//
// Values are copied on Set and Get so callers may reuse their buffers.
// Expired keys are removed lazily on access and by a background goroutine
// that sleeps until the next deadline; Close stops it.
package memkv
