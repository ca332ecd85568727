package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConcurrentUpdate is returned when an optimistic-concurrency update's
// expected row state no longer matches, indicating another writer committed
// first. Callers retry with freshly reloaded state.
var ErrConcurrentUpdate = errors.New("storage: concurrent update")
