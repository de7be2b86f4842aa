package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConcurrentModification is returned when a conditional transition
// matched zero rows: a racing actor changed the entity's status first.
// Callers must re-read state before retrying the decision.
var ErrConcurrentModification = errors.New("storage: concurrent modification")
