package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
// Mutations against a deleted trace or span also wrap it: the referent
// was cleaned up mid-flight or never existed.
var ErrNotFound = errors.New("storage: not found")
