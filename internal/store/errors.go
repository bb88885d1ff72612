package store

import "errors"

// ErrNotFound is returned when a requested mapping does not exist.
var ErrNotFound = errors.New("mapping not found")
